// Short-name directory entry layout and codec, ported from the prior
// implementation's file_systems/fat/dirent.go (RawDirent, date/time conversion, the
// 0xE5/0x05 first-byte escape convention), adapted to decode into this
// package's own ShortDirent/time handling instead of disko.FileStat.
package fat

import (
	"encoding/binary"
	"os"
	"strings"
	"time"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
)

// DirentSize is the size of one raw 32-byte directory entry slot.
const DirentSize = 32

// fatEpoch is 1980-01-01 00:00:00 local time, the earliest representable
// FAT timestamp.
var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.Local)

const (
	AttrReadOnly    = 0x01
	AttrHidden      = 0x02
	AttrSystem      = 0x04
	AttrVolumeLabel = 0x08
	AttrDirectory   = 0x10
	AttrArchived    = 0x20
	// AttrLongName marks an entry as one fragment of a long file name
	// (see lfn.go), distinguished from a short entry by this exact
	// attribute combination.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)

const (
	directEntryFree        = 0x00 // marks this entry and every following entry free
	direntDeleted          = 0xE5 // marks this single entry free
	direntEscapedE5         = 0x05 // first byte actually is 0xE5
)

// RawShortDirent is the on-disk layout of an 8.3 directory entry.
type RawShortDirent struct {
	Name             [8]byte
	Extension        [3]byte
	Attributes       uint8
	NTReserved       uint8
	CreatedTenths    uint8
	CreatedTime      uint16
	CreatedDate      uint16
	LastAccessDate   uint16
	FirstClusterHigh uint16
	LastModifiedTime uint16
	LastModifiedDate uint16
	FirstClusterLow  uint16
	FileSize         uint32
}

// NTRes bits: case-insensitive extensions to the 8.3 name, set when the
// base name / extension is entirely lowercase. A name that mixes upper-
// and lowercase letters is never stored as a bare short entry:
// IsValidShortName rejects it, so RequiresLongName demotes it to a
// long-name entry rather than guessing at case bits.
const (
	ntResLowerExtension = 0x10
	ntResLowerBase      = 0x08
)

// DecodeRawShortDirent parses 32 bytes into a RawShortDirent.
func DecodeRawShortDirent(data []byte) RawShortDirent {
	d := RawShortDirent{
		Attributes:       data[11],
		NTReserved:       data[12],
		CreatedTenths:    data[13],
		CreatedTime:      binary.LittleEndian.Uint16(data[14:16]),
		CreatedDate:      binary.LittleEndian.Uint16(data[16:18]),
		LastAccessDate:   binary.LittleEndian.Uint16(data[18:20]),
		FirstClusterHigh: binary.LittleEndian.Uint16(data[20:22]),
		LastModifiedTime: binary.LittleEndian.Uint16(data[22:24]),
		LastModifiedDate: binary.LittleEndian.Uint16(data[24:26]),
		FirstClusterLow:  binary.LittleEndian.Uint16(data[26:28]),
		FileSize:         binary.LittleEndian.Uint32(data[28:32]),
	}
	copy(d.Name[:], data[0:8])
	copy(d.Extension[:], data[8:11])
	return d
}

// Encode serializes a RawShortDirent back to 32 bytes.
func (d *RawShortDirent) Encode() []byte {
	buf := make([]byte, DirentSize)
	copy(buf[0:8], d.Name[:])
	copy(buf[8:11], d.Extension[:])
	buf[11] = d.Attributes
	buf[12] = d.NTReserved
	buf[13] = d.CreatedTenths
	binary.LittleEndian.PutUint16(buf[14:16], d.CreatedTime)
	binary.LittleEndian.PutUint16(buf[16:18], d.CreatedDate)
	binary.LittleEndian.PutUint16(buf[18:20], d.LastAccessDate)
	binary.LittleEndian.PutUint16(buf[20:22], d.FirstClusterHigh)
	binary.LittleEndian.PutUint16(buf[22:24], d.LastModifiedTime)
	binary.LittleEndian.PutUint16(buf[24:26], d.LastModifiedDate)
	binary.LittleEndian.PutUint16(buf[26:28], d.FirstClusterLow)
	binary.LittleEndian.PutUint32(buf[28:32], d.FileSize)
	return buf
}

// DateFromFAT converts a FAT date field to a time.Time, ported from the
// prior implementation's DateFromInt.
func DateFromFAT(value uint16) time.Time {
	day := int(value & 0x001F)
	month := time.Month((value >> 5) & 0x000F)
	year := 1980 + int(value>>9)
	return time.Date(year, month, day, 0, 0, 0, 0, time.Local)
}

// DateToFAT packs a time.Time into a FAT date field.
func DateToFAT(t time.Time) uint16 {
	year := t.Year() - 1980
	if year < 0 {
		year = 0
	}
	return uint16(year<<9) | uint16(int(t.Month())<<5) | uint16(t.Day())
}

// TimestampFromFAT combines FAT date/time/tenths fields into a time.Time,
// ported from the prior implementation's TimestampFromParts.
func TimestampFromFAT(datePart, timePart uint16, tenths uint8) time.Time {
	date := DateFromFAT(datePart)
	seconds := int(timePart&0x001F) * 2
	nanoseconds := int(tenths%100) * 10_000_000
	if tenths >= 100 {
		seconds++
	}
	minutes := int((timePart >> 5) & 0x003F)
	hours := int(timePart >> 11)
	return time.Date(date.Year(), date.Month(), date.Day(), hours, minutes, seconds, nanoseconds, time.Local)
}

// TimestampToFAT splits a time.Time into FAT date/time/tenths fields.
func TimestampToFAT(t time.Time) (date uint16, timeField uint16, tenths uint8) {
	date = DateToFAT(t)
	timeField = uint16(t.Hour()<<11) | uint16(t.Minute()<<5) | uint16(t.Second()/2)
	tenths = uint8((t.Second()%2)*100) + uint8(t.Nanosecond()/10_000_000)
	return
}

// ShortDirent is the decoded, user-friendly form of one short-name
// directory entry, analogous to the prior implementation's Dirent but without the
// os.FileInfo/disko interfaces this module replaces with ucfs.FileStat and
// ucfs.ObjectHandle.
type ShortDirent struct {
	ShortName    string // e.g. "FOO.TXT", 8.3 canonical form
	Attributes   uint8
	NTReserved   uint8
	FirstCluster uint32
	Size         uint32
	CreatedAt    time.Time
	LastAccessed time.Time
	LastModified time.Time
	IsDeleted    bool
	// SlotIndex is this entry's position within its parent directory's
	// cluster chain (or flat root-dir region), used to write it back.
	SlotIndex int
}

func (d *ShortDirent) IsDir() bool       { return d.Attributes&AttrDirectory != 0 }
func (d *ShortDirent) IsVolumeLabel() bool { return d.Attributes&AttrVolumeLabel != 0 }
func (d *ShortDirent) IsLongNamePart() bool {
	return d.Attributes&AttrLongName == AttrLongName
}

// DecodeShortDirent converts a RawShortDirent into a ShortDirent. Returns
// errors.ErrNotFound if the slot is free (0x00, meaning this and every
// subsequent slot in the directory is unused).
func DecodeShortDirent(raw RawShortDirent, slotIndex int) (ShortDirent, error) {
	if raw.Name[0] == directEntryFree {
		return ShortDirent{}, errors.ErrNotFound
	}

	isDeleted := raw.Name[0] == direntDeleted
	name := make([]byte, 8)
	copy(name, raw.Name[:])
	if isDeleted {
		// The true first byte of a deleted name is unrecoverable; the slot
		// simply reads back as 0xE5. We keep it as-is rather than guessing.
	} else if raw.Name[0] == direntEscapedE5 {
		name[0] = 0xE5
	}

	base := strings.TrimRight(string(name), " ")
	ext := strings.TrimRight(string(raw.Extension[:]), " ")

	shortName := base
	if ext != "" {
		shortName = base + "." + ext
	}

	firstCluster := uint32(raw.FirstClusterHigh)<<16 | uint32(raw.FirstClusterLow)

	var createdAt time.Time
	if !isDeleted {
		createdAt = TimestampFromFAT(raw.CreatedDate, raw.CreatedTime, raw.CreatedTenths)
	}

	return ShortDirent{
		ShortName:    shortName,
		Attributes:   raw.Attributes,
		NTReserved:   raw.NTReserved,
		FirstCluster: firstCluster,
		Size:         raw.FileSize,
		CreatedAt:    createdAt,
		LastAccessed: DateFromFAT(raw.LastAccessDate),
		LastModified: TimestampFromFAT(raw.LastModifiedDate, raw.LastModifiedTime, 0),
		IsDeleted:    isDeleted,
		SlotIndex:    slotIndex,
	}, nil
}

// EncodeShortDirent packs a ShortDirent into its on-disk 32-byte form. name
// must already be a valid, padded 8.3 name pair; use PackShortName to build
// one from a human-readable name.
func EncodeShortDirent(d ShortDirent, rawName [8]byte, rawExt [3]byte) RawShortDirent {
	createdDate, createdTime, createdTenths := TimestampToFAT(d.CreatedAt)
	modifiedDate, modifiedTime, _ := TimestampToFAT(d.LastModified)

	raw := RawShortDirent{
		Name:             rawName,
		Extension:        rawExt,
		Attributes:       d.Attributes,
		NTReserved:       d.NTReserved,
		CreatedTenths:    createdTenths,
		CreatedTime:      createdTime,
		CreatedDate:      createdDate,
		LastAccessDate:   DateToFAT(d.LastAccessed),
		FirstClusterHigh: uint16(d.FirstCluster >> 16),
		LastModifiedTime: modifiedTime,
		LastModifiedDate: modifiedDate,
		FirstClusterLow:  uint16(d.FirstCluster),
		FileSize:         d.Size,
	}
	return raw
}

// ModeFlags converts FAT attribute flags to an os.FileMode, ported from
// the prior implementation's AttrFlagsToFileMode (minus the device-file bit, which FAT
// doesn't use in this suite).
func ModeFlags(attrs uint8) os.FileMode {
	var mode os.FileMode
	if attrs&AttrReadOnly != 0 {
		mode = 0o555
	} else {
		mode = 0o777
	}
	if attrs&AttrDirectory != 0 {
		mode |= os.ModeDir
	}
	return mode
}

// ToFileStat converts a decoded ShortDirent (plus its resolved long name,
// if any) into the suite-wide ucfs.FileStat.
func (d *ShortDirent) ToFileStat(bytesPerCluster uint, numBlocks int64) ucfs.FileStat {
	return ucfs.FileStat{
		InodeNumber:  uint64(d.FirstCluster),
		Nlinks:       1,
		ModeFlags:    ModeFlags(d.Attributes),
		Size:         int64(d.Size),
		BlockSize:    int64(bytesPerCluster),
		NumBlocks:    numBlocks,
		CreatedAt:    d.CreatedAt,
		LastAccessed: d.LastAccessed,
		LastModified: d.LastModified,
	}
}
