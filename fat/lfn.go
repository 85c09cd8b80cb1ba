// Long File Name support: 13-UCS-2-character fragments packed across
// consecutive 32-byte directory entries, stored in reverse order ahead of
// the short entry they annotate, each carrying the short entry's checksum
// so a reader can detect a stale LFN.
//
// This is new code (no prior LFN support existed), grounded on
// the LFN wire format and on
// drivers/common/basedriver/driver.go for how to use
// golang.org/x/exp/slices idiomatically for the fragment reordering this
// package needs (that code uses slices.Index/Delete/Clip on path
// components; this uses slices.Reverse on fragment lists).
package fat

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/exp/slices"

	"github.com/ucfs/ucfs/errors"
)

const (
	lfnCharsPerEntry  = 13
	lfnLastEntryBit   = 0x40
	lfnMaxOrdinal     = 0x14 // 20 fragments * 13 chars = 260 slots, room for lfnMaxNameUnits
	lfnMaxNameUnits   = 255  // FAT's max long name length, in UTF-16 code units
	lfnTerminatorChar = 0x0000
	lfnPadChar        = 0xFFFF
)

// RawLFNEntry is the on-disk layout of one long-name fragment.
type RawLFNEntry struct {
	Ordinal     uint8
	Name1       [5]uint16
	Attributes  uint8 // always AttrLongName
	Type        uint8 // always 0
	Checksum    uint8
	Name2       [6]uint16
	FirstCluster uint16 // always 0
	Name3       [2]uint16
}

// DecodeRawLFNEntry parses 32 bytes into a RawLFNEntry.
func DecodeRawLFNEntry(data []byte) RawLFNEntry {
	e := RawLFNEntry{
		Ordinal:      data[0],
		Attributes:   data[11],
		Type:         data[12],
		Checksum:     data[13],
		FirstCluster: binary.LittleEndian.Uint16(data[26:28]),
	}
	for i := 0; i < 5; i++ {
		e.Name1[i] = binary.LittleEndian.Uint16(data[1+2*i : 3+2*i])
	}
	for i := 0; i < 6; i++ {
		e.Name2[i] = binary.LittleEndian.Uint16(data[14+2*i : 16+2*i])
	}
	for i := 0; i < 2; i++ {
		e.Name3[i] = binary.LittleEndian.Uint16(data[28+2*i : 30+2*i])
	}
	return e
}

// Encode serializes a RawLFNEntry back to 32 bytes.
func (e *RawLFNEntry) Encode() []byte {
	buf := make([]byte, DirentSize)
	buf[0] = e.Ordinal
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(buf[1+2*i:3+2*i], e.Name1[i])
	}
	buf[11] = e.Attributes
	buf[12] = e.Type
	buf[13] = e.Checksum
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(buf[14+2*i:16+2*i], e.Name2[i])
	}
	binary.LittleEndian.PutUint16(buf[26:28], e.FirstCluster)
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(buf[28+2*i:30+2*i], e.Name3[i])
	}
	return buf
}

func (e *RawLFNEntry) chars() []uint16 {
	all := make([]uint16, 0, lfnCharsPerEntry)
	all = append(all, e.Name1[:]...)
	all = append(all, e.Name2[:]...)
	all = append(all, e.Name3[:]...)
	return all
}

// PackLongName splits name into the on-disk sequence of LFN fragments
// needed to store it, in the on-disk order (highest ordinal, i.e. the tail
// of the name, first) with the terminal-entry bit set on the first
// fragment written, matching LFN's "reverse-order storage".
func PackLongName(name string, shortNameChecksum uint8) ([]RawLFNEntry, error) {
	units := utf16.Encode([]rune(name))
	if len(units) == 0 {
		return nil, errors.ErrInvalidArgument.WithMessage("long name must not be empty")
	}

	numEntries := (len(units) + lfnCharsPerEntry - 1) / lfnCharsPerEntry
	if numEntries > lfnMaxOrdinal || len(units) > lfnMaxNameUnits {
		return nil, errors.ErrNameTooLong.WithMessage("long name exceeds 255 UTF-16 code units")
	}

	entries := make([]RawLFNEntry, numEntries)
	for i := 0; i < numEntries; i++ {
		start := i * lfnCharsPerEntry
		end := start + lfnCharsPerEntry
		var chunk [lfnCharsPerEntry]uint16
		for j := range chunk {
			chunk[j] = lfnPadChar
		}
		for j := start; j < end && j < len(units); j++ {
			chunk[j-start] = units[j]
		}
		if end >= len(units) && start < len(units)+1 {
			termIdx := len(units) - start
			if termIdx >= 0 && termIdx < lfnCharsPerEntry {
				chunk[termIdx] = lfnTerminatorChar
			}
		}

		entry := RawLFNEntry{
			Ordinal:    uint8(i + 1),
			Attributes: AttrLongName,
			Checksum:   shortNameChecksum,
		}
		copy(entry.Name1[:], chunk[0:5])
		copy(entry.Name2[:], chunk[5:11])
		copy(entry.Name3[:], chunk[11:13])
		entries[i] = entry
	}

	entries[numEntries-1].Ordinal |= lfnLastEntryBit

	// On-disk order is highest ordinal (tail of the name) first.
	reversed := make([]RawLFNEntry, len(entries))
	copy(reversed, entries)
	slices.Reverse(reversed)
	return reversed, nil
}

// UnpackLongName reassembles a name from LFN fragments given in on-disk
// order (as PackLongName produces them: highest ordinal first). It
// validates the checksum against expectedChecksum and the ordinal
// sequence, returning errors.ErrEntryCorrupt if either is inconsistent —
// a corrupt LFN should never silently resolve to the wrong name.
func UnpackLongName(entries []RawLFNEntry, expectedChecksum uint8) (string, error) {
	if len(entries) == 0 {
		return "", errors.ErrInvalidArgument
	}

	// Put back into ascending ordinal order for reassembly.
	ascending := make([]RawLFNEntry, len(entries))
	copy(ascending, entries)
	slices.Reverse(ascending)

	var units []uint16
	for i, e := range ascending {
		ordinal := e.Ordinal &^ lfnLastEntryBit
		if int(ordinal) != i+1 {
			return "", errors.ErrEntryCorrupt.WithMessage("long name fragment ordinal out of sequence")
		}
		if e.Checksum != expectedChecksum {
			return "", errors.ErrEntryCorrupt.WithMessage("long name checksum does not match its short entry")
		}
		isLast := i == len(ascending)-1
		if isLast != (e.Ordinal&lfnLastEntryBit != 0) {
			return "", errors.ErrEntryCorrupt.WithMessage("long name terminal-entry bit inconsistent")
		}

		for _, u := range e.chars() {
			if u == lfnTerminatorChar {
				return string(utf16.Decode(units)), nil
			}
			if u == lfnPadChar {
				continue
			}
			units = append(units, u)
		}
	}

	return string(utf16.Decode(units)), nil
}

// RequiresLongName reports whether name needs LFN fragments to represent
// exactly — either because it isn't a legal 8.3 short name, or because its
// case pattern can't be captured by the NTRes lowercase bits alone (the
// Resolution: never guess, always demote to LFN whenever
// there's any ambiguity).
func RequiresLongName(name string) bool {
	return !IsValidShortName(name)
}
