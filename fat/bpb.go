// Package fat implements the on-disk FAT12/16/32 format: the BIOS
// Parameter Block, cluster chains, directory entries (short and long
// names), and the higher-level filesystem operations built on top of them.
//
// Grounded on the prior implementation's file_systems/fat/common.go (BPB struct and its
// validation rules) and file_systems/fat/driverbase.go (cluster chain
// walking), generalized from a single read-only driver bolted directly to
// an io.ReaderAt into a read/write filesystem layered on package volume's
// sector-type-tagged cache.
package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/ucfs/ucfs/errors"
)

// Version identifies which FAT variant a volume uses.
type Version int

const (
	Version12 Version = 12
	Version16 Version = 16
	Version32 Version = 32
)

// RawBPB is the on-disk layout of the BIOS Parameter Block common to every
// FAT version, ported field-for-field from the prior implementation's
// RawFATBootSectorWithBPB.
type RawBPB struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

const rawBPBSize = 36 // bytes, up to and including TotalSectors32

// FAT32Extension is the portion of the BPB unique to FAT32, occupying the
// bytes immediately after RawBPB on a FAT32 volume.
type FAT32Extension struct {
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	Reserved1        uint8
	BootSignature    uint8
	VolumeID         uint32
	VolumeLabel      [11]byte
	FSType           [8]byte
}

const fat32ExtensionSize = 54

// BPB is the parsed, cross-checked BIOS Parameter Block plus the derived
// quantities every higher-level operation needs (FirstDataSector,
// TotalClusters, ...), the equivalent of the prior implementation's FATBootSector.
type BPB struct {
	RawBPB
	FAT32 FAT32Extension // zero value unless Version == Version32

	SectorsPerFAT     uint
	TotalFATSectors   uint
	RootDirSectors    uint
	BytesPerCluster   uint
	TotalClusters     uint
	TotalDataSectors  uint
	FirstDataSector   uint
	FirstFATSector    uint
	FirstRootDirSector uint
	Version           Version
	DirentsPerCluster int
}

// DetermineVersion applies the Microsoft FAT spec's cluster-count rule
// (the only correct way to distinguish FAT12/16/32), ported verbatim from
// the prior implementation's DetermineFATVersion.
func DetermineVersion(totalClusters uint) Version {
	if totalClusters < 4085 {
		return Version12
	}
	if totalClusters < 65525 {
		return Version16
	}
	return Version32
}

// ParseBPB decodes and validates a BPB from the first reserved sector(s) of
// a volume. sectorData must be at least one full sector.
func ParseBPB(sectorData []byte) (*BPB, error) {
	if len(sectorData) < rawBPBSize+4 {
		return nil, errors.ErrFileSystemCorrupted.WithMessage("boot sector too short to hold a BPB")
	}

	raw := RawBPB{
		BytesPerSector:    binary.LittleEndian.Uint16(sectorData[11:13]),
		SectorsPerCluster: sectorData[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sectorData[14:16]),
		NumFATs:           sectorData[16],
		RootEntryCount:    binary.LittleEndian.Uint16(sectorData[17:19]),
		TotalSectors16:    binary.LittleEndian.Uint16(sectorData[19:21]),
		Media:             sectorData[21],
		SectorsPerFAT16:   binary.LittleEndian.Uint16(sectorData[22:24]),
		SectorsPerTrack:   binary.LittleEndian.Uint16(sectorData[24:26]),
		NumHeads:          binary.LittleEndian.Uint16(sectorData[26:28]),
		HiddenSectors:     binary.LittleEndian.Uint32(sectorData[28:32]),
		TotalSectors32:    binary.LittleEndian.Uint32(sectorData[32:36]),
	}
	copy(raw.JmpBoot[:], sectorData[0:3])
	copy(raw.OEMName[:], sectorData[3:11])

	if raw.BytesPerSector == 0 || raw.SectorsPerCluster == 0 {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			"bytes-per-sector and sectors-per-cluster must be nonzero")
	}

	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("BytesPerSector must be 512, 1024, 2048, or 4096, got %d", raw.BytesPerSector))
	}

	switch raw.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("SectorsPerCluster must be a power of 2 in 1-128, got %d", raw.SectorsPerCluster))
	}

	var sectorsPerFAT32 uint32
	if len(sectorData) >= rawBPBSize+4 {
		sectorsPerFAT32 = binary.LittleEndian.Uint32(sectorData[36:40])
	}

	var sectorsPerFAT uint
	if raw.SectorsPerFAT16 != 0 {
		sectorsPerFAT = uint(raw.SectorsPerFAT16)
	} else {
		sectorsPerFAT = uint(sectorsPerFAT32)
	}

	var totalSectors uint
	if raw.TotalSectors16 != 0 {
		totalSectors = uint(raw.TotalSectors16)
	} else {
		totalSectors = uint(raw.TotalSectors32)
	}

	rootDirSectors := uint((uint32(raw.RootEntryCount)*32 + uint32(raw.BytesPerSector) - 1) / uint32(raw.BytesPerSector))
	totalFATSectors := uint(raw.NumFATs) * sectorsPerFAT

	if totalSectors < uint(raw.ReservedSectors)+totalFATSectors+rootDirSectors {
		return nil, errors.ErrFileSystemCorrupted.WithMessage("reserved+FAT+root-dir sectors exceed total sectors")
	}
	dataSectors := totalSectors - uint(raw.ReservedSectors) - totalFATSectors - rootDirSectors
	totalClusters := dataSectors / uint(raw.SectorsPerCluster)

	version := DetermineVersion(totalClusters)
	if version == Version32 && rootDirSectors != 0 {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("RootDirSectors must be 0 on FAT32, got %d", rootDirSectors))
	}

	bytesPerCluster := uint(raw.BytesPerSector) * uint(raw.SectorsPerCluster)
	if bytesPerCluster > 32768 {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("BytesPerCluster cannot exceed 32768, got %d", bytesPerCluster))
	}

	bpb := &BPB{
		RawBPB:            raw,
		SectorsPerFAT:     sectorsPerFAT,
		TotalFATSectors:   totalFATSectors,
		RootDirSectors:    rootDirSectors,
		BytesPerCluster:   bytesPerCluster,
		TotalClusters:     totalClusters,
		TotalDataSectors:  dataSectors,
		FirstFATSector:    uint(raw.ReservedSectors),
		FirstRootDirSector: uint(raw.ReservedSectors) + totalFATSectors,
		FirstDataSector:   uint(raw.ReservedSectors) + totalFATSectors + rootDirSectors,
		Version:           version,
		DirentsPerCluster: int(bytesPerCluster) / DirentSize,
	}

	if version == Version32 {
		if len(sectorData) < 40+fat32ExtensionSize {
			return nil, errors.ErrFileSystemCorrupted.WithMessage("boot sector too short for FAT32 extension")
		}
		ext := sectorData[40:]
		bpb.FAT32 = FAT32Extension{
			SectorsPerFAT32:  sectorsPerFAT32,
			ExtFlags:         binary.LittleEndian.Uint16(ext[4:6]),
			FSVersion:        binary.LittleEndian.Uint16(ext[6:8]),
			RootCluster:      binary.LittleEndian.Uint32(ext[8:12]),
			FSInfoSector:     binary.LittleEndian.Uint16(ext[12:14]),
			BackupBootSector: binary.LittleEndian.Uint16(ext[14:16]),
			DriveNumber:      ext[28],
			BootSignature:    ext[30],
			VolumeID:         binary.LittleEndian.Uint32(ext[31:35]),
		}
		copy(bpb.FAT32.VolumeLabel[:], ext[35:46])
		copy(bpb.FAT32.FSType[:], ext[46:54])
	}

	return bpb, nil
}

// IsFAT32 reports whether the volume is FAT32, whose root directory is a
// cluster chain (on FAT12/16 the root directory is a fixed flat region
// instead).
func (b *BPB) IsFAT32() bool { return b.Version == Version32 }

// ClusterToSector converts a cluster number to its first sector, data-area
// relative addressing per the prior implementation's getFirstSectorOfCluster.
func (b *BPB) ClusterToSector(cluster uint32) uint64 {
	return uint64(b.FirstDataSector) + uint64(cluster-2)*uint64(b.SectorsPerCluster)
}
