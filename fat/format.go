// Low-level format (mkfs): lays down a fresh BPB, zeroed FAT table(s), and
// an empty root directory on a volume, picking FAT12/16/32 by the total
// cluster count, the same rule mount-time detection uses
// (DetermineVersion/ParseBPB share this rule so a freshly formatted volume
// always re-parses to the version it was formatted as).
//
// Grounded on the BPB field list and the "fmt(vol); mount(vol)
// produces an empty root directory" round-trip law; no single
// original_source file implements a from-scratch formatter (the uC/FS
// sources assume the FAT partition is already formatted on-media by a
// host PC utility), so the record-layout choices here mirror ParseBPB's
// field interpretation in reverse.
package fat

import (
	"encoding/binary"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

// FormatOptions controls Format's layout choices. Zero-value
// SectorsPerCluster/ReservedSectors/NumFATs/RootEntryCount fall back to
// DefaultFormatOptions's picks.
type FormatOptions struct {
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	// RootEntryCount is ignored for FAT32 (its root is a cluster chain).
	RootEntryCount uint16
	VolumeLabel    string
	OEMName        string
}

// DefaultFormatOptions picks conservative, widely-compatible defaults: one
// sector per cluster, one reserved sector (two on FAT32, for the backup
// boot sector), two FAT copies, and a 512-entry FAT12/16 root.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		SectorsPerCluster: 1,
		ReservedSectors:   1,
		NumFATs:           2,
		RootEntryCount:    512,
		OEMName:           "UCFS",
	}
}

func fill(dst []byte, text string, pad byte) {
	for i := range dst {
		dst[i] = pad
	}
	copy(dst, text)
}

// Format writes a fresh FAT12/16/32 filesystem across vol's entire
// partition region, using the "FAT type selection at format based
// on total cluster count" boundary behavior. vol must already be Open (not
// necessarily Mounted — Format is what makes mounting possible).
func Format(vol *volume.Volume, opts FormatOptions) error {
	def := DefaultFormatOptions()
	if opts.SectorsPerCluster == 0 {
		opts.SectorsPerCluster = def.SectorsPerCluster
	}
	if opts.ReservedSectors == 0 {
		opts.ReservedSectors = def.ReservedSectors
	}
	if opts.NumFATs == 0 {
		opts.NumFATs = def.NumFATs
	}
	if opts.RootEntryCount == 0 {
		opts.RootEntryCount = def.RootEntryCount
	}
	if opts.OEMName == "" {
		opts.OEMName = def.OEMName
	}

	sectorSize := vol.SectorSize()
	totalSectors := vol.SectorCount()
	if totalSectors == 0 || sectorSize == 0 {
		return errors.ErrInvalidArgument.WithMessage("volume has no sectors to format")
	}

	rootDirSectors := uint64((uint32(opts.RootEntryCount)*32 + uint32(sectorSize) - 1) / uint32(sectorSize))

	// First pass: assume FAT16/12 layout (flat root) to estimate the
	// cluster count, then correct for FAT32 (root becomes a 1-cluster
	// chain, no fixed root region) if that estimate lands at >= 65525
	// clusters.
	estimate := func(rootSectors uint64, fat32 bool) (uint, uint64) {
		reserved := uint64(opts.ReservedSectors)
		if fat32 && reserved < 2 {
			reserved = 2
		}
		// Guess a FAT size, then refine once (FAT size depends on cluster
		// count, which depends on FAT size): two passes converge for any
		// sane geometry.
		sectorsPerFAT := uint64(1)
		for iter := 0; iter < 4; iter++ {
			dataSectors := totalSectors - reserved - uint64(opts.NumFATs)*sectorsPerFAT - rootSectors
			totalClusters := dataSectors / uint64(opts.SectorsPerCluster)
			version := DetermineVersion(uint(totalClusters))

			var entrySize uint64 = 2
			if version == Version32 {
				entrySize = 4
			} else if version == Version12 {
				entrySize = 0 // handled below
			}
			var need uint64
			if version == Version12 {
				need = (totalClusters + 2) * 3 / 2
			} else {
				need = (totalClusters + 2) * entrySize
			}
			sectorsPerFAT = (need + uint64(sectorSize) - 1) / uint64(sectorSize)
			if sectorsPerFAT == 0 {
				sectorsPerFAT = 1
			}
		}
		dataSectors := totalSectors - reserved - uint64(opts.NumFATs)*sectorsPerFAT - rootSectors
		totalClusters := dataSectors / uint64(opts.SectorsPerCluster)
		return DetermineVersion(uint(totalClusters)), sectorsPerFAT
	}

	version, sectorsPerFAT := estimate(rootDirSectors, false)
	if version == Version32 {
		version, sectorsPerFAT = estimate(0, true)
		rootDirSectors = 0
	}

	reserved := uint64(opts.ReservedSectors)
	if version == Version32 && reserved < 2 {
		reserved = 2
	}
	dataSectors := totalSectors - reserved - uint64(opts.NumFATs)*sectorsPerFAT - rootDirSectors
	totalClusters := dataSectors / uint64(opts.SectorsPerCluster)
	if totalClusters < 1 {
		return errors.ErrInvalidArgument.WithMessage("volume too small to hold a single cluster")
	}

	boot := make([]byte, sectorSize)
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	fill(boot[3:11], opts.OEMName, ' ')
	binary.LittleEndian.PutUint16(boot[11:13], uint16(sectorSize))
	boot[13] = opts.SectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], uint16(reserved))
	boot[16] = opts.NumFATs

	rootEntryCount := opts.RootEntryCount
	if version == Version32 {
		rootEntryCount = 0
	}
	binary.LittleEndian.PutUint16(boot[17:19], rootEntryCount)

	if totalSectors < 0x10000 {
		binary.LittleEndian.PutUint16(boot[19:21], uint16(totalSectors))
	} else {
		binary.LittleEndian.PutUint32(boot[32:36], uint32(totalSectors))
	}
	boot[21] = 0xF8 // fixed-disk media descriptor

	if version != Version32 {
		binary.LittleEndian.PutUint16(boot[22:24], uint16(sectorsPerFAT))
	}

	var rootCluster uint32 = 2
	if version == Version32 {
		binary.LittleEndian.PutUint32(boot[36:40], uint32(sectorsPerFAT))
		binary.LittleEndian.PutUint32(boot[40+8:40+12], rootCluster)
		binary.LittleEndian.PutUint16(boot[40+12:40+14], 1) // FSInfo sector
		boot[40+30] = 0x29                                  // boot signature
		fill(boot[40+35:40+46], opts.VolumeLabel, ' ')
		fill(boot[40+46:40+54], "FAT32", ' ')
	}
	boot[sectorSize-2], boot[sectorSize-1] = 0x55, 0xAA

	if err := vol.WriteTagged(ucfs.SectorTypeManagement, 0, boot); err != nil {
		return err
	}
	if version == Version32 {
		if err := vol.WriteTagged(ucfs.SectorTypeManagement, 1, boot); err != nil {
			return err
		}
	}

	bpb, err := ParseBPB(append([]byte{}, boot...))
	if err != nil {
		return err
	}

	zero := make([]byte, sectorSize)
	for fatIdx := uint(0); fatIdx < uint(opts.NumFATs); fatIdx++ {
		base := uint64(bpb.FirstFATSector) + uint64(fatIdx)*uint64(bpb.SectorsPerFAT)
		for s := uint64(0); s < uint64(bpb.SectorsPerFAT); s++ {
			if err := vol.WriteTagged(ucfs.SectorTypeManagement, base+s, zero); err != nil {
				return err
			}
		}
	}

	table := NewTable(vol, bpb)
	// Cluster 0 and 1 FAT entries are reserved and conventionally carry
	// the media descriptor / EOC marker, per the Microsoft FAT spec.
	if err := table.Set(0, 0xFFFFFF00|uint32(boot[21])); err != nil {
		return err
	}
	if err := table.Set(1, table.eocFor()); err != nil {
		return err
	}

	if version == Version32 {
		if err := table.Set(rootCluster, table.eocFor()); err != nil {
			return err
		}
		base := bpb.ClusterToSector(rootCluster)
		for s := uint64(0); s < uint64(bpb.SectorsPerCluster); s++ {
			if err := vol.WriteTagged(ucfs.SectorTypeDirectory, base+s, zero); err != nil {
				return err
			}
		}
	} else {
		for s := uint64(0); s < uint64(bpb.RootDirSectors); s++ {
			if err := vol.WriteTagged(ucfs.SectorTypeDirectory, uint64(bpb.FirstRootDirSector)+s, zero); err != nil {
				return err
			}
		}
	}

	if opts.VolumeLabel != "" {
		fs := &FileSystem{vol: vol, bpb: bpb, table: table}
		if err := fs.SetLabel(opts.VolumeLabel); err != nil {
			return err
		}
	}

	return vol.Flush()
}
