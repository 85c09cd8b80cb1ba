// Directory scanning: combines the short-entry/long-entry fragments in a
// raw 32-byte-slot stream into named Entry values, the FAT32/FAT12/FAT16
// counterpart of the prior implementation's driverbase.go readDirFromDirent +
// clusterToDirentSlice, generalized to walk either a cluster chain (any
// directory on FAT32, any non-root directory on FAT12/16) or the fixed flat
// root region (FAT12/16 root only).
package fat

import (
	"fmt"
	"unicode/utf16"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

// Entry is one resolved directory entry: its long name if it has one
// (falling back to the short name otherwise), and its short dirent.
type Entry struct {
	Name  string
	Short ShortDirent
}

// region abstracts over "a cluster chain" and "the flat FAT12/16 root
// directory" so directoryEntries can walk either uniformly.
type region struct {
	vol        *volume.Volume
	bpb        *BPB
	sectors    []uint64 // absolute sector numbers, in order
}

func clusterChainRegion(vol *volume.Volume, bpb *BPB, table *Table, firstCluster uint32) (region, error) {
	chain, err := table.ListChain(firstCluster)
	if err != nil {
		return region{}, err
	}
	var sectors []uint64
	for _, cluster := range chain {
		base := bpb.ClusterToSector(cluster)
		for s := uint64(0); s < uint64(bpb.SectorsPerCluster); s++ {
			sectors = append(sectors, base+s)
		}
	}
	return region{vol: vol, bpb: bpb, sectors: sectors}, nil
}

func flatRootRegion(vol *volume.Volume, bpb *BPB) region {
	var sectors []uint64
	for s := uint64(0); s < uint64(bpb.RootDirSectors); s++ {
		sectors = append(sectors, uint64(bpb.FirstRootDirSector)+s)
	}
	return region{vol: vol, bpb: bpb, sectors: sectors}
}

// slotCount returns the number of 32-byte slots this region holds.
func (r region) slotCount() int {
	return len(r.sectors) * int(r.bpb.BytesPerSector) / DirentSize
}

// readSlot returns the raw 32 bytes of slot index i.
func (r region) readSlot(i int) ([]byte, error) {
	slotsPerSector := int(r.bpb.BytesPerSector) / DirentSize
	sectorIdx := i / slotsPerSector
	offsetInSector := (i % slotsPerSector) * DirentSize
	if sectorIdx >= len(r.sectors) {
		return nil, errors.ErrArgumentOutOfRange
	}
	data, err := r.vol.ReadTagged(ucfs.SectorTypeDirectory, r.sectors[sectorIdx])
	if err != nil {
		return nil, err
	}
	return data[offsetInSector : offsetInSector+DirentSize], nil
}

// writeSlot overwrites the raw 32 bytes of slot index i.
func (r region) writeSlot(i int, raw []byte) error {
	slotsPerSector := int(r.bpb.BytesPerSector) / DirentSize
	sectorIdx := i / slotsPerSector
	offsetInSector := (i % slotsPerSector) * DirentSize
	if sectorIdx >= len(r.sectors) {
		return errors.ErrArgumentOutOfRange
	}
	sector := r.sectors[sectorIdx]
	data, err := r.vol.ReadTagged(ucfs.SectorTypeDirectory, sector)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	copy(buf[offsetInSector:offsetInSector+DirentSize], raw)
	return r.vol.WriteTagged(ucfs.SectorTypeDirectory, sector, buf)
}

// listEntries walks every slot in the region, accumulating pending LFN
// fragments until it hits the short entry they describe.
func listEntries(r region) ([]Entry, error) {
	var entries []Entry
	var pendingLFN []RawLFNEntry

	slotCount := r.slotCount()
	for i := 0; i < slotCount; i++ {
		raw, err := r.readSlot(i)
		if err != nil {
			return nil, err
		}
		if raw[0] == directEntryFree {
			break
		}
		if raw[0] == direntDeleted {
			pendingLFN = nil
			continue
		}

		attrs := raw[11]
		if attrs&AttrLongName == AttrLongName {
			pendingLFN = append(pendingLFN, DecodeRawLFNEntry(raw))
			continue
		}

		rawShort := DecodeRawShortDirent(raw)
		short, err := DecodeShortDirent(rawShort, i)
		if err != nil {
			pendingLFN = nil
			continue
		}
		if short.IsVolumeLabel() {
			pendingLFN = nil
			continue
		}

		name := short.ShortName
		if name != "." && name != ".." {
			name = UnpackShortName(rawShort.Name, rawShort.Extension, short.NTReserved)
		}

		if len(pendingLFN) > 0 {
			checksum := ShortNameChecksum(rawShort.Name, rawShort.Extension)
			longName, err := UnpackLongName(pendingLFN, checksum)
			if err == nil {
				name = longName
			}
			pendingLFN = nil
		}

		entries = append(entries, Entry{Name: name, Short: short})
	}

	return entries, nil
}

// findFreeSlots scans for `count` consecutive free slots (0x00 or 0xE5),
// growing the underlying cluster chain if none are found and the region
// supports growth (callers pass a growFn for cluster-chain-backed
// directories; nil for the fixed-size FAT12/16 root).
func findFreeSlots(r region, count int, growFn func() (region, error)) (region, int, error) {
	for {
		slotCount := r.slotCount()
		run := 0
		for i := 0; i < slotCount; i++ {
			raw, err := r.readSlot(i)
			if err != nil {
				return r, 0, err
			}
			if raw[0] == directEntryFree || raw[0] == direntDeleted {
				run++
				if run == count {
					return r, i - count + 1, nil
				}
			} else {
				run = 0
			}
		}

		if growFn == nil {
			return r, 0, errors.ErrDirectoryFull
		}
		grown, err := growFn()
		if err != nil {
			return r, 0, err
		}
		r = grown
	}
}

// writeEntry places a short dirent (preceded by its LFN fragments, if
// name requires them) into consecutive free slots starting at startSlot.
func writeEntry(r region, startSlot int, name string, short ShortDirent, rawName [8]byte, rawExt [3]byte) error {
	slot := startSlot
	if RequiresLongName(name) {
		checksum := ShortNameChecksum(rawName, rawExt)
		fragments, err := PackLongName(name, checksum)
		if err != nil {
			return err
		}
		for _, frag := range fragments {
			if err := r.writeSlot(slot, frag.Encode()); err != nil {
				return err
			}
			slot++
		}
	}

	raw := EncodeShortDirent(short, rawName, rawExt)
	return r.writeSlot(slot, raw.Encode())
}

// slotsNeededFor returns how many 32-byte slots an entry for name
// occupies: 1 for the short entry, plus one LFN fragment per 13 UTF-16
// code units if name isn't a pure 8.3 name.
func slotsNeededFor(name string) (int, error) {
	if !RequiresLongName(name) {
		return 1, nil
	}
	units := len(utf16.Encode([]rune(name)))
	fragments := (units + lfnCharsPerEntry - 1) / lfnCharsPerEntry
	if fragments > lfnMaxOrdinal || units > lfnMaxNameUnits {
		return 0, errors.ErrNameTooLong.WithMessage(
			fmt.Sprintf("name %q is too long for a long-name entry", name))
	}
	return fragments + 1, nil
}
