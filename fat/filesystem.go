// FileSystem ties the BPB, FAT table, and directory codec together into
// the path-resolving, POSIX-shaped operations package fsapi calls: Mount,
// Lookup, Create, Unlink, Mkdir, Rmdir, Rename, and the per-object
// ReadAt/WriteAt/Resize package ucfs.ObjectHandle names.
//
// Grounded on the prior implementation's driverbase.go (resolvePathToDirent,
// readDirFromDirent, Remove), generalized from single-driver path
// resolution into something fsapi's multi-file, multi-handle API can call
// concurrently, and extended with the write paths (Create/Mkdir/Rename/
// Truncate) the prior implementation's driverbase.go left as TODOs.
package fat

import (
	stderrors "errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/journal"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

// FileSystem is a mounted FAT volume ready for path-based operations.
type FileSystem struct {
	vol   *volume.Volume
	bpb   *BPB
	table *Table

	mu sync.Mutex

	journal *journal.Log
}

// journalFileName is the hidden system file the FAT journal's cluster
// chain lives in. It's marked hidden+system so ReadDir/ls never surface it.
const journalFileName = "$UCFSJRNL$"

// EnableJournal mounts (creating on first use) the journal's backing file
// and replays any committed transactions left by an unclean shutdown
// at mount. Journaling is opt-in: the
// base FAT driver works without it (as it does throughout this package's
// tests), matching uC/FS's own journaling module being a separate
// component layered over the core driver, not baked into it.
func (fs *FileSystem) EnableJournal() error {
	journalPath := "/" + journalFileName
	h, err := fs.Open(journalPath)
	if err != nil {
		if !stderrors.Is(err, errors.ErrNotFound) {
			return err
		}
		h, err = fs.Create(journalPath)
		if err != nil {
			return err
		}
		h.short.Attributes |= AttrHidden | AttrSystem
		if err := h.flushDirent(); err != nil {
			return err
		}
	}

	apply := func(t ucfs.SectorType, sector uint64, data []byte) error {
		return fs.vol.WriteTagged(t, sector, data)
	}
	log, err := journal.Open(h, fs.vol.Flush, apply)
	if err != nil {
		return err
	}
	fs.journal = log
	return nil
}

// journaled runs fn (which performs the real FAT/directory sector writes
// for one metadata mutation into the volume's write-back cache), then —
// if journaling is enabled — records every sector it wrote as one
// committed transaction and flushes. Nothing fn wrote reaches the device
// until that flush, and cache.FlushAll always writes the file region
// (where the journal's own log lives) before directory and management, so
// the commit record is always durable before the FAT/directory sectors it
// describes. A crash partway through that flush leaves, at worst, a
// committed-but-not-yet-applied transaction, which replay safely redoes
// (see package journal's doc comment for the full argument).
func (fs *FileSystem) journaled(kind journal.Kind, fn func() error) error {
	if fs.journal == nil {
		return fn()
	}

	var ops []journal.WriteOp
	fs.vol.SetWriteTap(func(t ucfs.SectorType, sector uint64, data []byte) {
		ops = append(ops, journal.WriteOp{
			SectorType: t,
			Sector:     sector,
			NewData:    append([]byte(nil), data...),
		})
	})
	err := fn()
	fs.vol.SetWriteTap(nil)
	if err != nil {
		return err
	}
	return fs.journal.Commit(kind, ops)
}

// Mount parses the BPB from the volume's first sector(s) and constructs a
// FileSystem. The caller is expected to have already called vol.Mount().
func Mount(vol *volume.Volume) (*FileSystem, error) {
	boot, err := vol.ReadTagged(ucfs.SectorTypeManagement, 0)
	if err != nil {
		return nil, err
	}
	// FAT32's extension needs a second sector when sector size is small
	// enough that 40+54 bytes doesn't fit in one; read it speculatively.
	if uint(len(boot)) < 40+fat32ExtensionSize {
		more, err := vol.ReadTagged(ucfs.SectorTypeManagement, 1)
		if err == nil {
			boot = append(append([]byte{}, boot...), more...)
		}
	}

	bpb, err := ParseBPB(boot)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		vol:   vol,
		bpb:   bpb,
		table: NewTable(vol, bpb),
	}
	return fs, nil
}

// Features reports this implementation's static capabilities.
func (fs *FileSystem) Features() ucfs.FSFeatures {
	return ucfs.FSFeatures{
		HasDirectories:      true,
		HasLongNames:        true,
		HasCreatedTime:      true,
		HasAccessedTime:     true,
		HasModifiedTime:     true,
		DefaultNameEncoding: "utf-16",
		DefaultBlockSize:    int(fs.bpb.BytesPerCluster),
	}
}

// Version reports which FAT variant the mounted volume uses.
func (fs *FileSystem) Version() Version {
	return fs.bpb.Version
}

func (fs *FileSystem) rootRegion() region {
	if fs.bpb.IsFAT32() {
		r, err := clusterChainRegion(fs.vol, fs.bpb, fs.table, fs.bpb.FAT32.RootCluster)
		if err == nil {
			return r
		}
	}
	return flatRootRegion(fs.vol, fs.bpb)
}

// directoryRegion returns the region for a directory given its decoded
// short dirent. The root directory is passed with firstCluster == 0.
func (fs *FileSystem) directoryRegion(firstCluster uint32) (region, error) {
	if firstCluster == 0 {
		return fs.rootRegion(), nil
	}
	return clusterChainRegion(fs.vol, fs.bpb, fs.table, firstCluster)
}

// growDirectory extends a cluster-chain-backed directory by one cluster,
// zero-filling the new slots. Returns ErrDirectoryFull for the flat FAT12/16
// root, which has a fixed entry count.
func (fs *FileSystem) growDirectory(firstCluster uint32) (region, error) {
	if firstCluster == 0 && !fs.bpb.IsFAT32() {
		return region{}, errors.ErrDirectoryFull.WithMessage(
			"fixed-size FAT12/16 root directory cannot grow")
	}

	var lastCluster uint32
	if firstCluster == 0 {
		firstCluster = fs.bpb.FAT32.RootCluster
	}
	chain, err := fs.table.ListChain(firstCluster)
	if err != nil {
		return region{}, err
	}
	lastCluster = chain[len(chain)-1]

	newClusters, err := fs.table.ExtendChain(lastCluster, 1)
	if err != nil {
		return region{}, err
	}

	zero := make([]byte, fs.bpb.BytesPerSector)
	base := fs.bpb.ClusterToSector(newClusters[0])
	for s := uint64(0); s < uint64(fs.bpb.SectorsPerCluster); s++ {
		if err := fs.vol.WriteTagged(ucfs.SectorTypeDirectory, base+s, zero); err != nil {
			return region{}, err
		}
	}

	return fs.directoryRegion(firstCluster)
}

// resolved is the result of walking a path: the final entry plus the
// region and slot it lives at, needed to update or delete it in place.
type resolved struct {
	entry     Entry
	parentDir uint32 // first cluster of the containing directory (0 = root)
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// resolve walks p's components starting at the root directory, returning
// the final matched entry.
func (fs *FileSystem) resolve(p string) (resolved, error) {
	components := splitPath(p)
	if len(components) == 0 {
		return resolved{entry: Entry{Name: "/", Short: ShortDirent{Attributes: AttrDirectory}}}, nil
	}

	currentCluster := uint32(0)
	var found Entry
	for i, component := range components {
		r, err := fs.directoryRegion(currentCluster)
		if err != nil {
			return resolved{}, err
		}
		entries, err := listEntries(r)
		if err != nil {
			return resolved{}, err
		}

		match := -1
		for idx, e := range entries {
			if strings.EqualFold(e.Name, component) {
				match = idx
				break
			}
		}
		if match < 0 {
			return resolved{}, errors.ErrNotFound.WithMessage(
				"no such file or directory: " + p)
		}
		found = entries[match]

		if i < len(components)-1 {
			if !found.Short.IsDir() {
				return resolved{}, errors.ErrNotADirectory
			}
			currentCluster = found.Short.FirstCluster
		}
	}

	return resolved{entry: found, parentDir: currentCluster}, nil
}

// parentOf splits a path into its parent directory's first cluster and the
// final component's name.
func (fs *FileSystem) parentOf(p string) (uint32, string, error) {
	components := splitPath(p)
	if len(components) == 0 {
		return 0, "", errors.ErrInvalidArgument.WithMessage("cannot use the root directory as a leaf name")
	}
	if len(components) == 1 {
		return 0, components[0], nil
	}
	parentPath := "/" + strings.Join(components[:len(components)-1], "/")
	res, err := fs.resolve(parentPath)
	if err != nil {
		return 0, "", err
	}
	if !res.entry.Short.IsDir() {
		return 0, "", errors.ErrNotADirectory
	}
	return res.entry.Short.FirstCluster, components[len(components)-1], nil
}

func (fs *FileSystem) existsInRegion(r region, rawName [8]byte, rawExt [3]byte) bool {
	entries, err := listEntries(r)
	if err != nil {
		return true // fail safe: treat as taken rather than risk a collision
	}
	for _, e := range entries {
		short, _, _ := mustPack(e.Short.ShortName)
		if short == (rawNameKey{rawName, rawExt}) {
			return true
		}
	}
	return false
}

type rawNameKey struct {
	name [8]byte
	ext  [3]byte
}

func mustPack(name string) (rawNameKey, uint8, error) {
	if RequiresLongName(name) {
		return rawNameKey{}, 0, nil
	}
	n, e, nt, err := PackShortName(name)
	return rawNameKey{n, e}, nt, err
}

// createEntry places a new directory entry for name inside the directory
// at dirCluster, allocating a short-name alias if name isn't already a
// legal 8.3 name.
func (fs *FileSystem) createEntry(dirCluster uint32, name string, attrs uint8, firstCluster uint32, size uint32) (ShortDirent, error) {
	r, err := fs.directoryRegion(dirCluster)
	if err != nil {
		return ShortDirent{}, err
	}

	var rawName [8]byte
	var rawExt [3]byte
	var ntRes uint8

	if !RequiresLongName(name) {
		rawName, rawExt, ntRes, err = PackShortName(name)
		if err != nil {
			return ShortDirent{}, err
		}
	} else {
		base, ext, _ := splitBaseExt(name)
		rawName, rawExt, err = GenerateNumericTail(base, ext, func(n [8]byte, e [3]byte) bool {
			return fs.existsInRegion(r, n, e)
		})
		if err != nil {
			return ShortDirent{}, err
		}
	}

	now := time.Now()
	short := ShortDirent{
		Attributes:   attrs,
		NTReserved:   ntRes,
		FirstCluster: firstCluster,
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
		LastModified: now,
	}

	needed, err := slotsNeededFor(name)
	if err != nil {
		return ShortDirent{}, err
	}

	grown := dirCluster
	if dirCluster == 0 && fs.bpb.IsFAT32() {
		grown = fs.bpb.FAT32.RootCluster
	}
	r, startSlot, err := findFreeSlots(r, needed, func() (region, error) {
		return fs.growDirectory(grown)
	})
	if err != nil {
		return ShortDirent{}, err
	}

	if err := writeEntry(r, startSlot, name, short, rawName, rawExt); err != nil {
		return ShortDirent{}, err
	}
	short.SlotIndex = startSlot + needed - 1
	return short, nil
}

// deleteEntry marks a name's slot(s) free within dirCluster. It does not
// free the associated cluster chain — callers do that separately once
// they've decided the delete should proceed.
func (fs *FileSystem) deleteEntry(dirCluster uint32, slotStart, slotCount int) error {
	r, err := fs.directoryRegion(dirCluster)
	if err != nil {
		return err
	}
	for i := 0; i < slotCount; i++ {
		slot := slotStart + i
		raw, err := r.readSlot(slot)
		if err != nil {
			return err
		}
		buf := make([]byte, len(raw))
		copy(buf, raw)
		buf[0] = direntDeleted
		if err := r.writeSlot(slot, buf); err != nil {
			return err
		}
	}
	return nil
}
