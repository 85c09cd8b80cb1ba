// High-level path-based operations (Stat, Open, Create, Mkdir, Unlink,
// Rmdir, Rename, ListDir) and the ObjectHandle implementation fsapi calls
// through, generalized from the prior implementation's driverbase.go (which implemented
// only the read side of this contract) to the full read/write surface
// a file handle needs.
package fat

import (
	"os"
	"time"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/journal"
	"github.com/ucfs/ucfs/ucfs"
)

// Handle is a ucfs.ObjectHandle over one FAT file or directory.
type Handle struct {
	fs        *FileSystem
	name      string
	dirCluster uint32 // containing directory's first cluster (0 = root)
	short     ShortDirent
	slotStart int
	slotCount int
}

var _ ucfs.ObjectHandle = (*Handle)(nil)

func slotStartFor(name string, short ShortDirent) (int, int) {
	needed, err := slotsNeededFor(name)
	if err != nil {
		needed = 1
	}
	return short.SlotIndex - needed + 1, needed
}

// Open resolves path to a Handle.
func (fs *FileSystem) Open(path string) (*Handle, error) {
	res, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	start, count := slotStartFor(res.entry.Name, res.entry.Short)
	return &Handle{
		fs:         fs,
		name:       res.entry.Name,
		dirCluster: res.parentDir,
		short:      res.entry.Short,
		slotStart:  start,
		slotCount:  count,
	}, nil
}

// Stat resolves path without returning a live handle.
func (fs *FileSystem) Stat(path string) (ucfs.FileStat, error) {
	res, err := fs.resolve(path)
	if err != nil {
		return ucfs.FileStat{}, err
	}
	blocks := (res.entry.Short.Size + uint32(fs.bpb.BytesPerCluster) - 1) / uint32(fs.bpb.BytesPerCluster)
	return res.entry.Short.ToFileStat(fs.bpb.BytesPerCluster, int64(blocks)), nil
}

// ListDirPath returns the names of every entry in the directory at path
// (excluding "." and "..").
func (fs *FileSystem) ListDirPath(path string) ([]string, error) {
	res, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if path != "/" && path != "" && !res.entry.Short.IsDir() {
		return nil, errors.ErrNotADirectory
	}

	dirCluster := res.entry.Short.FirstCluster
	r, err := fs.directoryRegion(dirCluster)
	if err != nil {
		return nil, err
	}
	entries, err := listEntries(r)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names, nil
}

// Create makes a new regular file at path. It fails with ErrExists if
// something is already there.
func (fs *FileSystem) Create(path string) (*Handle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.resolve(path); err == nil {
		return nil, errors.ErrExists
	}

	dirCluster, name, err := fs.parentOf(path)
	if err != nil {
		return nil, err
	}

	var short ShortDirent
	err = fs.journaled(journal.KindEntryCreate, func() error {
		var ierr error
		short, ierr = fs.createEntry(dirCluster, name, 0, 0, 0)
		return ierr
	})
	if err != nil {
		return nil, err
	}

	start, count := slotStartFor(name, short)
	return &Handle{fs: fs, name: name, dirCluster: dirCluster, short: short, slotStart: start, slotCount: count}, nil
}

// Mkdir creates a new, empty directory at path, wiring up its "." and ".."
// entries per the FAT convention.
func (fs *FileSystem) Mkdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.resolve(path); err == nil {
		return errors.ErrExists
	}

	dirCluster, name, err := fs.parentOf(path)
	if err != nil {
		return err
	}

	return fs.journaled(journal.KindEntryCreate, func() error {
		newClusters, err := fs.table.AllocateChain(1)
		if err != nil {
			return err
		}
		firstCluster := newClusters[0]

		zero := make([]byte, fs.bpb.BytesPerSector)
		base := fs.bpb.ClusterToSector(firstCluster)
		for s := uint64(0); s < uint64(fs.bpb.SectorsPerCluster); s++ {
			if err := fs.vol.WriteTagged(ucfs.SectorTypeDirectory, base+s, zero); err != nil {
				return err
			}
		}

		now := time.Now()
		dotEntry := ShortDirent{Attributes: AttrDirectory, FirstCluster: firstCluster, CreatedAt: now, LastModified: now, LastAccessed: now}
		dotDotEntry := ShortDirent{Attributes: AttrDirectory, FirstCluster: dirCluster, CreatedAt: now, LastModified: now, LastAccessed: now}

		selfRegion, err := fs.directoryRegion(firstCluster)
		if err != nil {
			return err
		}
		dotName, dotExt := [8]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, [3]byte{' ', ' ', ' '}
		if err := writeEntry(selfRegion, 0, ".", dotEntry, dotName, dotExt); err != nil {
			return err
		}
		dotDotName := [8]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' '}
		if err := writeEntry(selfRegion, 1, "..", dotDotEntry, dotDotName, dotExt); err != nil {
			return err
		}

		_, err = fs.createEntry(dirCluster, name, AttrDirectory, firstCluster, 0)
		return err
	})
}

// Unlink removes the regular file at path.
func (fs *FileSystem) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if res.entry.Short.IsDir() {
		return errors.ErrIsADirectory
	}

	return fs.journaled(journal.KindEntryDelete, func() error {
		start, count := slotStartFor(res.entry.Name, res.entry.Short)
		if err := fs.deleteEntry(res.parentDir, start, count); err != nil {
			return err
		}

		if res.entry.Short.FirstCluster == 0 {
			return nil // empty file never allocated a cluster
		}
		chain, err := fs.table.ListChain(res.entry.Short.FirstCluster)
		if err != nil {
			return err
		}
		return fs.table.FreeChain(chain)
	})
}

// Rmdir removes the empty directory at path.
func (fs *FileSystem) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	res, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !res.entry.Short.IsDir() {
		return errors.ErrNotADirectory
	}

	r, err := fs.directoryRegion(res.entry.Short.FirstCluster)
	if err != nil {
		return err
	}
	entries, err := listEntries(r)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return errors.ErrDirectoryNotEmpty
		}
	}

	return fs.journaled(journal.KindEntryDelete, func() error {
		start, count := slotStartFor(res.entry.Name, res.entry.Short)
		if err := fs.deleteEntry(res.parentDir, start, count); err != nil {
			return err
		}

		chain, err := fs.table.ListChain(res.entry.Short.FirstCluster)
		if err != nil {
			return err
		}
		return fs.table.FreeChain(chain)
	})
}

// Rename moves the entry at oldPath to newPath, which must not already
// exist. FAT has no atomic rename primitive below this, so this creates a
// new entry pointing at the same cluster chain, then deletes the old one.
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.resolve(newPath); err == nil {
		return errors.ErrExists
	}

	res, err := fs.resolve(oldPath)
	if err != nil {
		return err
	}

	newDirCluster, newName, err := fs.parentOf(newPath)
	if err != nil {
		return err
	}

	return fs.journaled(journal.KindEntryUpdate, func() error {
		_, err := fs.createEntry(newDirCluster, newName, res.entry.Short.Attributes,
			res.entry.Short.FirstCluster, res.entry.Short.Size)
		if err != nil {
			return err
		}

		start, count := slotStartFor(res.entry.Name, res.entry.Short)
		return fs.deleteEntry(res.parentDir, start, count)
	})
}

// --- ucfs.ObjectHandle -------------------------------------------------

func (h *Handle) Name() string { return h.name }

func (h *Handle) Stat() ucfs.FileStat {
	blocks := (h.short.Size + uint32(h.fs.bpb.BytesPerCluster) - 1) / uint32(h.fs.bpb.BytesPerCluster)
	return h.short.ToFileStat(h.fs.bpb.BytesPerCluster, int64(blocks))
}

func (h *Handle) SameAs(other ucfs.ObjectHandle) bool {
	o, ok := other.(*Handle)
	return ok && o.short.FirstCluster == h.short.FirstCluster
}

// ReadAt reads from the file's cluster chain starting at byte offset.
func (h *Handle) ReadAt(buffer []byte, offset int64) (int, error) {
	if h.short.IsDir() {
		return 0, errors.ErrIsADirectory
	}
	if offset >= int64(h.short.Size) {
		return 0, errors.ErrUnexpectedEOF
	}

	toRead := int64(len(buffer))
	if offset+toRead > int64(h.short.Size) {
		toRead = int64(h.short.Size) - offset
	}

	chain, err := h.fs.table.ListChain(h.short.FirstCluster)
	if err != nil {
		return 0, err
	}

	bytesPerCluster := int64(h.fs.bpb.BytesPerCluster)
	read := int64(0)
	for read < toRead {
		absolute := offset + read
		clusterIdx := int(absolute / bytesPerCluster)
		if clusterIdx >= len(chain) {
			break
		}
		withinCluster := absolute % bytesPerCluster

		clusterData, err := h.fs.readCluster(chain[clusterIdx])
		if err != nil {
			return int(read), err
		}

		n := bytesPerCluster - withinCluster
		remaining := toRead - read
		if n > remaining {
			n = remaining
		}
		copy(buffer[read:read+n], clusterData[withinCluster:withinCluster+n])
		read += n
	}

	return int(read), nil
}

func (fs *FileSystem) readCluster(cluster uint32) ([]byte, error) {
	base := fs.bpb.ClusterToSector(cluster)
	buf := make([]byte, fs.bpb.BytesPerCluster)
	for s := uint64(0); s < uint64(fs.bpb.SectorsPerCluster); s++ {
		data, err := fs.vol.ReadTagged(ucfs.SectorTypeFile, base+s)
		if err != nil {
			return nil, err
		}
		copy(buf[s*uint64(fs.bpb.BytesPerSector):], data)
	}
	return buf, nil
}

func (fs *FileSystem) writeCluster(cluster uint32, data []byte) error {
	base := fs.bpb.ClusterToSector(cluster)
	for s := uint64(0); s < uint64(fs.bpb.SectorsPerCluster); s++ {
		start := s * uint64(fs.bpb.BytesPerSector)
		end := start + uint64(fs.bpb.BytesPerSector)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		sectorBuf := make([]byte, fs.bpb.BytesPerSector)
		copy(sectorBuf, data[start:end])
		if err := fs.vol.WriteTagged(ucfs.SectorTypeFile, base+s, sectorBuf); err != nil {
			return err
		}
	}
	return nil
}

// WriteAt writes into the file's cluster chain, extending it (and the
// dirent's recorded size) as needed.
func (h *Handle) WriteAt(buffer []byte, offset int64) (int, error) {
	if h.short.IsDir() {
		return 0, errors.ErrIsADirectory
	}

	endOffset := offset + int64(len(buffer))
	bytesPerCluster := int64(h.fs.bpb.BytesPerCluster)
	clustersNeeded := (endOffset + bytesPerCluster - 1) / bytesPerCluster

	var chain []uint32
	var err error
	if h.short.FirstCluster == 0 {
		chain, err = h.fs.table.AllocateChain(uint(clustersNeeded))
		if err != nil {
			return 0, err
		}
		h.short.FirstCluster = chain[0]
	} else {
		chain, err = h.fs.table.ListChain(h.short.FirstCluster)
		if err != nil {
			return 0, err
		}
		if int64(len(chain)) < clustersNeeded {
			more, err := h.fs.table.ExtendChain(chain[len(chain)-1], uint(clustersNeeded)-uint(len(chain)))
			if err != nil {
				return 0, err
			}
			chain = append(chain, more...)
		}
	}

	written := int64(0)
	for written < int64(len(buffer)) {
		absolute := offset + written
		clusterIdx := int(absolute / bytesPerCluster)
		withinCluster := absolute % bytesPerCluster

		clusterData, err := h.fs.readCluster(chain[clusterIdx])
		if err != nil {
			return int(written), err
		}

		n := bytesPerCluster - withinCluster
		remaining := int64(len(buffer)) - written
		if n > remaining {
			n = remaining
		}
		copy(clusterData[withinCluster:withinCluster+n], buffer[written:written+n])
		if err := h.fs.writeCluster(chain[clusterIdx], clusterData); err != nil {
			return int(written), err
		}
		written += n
	}

	if endOffset > int64(h.short.Size) {
		h.short.Size = uint32(endOffset)
	}
	h.short.LastModified = time.Now()
	return int(written), h.flushDirent()
}

// Resize truncates or extends the file to newSize bytes.
func (h *Handle) Resize(newSize uint64) error {
	if h.short.IsDir() {
		return errors.ErrIsADirectory
	}

	bytesPerCluster := uint64(h.fs.bpb.BytesPerCluster)
	neededClusters := (newSize + bytesPerCluster - 1) / bytesPerCluster

	if h.short.FirstCluster == 0 {
		if neededClusters == 0 {
			h.short.Size = 0
			return h.flushDirent()
		}
		chain, err := h.fs.table.AllocateChain(uint(neededClusters))
		if err != nil {
			return err
		}
		h.short.FirstCluster = chain[0]
	} else {
		chain, err := h.fs.table.ListChain(h.short.FirstCluster)
		if err != nil {
			return err
		}
		switch {
		case uint64(len(chain)) < neededClusters:
			if _, err := h.fs.table.ExtendChain(chain[len(chain)-1], uint(neededClusters)-uint(len(chain))); err != nil {
				return err
			}
		case uint64(len(chain)) > neededClusters:
			var toFree []uint32
			if neededClusters == 0 {
				toFree = chain
				h.short.FirstCluster = 0
			} else {
				toFree = chain[neededClusters:]
				if err := h.fs.table.Set(chain[neededClusters-1], h.fs.table.eocFor()); err != nil {
					return err
				}
			}
			if err := h.fs.table.FreeChain(toFree); err != nil {
				return err
			}
		}
	}

	h.short.Size = uint32(newSize)
	h.short.LastModified = time.Now()
	return h.flushDirent()
}

func (h *Handle) flushDirent() error {
	r, err := h.fs.directoryRegion(h.dirCluster)
	if err != nil {
		return err
	}

	var rawName [8]byte
	var rawExt [3]byte
	var ntRes uint8
	if !RequiresLongName(h.name) {
		rawName, rawExt, ntRes, err = PackShortName(h.name)
		if err != nil {
			return err
		}
	} else {
		// Preserve the already-assigned numeric-tail alias rather than
		// generating a fresh one, by reading back the existing slot.
		existing, err := r.readSlot(h.short.SlotIndex)
		if err != nil {
			return err
		}
		raw := DecodeRawShortDirent(existing)
		rawName, rawExt, ntRes = raw.Name, raw.Extension, raw.NTReserved
	}
	h.short.NTReserved = ntRes

	raw := EncodeShortDirent(h.short, rawName, rawExt)
	return r.writeSlot(h.short.SlotIndex, raw.Encode())
}

func (h *Handle) Unlink() error {
	return h.fs.deleteEntry(h.dirCluster, h.slotStart, h.slotCount)
}

func (h *Handle) Chmod(mode os.FileMode) error {
	if mode&0o200 == 0 {
		h.short.Attributes |= AttrReadOnly
	} else {
		h.short.Attributes &^= AttrReadOnly
	}
	return h.flushDirent()
}

func (h *Handle) Chtimes(createdAt, lastAccessed, lastModified time.Time) error {
	if !createdAt.IsZero() {
		h.short.CreatedAt = createdAt
	}
	if !lastAccessed.IsZero() {
		h.short.LastAccessed = lastAccessed
	}
	if !lastModified.IsZero() {
		h.short.LastModified = lastModified
	}
	return h.flushDirent()
}

func (h *Handle) ListDir() ([]string, error) {
	entries, err := h.ListDirEntries()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// ListDirEntries returns every non-"."/".." entry in this directory with
// its decoded short dirent, for callers (package fsapi's Readdir) that
// need a stat alongside each name without re-resolving a path.
func (h *Handle) ListDirEntries() ([]Entry, error) {
	if !h.short.IsDir() {
		return nil, errors.ErrNotADirectory
	}
	r, err := h.fs.directoryRegion(h.short.FirstCluster)
	if err != nil {
		return nil, err
	}
	entries, err := listEntries(r)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
