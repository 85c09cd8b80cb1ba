package fsapi

import (
	"io"
	"os"
	posixpath "path"
	"sync"
	"time"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/fat"
	"github.com/ucfs/ucfs/ucfs"
)

// fileInfo adapts a ucfs.FileStat to os.FileInfo, the same role the
// prior implementation's driver.FileInfo plays.
type fileInfo struct {
	name string
	stat ucfs.FileStat
}

func (i fileInfo) Name() string       { return posixpath.Base(i.name) }
func (i fileInfo) Size() int64        { return i.stat.Size }
func (i fileInfo) Mode() os.FileMode  { return i.stat.ModeFlags }
func (i fileInfo) ModTime() time.Time { return i.stat.LastModified }
func (i fileInfo) IsDir() bool        { return i.stat.IsDir() }
func (i fileInfo) Sys() any           { return i.stat }

// File is the ucfs.File implementation returned by FS.Open: a seekable
// cursor over a *fat.Handle's ReadAt/WriteAt/Resize surface, plus the
// directory-listing cursor ReadDir needs and the optional per-file
// reentrant per-file lock.
type File struct {
	handle *fat.Handle
	name   string
	flags  ucfs.IOFlags

	mu     sync.Mutex
	offset int64
	closed bool

	dirEntries []fat.Entry
	dirPos     int

	lock reentrantLock
}

var _ ucfs.File = (*File)(nil)

func (f *File) Name() string { return f.name }

func (f *File) Read(p []byte) (int, error) {
	return f.ReadAt(p, f.currentOffset())
}

func (f *File) currentOffset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if !f.flags.Read() {
		return 0, errors.ErrInvalidFileDescriptor.WithMessage("file not opened for reading")
	}
	n, err := f.handle.ReadAt(p, off)
	if err == nil || n > 0 {
		f.mu.Lock()
		f.offset = off + int64(n)
		f.mu.Unlock()
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	off := f.currentOffset()
	n, err := f.WriteAt(p, off)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if !f.flags.RequiresWritePerm() {
		return 0, errors.ErrInvalidFileDescriptor.WithMessage("file not opened for writing")
	}
	n, err := f.handle.WriteAt(p, off)
	if n > 0 {
		f.mu.Lock()
		f.offset = off + int64(n)
		f.mu.Unlock()
	}
	return n, err
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = int64(f.handle.Stat().Size)
	default:
		return 0, errors.ErrInvalidArgument.WithMessage("invalid whence")
	}

	newOffset := base + offset
	if newOffset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("negative seek result")
	}
	f.offset = newOffset
	return newOffset, nil
}

func (f *File) Truncate(size int64) error {
	if !f.flags.RequiresWritePerm() {
		return errors.ErrInvalidFileDescriptor.WithMessage("file not opened for writing")
	}
	return f.handle.Resize(uint64(size))
}

func (f *File) Sync() error {
	return nil // every write already lands in the volume's cache synchronously from this handle's view; flushing the cache is the volume's job, not one file's.
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrInvalidFileDescriptor.WithMessage("already closed")
	}
	f.closed = true
	return nil
}

func (f *File) Stat() (os.FileInfo, error) {
	return fileInfo{name: f.name, stat: f.handle.Stat()}, nil
}

func (f *File) Readdir(n int) ([]os.FileInfo, error) {
	f.mu.Lock()
	if f.dirEntries == nil && f.dirPos == 0 {
		entries, err := f.handle.ListDirEntries()
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.dirEntries = entries
	}
	remaining := len(f.dirEntries) - f.dirPos
	if n <= 0 || n > remaining {
		n = remaining
	}
	slice := f.dirEntries[f.dirPos : f.dirPos+n]
	f.dirPos += n
	var err error
	if f.dirPos >= len(f.dirEntries) {
		err = io.EOF
	}
	f.mu.Unlock()

	blocks := func(size uint32) int64 {
		bpc := uint32(f.handle.Stat().BlockSize)
		if bpc == 0 {
			return 0
		}
		return int64((size + bpc - 1) / bpc)
	}
	infos := make([]os.FileInfo, len(slice))
	for i, e := range slice {
		stat := e.Short.ToFileStat(uint(f.handle.Stat().BlockSize), blocks(e.Short.Size))
		infos[i] = fileInfo{name: e.Name, stat: stat}
	}
	return infos, err
}

func (f *File) Readdirnames(n int) ([]string, error) {
	return f.readdirnames(n)
}

func (f *File) readdirnames(n int) ([]string, error) {
	f.mu.Lock()
	if f.dirEntries == nil && f.dirPos == 0 {
		entries, err := f.handle.ListDirEntries()
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.dirEntries = entries
	}

	remaining := len(f.dirEntries) - f.dirPos
	if n <= 0 || n > remaining {
		n = remaining
	}
	slice := f.dirEntries[f.dirPos : f.dirPos+n]
	f.dirPos += n
	var err error
	if f.dirPos >= len(f.dirEntries) {
		err = io.EOF
	}
	f.mu.Unlock()

	names := make([]string, len(slice))
	for i, e := range slice {
		names[i] = e.Name
	}
	return names, err
}

// reentrantLock is a per-file lock that is reentrant by task identity via a
// depth counter. Acquiring it twice under the same
// TaskToken nests instead of deadlocking; a different token blocks until
// the depth drops to zero.
type reentrantLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner TaskToken
	held  bool
	depth int
}

// Lock acquires the file's reentrant lock for task, blocking if another
// task currently holds it.
func (f *File) Lock(task TaskToken) {
	l := &f.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	for l.held && l.owner != task {
		l.cond.Wait()
	}
	l.owner = task
	l.held = true
	l.depth++
}

// Unlock releases one level of task's hold, waking a waiter once depth
// reaches zero. Unlocking a token that doesn't hold the lock is a no-op.
func (f *File) Unlock(task TaskToken) {
	l := &f.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.owner != task {
		return
	}
	l.depth--
	if l.depth <= 0 {
		l.held = false
		l.depth = 0
		if l.cond != nil {
			l.cond.Broadcast()
		}
	}
}
