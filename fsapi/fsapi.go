// Package fsapi is the POSIX-like path-based surface:
// open/read/write/seek/truncate/close/mkdir/rmdir/readdir/rename/remove,
// layered over package fat's path-resolving FileSystem instead of talking
// to a device directly.
//
// Grounded on the prior implementation's driver/driver.go (path normalization against a
// working directory) and driver/file.go (the os.File-shaped wrapper around
// one open object), generalized from a single disko.FileSystemImplementer
// bolted straight to one disk image into a thin caller on top of package
// fat/package volume, and from a single process-wide working directory to
// a per-task one.
package fsapi

import (
	"os"
	posixpath "path"
	"sync"

	"github.com/ucfs/ucfs/config"
	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/fat"
	"github.com/ucfs/ucfs/ucfs"
)

// TaskToken identifies the calling task for working-directory and file-lock
// purposes.
// Go has no task/thread handle to read implicitly, so callers supply one
// explicitly — any comparable value unique per logical task (a goroutine
// ID substitute) works; the zero value is the shared default used by
// single-tasked callers that never call Chdir.
type TaskToken any

// FS is one mounted FAT volume's path-based operations surface.
type FS struct {
	fat    *fat.FileSystem
	config config.SuiteConfig

	mu      sync.Mutex
	workDir map[TaskToken]string // per-task working directory, keyed on a caller-supplied token
}

// New wraps a mounted fat.FileSystem with the POSIX-like surface.
func New(filesystem *fat.FileSystem, cfg config.SuiteConfig) *FS {
	return &FS{fat: filesystem, config: cfg, workDir: make(map[TaskToken]string)}
}

// Getwd returns task's current working directory, "/" if it never called
// Chdir.
func (fs *FS) Getwd(task TaskToken) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if dir, ok := fs.workDir[task]; ok {
		return dir
	}
	return "/"
}

// Chdir sets task's working directory, after confirming path names an
// existing directory.
func (fs *FS) Chdir(task TaskToken, path string) error {
	abs := fs.normalize(task, path)
	stat, err := fs.fat.Stat(abs)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return errors.ErrNotADirectory
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.workDir[task] = abs
	return nil
}

// ForgetTask drops task's working-directory entry, the counterpart of the
// concurrency layer's task-termination hook.
func (fs *FS) ForgetTask(task TaskToken) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.workDir, task)
}

// normalize resolves path against task's working directory into a clean
// absolute path, the same job driver.BaseDriver.NormalizePath does.
func (fs *FS) normalize(task TaskToken, path string) string {
	if posixpath.IsAbs(path) {
		return posixpath.Clean(path)
	}
	return posixpath.Clean(posixpath.Join(fs.Getwd(task), path))
}

// Open opens path per ioFlags (os.O_* semantics via ucfs.IOFlags),
// creating it first if O_CREATE is set and it doesn't exist.
func (fs *FS) Open(task TaskToken, path string, ioFlags ucfs.IOFlags) (*File, error) {
	if fs.config.ReadOnly && ioFlags.RequiresWritePerm() {
		return nil, errors.ErrReadOnlyFileSystem
	}

	abs := fs.normalize(task, path)

	handle, err := fs.fat.Open(abs)
	if err != nil {
		if !ioFlags.Create() {
			return nil, err
		}
		handle, err = fs.fat.Create(abs)
		if err != nil {
			return nil, err
		}
	} else if ioFlags.Exclusive() {
		return nil, errors.ErrExists
	}

	if handle.Stat().IsDir() && ioFlags.RequiresWritePerm() {
		return nil, errors.ErrIsADirectory
	}

	if ioFlags.Truncate() && ioFlags.RequiresWritePerm() {
		if err := handle.Resize(0); err != nil {
			return nil, err
		}
	}

	f := &File{handle: handle, name: abs, flags: ioFlags}
	if ioFlags.Append() {
		f.offset = int64(handle.Stat().Size)
	}
	return f, nil
}

// Stat resolves path to a ucfs.FileStat without opening it.
func (fs *FS) Stat(task TaskToken, path string) (ucfs.FileStat, error) {
	return fs.fat.Stat(fs.normalize(task, path))
}

// Mkdir creates a new, empty directory.
func (fs *FS) Mkdir(task TaskToken, path string) error {
	if fs.config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	return fs.fat.Mkdir(fs.normalize(task, path))
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(task TaskToken, path string) error {
	if fs.config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	return fs.fat.Rmdir(fs.normalize(task, path))
}

// Remove removes a file, dispatching to Rmdir for a directory the way
// os.Remove does, under a single "remove" verb covering both.
func (fs *FS) Remove(task TaskToken, path string) error {
	if fs.config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	abs := fs.normalize(task, path)
	stat, err := fs.fat.Stat(abs)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return fs.fat.Rmdir(abs)
	}
	return fs.fat.Unlink(abs)
}

// Rename moves oldPath to newPath.
func (fs *FS) Rename(task TaskToken, oldPath, newPath string) error {
	if fs.config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	return fs.fat.Rename(fs.normalize(task, oldPath), fs.normalize(task, newPath))
}

// ReadDir lists the names of every entry in the directory at path.
func (fs *FS) ReadDir(task TaskToken, path string) ([]DirEntry, error) {
	abs := fs.normalize(task, path)
	names, err := fs.fat.ListDirPath(abs)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		stat, err := fs.fat.Stat(posixpath.Join(abs, name))
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{name: name, stat: stat})
	}
	return entries, nil
}

// DirEntry implements ucfs.DirectoryEntry / os.DirEntry.
type DirEntry struct {
	name string
	stat ucfs.FileStat
}

func (e DirEntry) Name() string               { return e.name }
func (e DirEntry) IsDir() bool                 { return e.stat.IsDir() }
func (e DirEntry) Type() os.FileMode           { return e.stat.ModeFlags.Type() }
func (e DirEntry) Stat() ucfs.FileStat         { return e.stat }
func (e DirEntry) Info() (os.FileInfo, error)  { return fileInfo{name: e.name, stat: e.stat}, nil }

var _ ucfs.DirectoryEntry = DirEntry{}
