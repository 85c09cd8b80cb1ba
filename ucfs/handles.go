package ucfs

import (
	"io"
	"os"
	"time"
)

// ObjectHandle is the capability interface a filesystem implementation
// (here, package fat) exposes to package fsapi for one on-disk object
// (ported from the prior implementation's api.go ObjectHandle, trimmed of the
// symlink/hard-link machinery FAT doesn't have).
type ObjectHandle interface {
	Stat() FileStat
	Resize(newSize uint64) error
	ReadAt(buffer []byte, offset int64) (int, error)
	WriteAt(buffer []byte, offset int64) (int, error)
	Unlink() error
	Chmod(mode os.FileMode) error
	Chtimes(createdAt, lastAccessed, lastModified time.Time) error
	ListDir() ([]string, error)
	Name() string
	SameAs(other ObjectHandle) bool
}

// File is the interface returned by fsapi.Open; a pragmatic subset of
// os.File's surface, per the prior implementation's api.go File interface.
type File interface {
	io.ReadWriteCloser
	io.Seeker
	io.ReaderAt
	io.WriterAt

	Truncate(size int64) error
	Name() string
	Readdir(n int) ([]os.FileInfo, error)
	Readdirnames(n int) ([]string, error)
	Stat() (os.FileInfo, error)
	Sync() error
}

// DirectoryEntry represents one entry returned from ReadDir (ported from
// api.go).
type DirectoryEntry interface {
	os.DirEntry
	Stat() FileStat
}
