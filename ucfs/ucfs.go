// Package ucfs defines the suite-wide vocabulary shared by every other
// package in this module: sector tags, mount/IO flags, and the POSIX-like
// stat/feature/handle types the filesystem API surfaces to callers.
//
// It plays the role `api.go` plays in that repo, generalized from a
// single-image filesystem driver to a multi-device, multi-volume suite.
package ucfs

import (
	"math"
	"os"
	"time"
)

// SectorType tags every sector read or write with the region of the
// filesystem it belongs to. The tag is descriptive
// only — it is never validated against the medium — and drives cache region
// selection (§4.1) and journaling (§4.8).
type SectorType int

const (
	SectorTypeUnknown SectorType = iota
	SectorTypeManagement
	SectorTypeDirectory
	SectorTypeFile
)

func (t SectorType) String() string {
	switch t {
	case SectorTypeManagement:
		return "management"
	case SectorTypeDirectory:
		return "directory"
	case SectorTypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// FileStat is a platform-independent form of syscall.Stat_t (ported
// verbatim from the prior implementation's api.go).
type FileStat struct {
	DeviceID     uint64
	InodeNumber  uint64
	Nlinks       uint64
	ModeFlags    os.FileMode
	Uid          uint32
	Gid          uint32
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	CreatedAt    time.Time
	LastChanged  time.Time
	LastAccessed time.Time
	LastModified time.Time
	DeletedAt    time.Time
}

func (stat FileStat) IsDir() bool  { return stat.ModeFlags.IsDir() }
func (stat FileStat) IsFile() bool { return stat.ModeFlags.IsRegular() }

// FSStat is a platform-independent form of syscall.Statfs_t (ported from the
// prior implementation's api.go).
type FSStat struct {
	BlockSize       int64
	TotalBlocks     uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	FileSystemID    uint64
	MaxNameLength   int64
	Label           string
}

// UndefinedTimestamp marks an invalid/unsupported timestamp, the moral
// equivalent of a nil pointer for time.Time fields.
var UndefinedTimestamp = time.UnixMicro(math.MaxInt64)

// FSFeatures reports the static feature set of a filesystem implementation,
// regardless of whether every feature is wired up yet.
type FSFeatures struct {
	HasDirectories    bool
	HasLongNames      bool
	HasCreatedTime    bool
	HasAccessedTime   bool
	HasModifiedTime   bool
	DefaultNameEncoding string
	DefaultBlockSize  int
}
