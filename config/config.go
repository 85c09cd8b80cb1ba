// Package config holds the plain option structs used to configure the
// suite at compile/init time.
//
// Following the prior implementation's constructor idiom (e.g.
// blockcache.New(bytesPerBlock, totalBlocks, ...)), these are plain structs
// validated by the package that consumes them, not a generic options
// framework — no third-party configuration library appears anywhere in the
// retrieval pack, so stdlib structs are the idiomatic choice here.
package config

import "github.com/ucfs/ucfs/errors"

// SuiteConfig are the compile-time pool sizes and feature toggles the
// suite's configuration table names.
type SuiteConfig struct {
	MaxDevices int
	MaxVolumes int
	MaxFiles   int
	MaxDirs    int

	// MaxSectorSize must be one of 512, 1024, 2048, 4096.
	MaxSectorSize int

	// ReadOnly disables every writing code path suite-wide.
	ReadOnly bool

	// WorkingDirSupport enables per-task CWD via a task-local slot.
	WorkingDirSupport bool

	// FileLockSupport enables per-file reentrant locks.
	FileLockSupport bool
}

// DefaultSuiteConfig returns a small configuration that satisfies every
// invariant Validate checks.
func DefaultSuiteConfig() SuiteConfig {
	return SuiteConfig{
		MaxDevices:        4,
		MaxVolumes:        4,
		MaxFiles:          16,
		MaxDirs:           16,
		MaxSectorSize:     512,
		WorkingDirSupport: true,
		FileLockSupport:   true,
	}
}

func (c SuiteConfig) Validate() error {
	if c.MaxDevices < 1 || c.MaxVolumes < 1 || c.MaxFiles < 1 || c.MaxDirs < 1 {
		return errors.ErrInvalidArgument.WithMessage(
			"max devices/volumes/files/dirs must each be at least 1")
	}
	switch c.MaxSectorSize {
	case 512, 1024, 2048, 4096:
	default:
		return errors.ErrInvalidArgument.WithMessage(
			"max sector size must be one of 512, 1024, 2048, 4096")
	}
	return nil
}

// NANDPartKind selects between the two NAND partition description schemes:
// auto-detected (ONFI) or fully specified (Static).
type NANDPartKind int

const (
	NANDPartONFI NANDPartKind = iota
	NANDPartStatic
)

// SpareRange is one (start, len) pair of the NAND free-spare map.
type SpareRange struct {
	Start int
	Len   int
}

// NANDPartConfig describes one physical NAND part, either auto-detected via
// ONFI or fully specified ("Static").
type NANDPartConfig struct {
	Kind NANDPartKind

	PageSize       int
	SpareSize      int
	PagesPerBlock  int
	BlockCount     int
	CodewordSize   int
	CorrectableBits int
	MaxBadBlockCnt int
	FreeSpareMap   []SpareRange
}

// NORConfig holds the NOR FTL's wear-leveling knobs.
type NORConfig struct {
	// ReservedPercent is the fraction of erase blocks held back as wear-level
	// headroom rather than rotated as active data blocks.
	ReservedPercent int
	// EraseCountDiffThreshold bounds the spread between the least- and
	// most-worn erase blocks that wear leveling will tolerate.
	EraseCountDiffThreshold uint32
}

func DefaultNORConfig() NORConfig {
	return NORConfig{ReservedPercent: 5, EraseCountDiffThreshold: 10}
}

// ShellConfig individually toggles each optional CLI verb.
type ShellConfig struct {
	Cat, Cd, Cp, Date, Df, Ls, Mkdir, Mkfs, Mount, Mv, Od, Pwd, Rm, Rmdir, Touch, Umount, Wc bool
}

func AllShellCommandsEnabled() ShellConfig {
	return ShellConfig{
		Cat: true, Cd: true, Cp: true, Date: true, Df: true, Ls: true,
		Mkdir: true, Mkfs: true, Mount: true, Mv: true, Od: true, Pwd: true,
		Rm: true, Rmdir: true, Touch: true, Umount: true, Wc: true,
	}
}
