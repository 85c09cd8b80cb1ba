// Package device defines the uniform typed-sector driver contract every
// medium (RAM disk, NOR/NAND flash, SD, IDE, USB MSC) implements, and the
// suite-level registry drivers are added to.
//
// Grounded on the prior implementation's drivers/common/blockdevice.go (typed sector I/O
// over a seekable stream with bounds checking) and disks/disks.go (a
// CSV-loaded descriptor table feeding a registry), generalized from one
// disk-image stream to a uniform multi-medium driver contract.
package device

import (
	"fmt"
	"sync"

	"github.com/ucfs/ucfs/errors"
)

// IoctlOp enumerates the maintenance opcodes drivers must support.
type IoctlOp int

const (
	IoctlRefresh IoctlOp = iota
	IoctlLowLevelFormat
	IoctlLowLevelMount
	IoctlLowLevelUnmount
	IoctlCompact
	IoctlTrim
	IoctlPhysPageRead
	IoctlPhysPageWrite
	IoctlPhysBlockErase
)

// Query is the result of Driver.Query.
type Query struct {
	SectorSize  uint
	SectorCount uint
	Fixed       bool
}

// Driver is the uniform contract every medium driver implements. Reads and writes operate in whole sectors; partial-sector I/O is
// the caller's responsibility, same as the prior implementation's BlockDevice.Read/Write.
type Driver interface {
	NameGet() string
	Init() error
	Open(cfg any) error
	Close() error
	Read(dest []byte, start uint, count uint) error
	Write(src []byte, start uint, count uint) error
	Query() (Query, error)
	Ioctl(op IoctlOp, arg any) (any, error)
}

// Factory constructs a fresh, unopened Driver instance for one unit of a
// driver family.
type Factory func(unit uint) Driver

// Registry is the suite-level driver table. It is constructed explicitly rather than populated by
// a package init(), avoiding global mutable state.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	opened    map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		opened:    make(map[string]Driver),
	}
}

// AddDriver registers a driver family (e.g. "ram", "nor", "nand", "sdcard",
// "sd", "ide", "msc") under the suite lock.
func (r *Registry) AddDriver(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.ErrAlreadyInProgress.WithMessage(
			fmt.Sprintf("driver %q already registered", name))
	}
	r.factories[name] = factory
	return nil
}

// deviceKey is how a ("nor", 0) pair is named, matching the
// "nor:0:" device-name convention.
func deviceKey(name string, unit uint) string {
	return fmt.Sprintf("%s:%d:", name, unit)
}

// Open constructs (if needed) and opens a driver unit, returning the
// existing instance if it's already open.
func (r *Registry) Open(name string, unit uint, cfg any) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey(name, unit)
	if drv, ok := r.opened[key]; ok {
		return drv, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.ErrNoDevice.WithMessage(
			fmt.Sprintf("no driver registered for %q", name))
	}

	drv := factory(unit)
	if err := drv.Init(); err != nil {
		return nil, err
	}
	if err := drv.Open(cfg); err != nil {
		return nil, err
	}

	r.opened[key] = drv
	return drv, nil
}

// Close closes and forgets a previously opened device.
func (r *Registry) Close(name string, unit uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deviceKey(name, unit)
	drv, ok := r.opened[key]
	if !ok {
		return errors.ErrNotOpen.WithMessage(fmt.Sprintf("device %q not open", key))
	}
	delete(r.opened, key)
	return drv.Close()
}

// Lookup returns an already-open device by name:unit without opening it.
func (r *Registry) Lookup(name string, unit uint) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drv, ok := r.opened[deviceKey(name, unit)]
	return drv, ok
}

// CheckIOBounds validates that `count` sectors starting at `start` are
// within `[0, sectorCount)`, and that a buffer of `bufLen` bytes is exactly
// `count` whole sectors. Shared by every driver's Read/Write, ported from
// the prior implementation's BlockDevice.CheckIOBounds.
func CheckIOBounds(start, count, sectorSize, sectorCount uint, bufLen int) error {
	if start >= sectorCount {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("sector %d not in [0, %d)", start, sectorCount))
	}
	if start+count > sectorCount {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("sector range [%d, %d) extends past end of device (%d sectors)",
				start, start+count, sectorCount))
	}
	if uint(bufLen) != count*sectorSize {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer is %d bytes, want exactly %d (%d sectors of %d bytes)",
				bufLen, count*sectorSize, count, sectorSize))
	}
	return nil
}
