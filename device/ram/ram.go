// Package ram implements device.Driver over a plain in-memory byte slice —
// a RAM disk medium for testing and for media-less volumes.
//
// Grounded on the prior implementation's drivers/common/blockdevice.go (bounds-checked
// typed-sector I/O over a seekable stream) and testing/blockcache.go's
// in-memory image helpers, wired to github.com/xaionaro-go/bytesextra to
// turn the backing []byte into an io.ReadWriteSeeker the way existing
// test fixtures did.
package ram

import (
	"io"
	"sync"

	"github.com/xaionaro-go/bytesextra"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
)

// Config configures a RAM disk at Open time.
type Config struct {
	SectorSize  uint
	SectorCount uint

	// Image, if non-nil, seeds the disk's initial contents; it must be
	// exactly SectorSize*SectorCount bytes. If nil, a zero-filled buffer of
	// that size is allocated.
	Image []byte
}

type Driver struct {
	unit uint

	mu          sync.Mutex
	open        bool
	sectorSize  uint
	sectorCount uint
	backing     []byte
	stream      io.ReadWriteSeeker
}

// New is a device.Factory for the "ram" driver family.
func New(unit uint) device.Driver {
	return &Driver{unit: unit}
}

func (d *Driver) NameGet() string { return "ram" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return errors.ErrAlreadyInProgress.WithMessage("ram disk already open")
	}

	ramCfg, ok := cfg.(Config)
	if !ok {
		return errors.ErrInvalidConfiguration.WithMessage(
			"ram.Open requires a ram.Config")
	}
	if ramCfg.SectorSize == 0 || ramCfg.SectorCount == 0 {
		return errors.ErrInvalidConfiguration.WithMessage(
			"sector size and count must be nonzero")
	}

	want := ramCfg.SectorSize * ramCfg.SectorCount
	switch {
	case ramCfg.Image == nil:
		d.backing = make([]byte, want)
	case uint(len(ramCfg.Image)) == want:
		d.backing = ramCfg.Image
	default:
		return errors.ErrInvalidConfiguration.WithMessage(
			"supplied image does not match sector size * sector count")
	}

	d.sectorSize = ramCfg.SectorSize
	d.sectorCount = ramCfg.SectorCount
	d.stream = bytesextra.NewReadWriteSeeker(d.backing)
	d.open = true
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	d.open = false
	d.backing = nil
	d.stream = nil
	return nil
}

func (d *Driver) Read(dest []byte, start uint, count uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	if err := device.CheckIOBounds(start, count, d.sectorSize, d.sectorCount, len(dest)); err != nil {
		return err
	}

	offset := int64(start * d.sectorSize)
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if _, err := io.ReadFull(d.stream, dest); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

func (d *Driver) Write(src []byte, start uint, count uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	if err := device.CheckIOBounds(start, count, d.sectorSize, d.sectorCount, len(src)); err != nil {
		return err
	}

	offset := int64(start * d.sectorSize)
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if _, err := d.stream.Write(src); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

func (d *Driver) Query() (device.Query, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return device.Query{}, errors.ErrNotOpen
	}
	return device.Query{
		SectorSize:  d.sectorSize,
		SectorCount: d.sectorCount,
		Fixed:       true,
	}, nil
}

// Ioctl supports IoctlRefresh (a no-op: a RAM disk never goes stale) and
// IoctlTrim (zero-fills the given sector range, arg is [2]uint{start,count}).
// Every other opcode is ErrNotSupported: the RAM disk has no physical page
// or erase-block structure for the Phys* opcodes to act on.
func (d *Driver) Ioctl(op device.IoctlOp, arg any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errors.ErrNotOpen
	}

	switch op {
	case device.IoctlRefresh:
		return nil, nil
	case device.IoctlTrim:
		rng, ok := arg.([2]uint)
		if !ok {
			return nil, errors.ErrInvalidArgument.WithMessage("trim arg must be [2]uint{start,count}")
		}
		start, count := rng[0], rng[1]
		if err := device.CheckIOBounds(start, count, d.sectorSize, d.sectorCount,
			int(count*d.sectorSize)); err != nil {
			return nil, err
		}
		offset := int64(start * d.sectorSize)
		zeros := make([]byte, count*d.sectorSize)
		copy(d.backing[offset:], zeros)
		return nil, nil
	default:
		return nil, errors.ErrNotSupported
	}
}
