// Package ide implements device.Driver over a PATA/IDE disk, delegating the
// actual ATA command issuance (IDENTIFY DEVICE, READ/WRITE SECTORS, cache
// flush) to a caller-supplied BSP, same division as package sd.
package ide

import (
	"sync"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
)

// BSP is the narrow capability interface a board-support package implements
// to back an ide.Driver.
type BSP interface {
	Identify() (sectorSize uint, sectorCount uint, err error)
	ReadSectors(dest []byte, startLBA, count uint) error
	WriteSectors(src []byte, startLBA, count uint) error
	FlushCache() error
}

type Config struct {
	BSP BSP
}

type Driver struct {
	unit uint

	mu          sync.Mutex
	open        bool
	bsp         BSP
	sectorSize  uint
	sectorCount uint
}

// New is a device.Factory for the "ide" driver family.
func New(unit uint) device.Driver {
	return &Driver{unit: unit}
}

func (d *Driver) NameGet() string { return "ide" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.ErrAlreadyInProgress.WithMessage("ide disk already open")
	}
	ideCfg, ok := cfg.(Config)
	if !ok || ideCfg.BSP == nil {
		return errors.ErrInvalidConfiguration.WithMessage("ide.Open requires a ide.Config with a BSP")
	}

	sectorSize, sectorCount, err := ideCfg.BSP.Identify()
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	d.bsp = ideCfg.BSP
	d.sectorSize = sectorSize
	d.sectorCount = sectorCount
	d.open = true
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	err := d.bsp.FlushCache()
	d.open = false
	d.bsp = nil
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
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
	return d.bsp.ReadSectors(dest, start, count)
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
	return d.bsp.WriteSectors(src, start, count)
}

func (d *Driver) Query() (device.Query, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return device.Query{}, errors.ErrNotOpen
	}
	return device.Query{SectorSize: d.sectorSize, SectorCount: d.sectorCount, Fixed: true}, nil
}

func (d *Driver) Ioctl(op device.IoctlOp, arg any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errors.ErrNotOpen
	}
	switch op {
	case device.IoctlRefresh:
		return nil, d.bsp.FlushCache()
	default:
		return nil, errors.ErrNotSupported
	}
}
