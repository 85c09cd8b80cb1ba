// Package sd implements device.Driver over an SD/MMC card by delegating the
// actual bus transaction (CMD0/CMD8/ACMD41/CMD17/CMD24/...) to a
// caller-supplied BSP, the same shell-over-narrow-interface split drawn
// between a driver and its underlying io.ReadWriteSeeker
// (drivers/common/blockdevice.go): this package owns sector bookkeeping and
// error taxonomy, never the electrical/command-protocol layer, which
// stays deliberately out of scope.
package sd

import (
	"sync"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
)

// BSP is the narrow capability interface a board-support package implements
// to back an sd.Driver. It speaks whole sectors; CRC, card initialization
// sequencing and voltage switching are the BSP's concern, not this
// package's.
type BSP interface {
	CardInit() (sectorSize uint, sectorCount uint, err error)
	ReadSectors(dest []byte, startSector, count uint) error
	WriteSectors(src []byte, startSector, count uint) error
	CardPresent() bool
}

// Config wires a Driver to its BSP.
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

// New is a device.Factory for the "sd" driver family.
func New(unit uint) device.Driver {
	return &Driver{unit: unit}
}

func (d *Driver) NameGet() string { return "sd" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.ErrAlreadyInProgress.WithMessage("sd card already open")
	}
	sdCfg, ok := cfg.(Config)
	if !ok || sdCfg.BSP == nil {
		return errors.ErrInvalidConfiguration.WithMessage("sd.Open requires a sd.Config with a BSP")
	}
	if !sdCfg.BSP.CardPresent() {
		return errors.ErrNotPresent
	}

	sectorSize, sectorCount, err := sdCfg.BSP.CardInit()
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	d.bsp = sdCfg.BSP
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
	d.open = false
	d.bsp = nil
	return nil
}

func (d *Driver) Read(dest []byte, start uint, count uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	if !d.bsp.CardPresent() {
		return errors.ErrNotPresent
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
	if !d.bsp.CardPresent() {
		return errors.ErrNotPresent
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
	return device.Query{SectorSize: d.sectorSize, SectorCount: d.sectorCount, Fixed: false}, nil
}

func (d *Driver) Ioctl(op device.IoctlOp, arg any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errors.ErrNotOpen
	}
	switch op {
	case device.IoctlRefresh:
		if !d.bsp.CardPresent() {
			return nil, errors.ErrNotPresent
		}
		return nil, nil
	default:
		return nil, errors.ErrNotSupported
	}
}
