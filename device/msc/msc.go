// Package msc implements device.Driver over a USB Mass Storage Class device,
// delegating the actual Bulk-Only Transport (CBW/CSW, SCSI READ(10)/WRITE(10))
// to a caller-supplied BSP, same division as package sd and package ide.
// USB enumeration/host-controller state lives entirely in the BSP; this
// package only turns whole-sector Read/Write into the BSP's SCSI calls and
// maps transport failures onto the suite's error taxonomy.
package msc

import (
	"sync"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
)

// BSP is the narrow capability interface a USB host-controller driver
// implements to back an msc.Driver.
type BSP interface {
	Inquiry() (sectorSize uint, sectorCount uint, err error)
	Read10(dest []byte, startLBA, count uint) error
	Write10(src []byte, startLBA, count uint) error
	DevicePresent() bool
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

// New is a device.Factory for the "msc" driver family.
func New(unit uint) device.Driver {
	return &Driver{unit: unit}
}

func (d *Driver) NameGet() string { return "msc" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return errors.ErrAlreadyInProgress.WithMessage("msc device already open")
	}
	mscCfg, ok := cfg.(Config)
	if !ok || mscCfg.BSP == nil {
		return errors.ErrInvalidConfiguration.WithMessage("msc.Open requires a msc.Config with a BSP")
	}
	if !mscCfg.BSP.DevicePresent() {
		return errors.ErrNotPresent
	}

	sectorSize, sectorCount, err := mscCfg.BSP.Inquiry()
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	d.bsp = mscCfg.BSP
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
	if !d.bsp.DevicePresent() {
		return errors.ErrNotPresent
	}
	if err := device.CheckIOBounds(start, count, d.sectorSize, d.sectorCount, len(dest)); err != nil {
		return err
	}
	return d.bsp.Read10(dest, start, count)
}

func (d *Driver) Write(src []byte, start uint, count uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	if !d.bsp.DevicePresent() {
		return errors.ErrNotPresent
	}
	if err := device.CheckIOBounds(start, count, d.sectorSize, d.sectorCount, len(src)); err != nil {
		return err
	}
	return d.bsp.Write10(src, start, count)
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
		if !d.bsp.DevicePresent() {
			return nil, errors.ErrNotPresent
		}
		return nil, nil
	default:
		return nil, errors.ErrNotSupported
	}
}
