// Package nand implements device.Driver over a simulated raw NAND chip:
// page-granularity read/write, block-granularity erase, and a bad-block
// table. It exposes only physical primitives;
// the logical block mapping, wear leveling and ECC live in package ftlnand,
// same division of labor as the prior implementation's drivers/common/blockmanager.go
// (physical block pool) versus file_systems/* (logical layout).
package nand

import (
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
)

// Config describes the simulated chip's geometry, mirroring
// config.NANDPartConfig's static fields.
type Config struct {
	PageSize      uint
	PagesPerBlock uint
	BlockCount    uint
}

// PhysPageIO is the arg/result type for IoctlPhysPageRead/Write: a page is
// addressed by (block, page-within-block).
type PhysPageIO struct {
	Block uint
	Page  uint
	Data  []byte
}

// PhysBlockErase is the arg type for IoctlPhysBlockErase.
type PhysBlockErase struct {
	Block uint
}

type Driver struct {
	unit uint

	mu     sync.Mutex
	open   bool
	cfg    Config
	pages  [][]byte // [block*pagesPerBlock+page][pageSize]byte
	badMap bitmap.Bitmap
}

// New is a device.Factory for the "nand" driver family.
func New(unit uint) device.Driver {
	return &Driver{unit: unit}
}

func (d *Driver) NameGet() string { return "nand" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return errors.ErrAlreadyInProgress.WithMessage("nand chip already open")
	}
	nandCfg, ok := cfg.(Config)
	if !ok {
		return errors.ErrInvalidConfiguration.WithMessage("nand.Open requires a nand.Config")
	}
	if nandCfg.PageSize == 0 || nandCfg.PagesPerBlock == 0 || nandCfg.BlockCount == 0 {
		return errors.ErrInvalidConfiguration.WithMessage("page size, pages/block and block count must be nonzero")
	}

	totalPages := nandCfg.PagesPerBlock * nandCfg.BlockCount
	pages := make([][]byte, totalPages)
	for i := range pages {
		pages[i] = make([]byte, nandCfg.PageSize)
		for b := range pages[i] {
			pages[i][b] = 0xFF // erased NAND reads as all-ones
		}
	}

	d.cfg = nandCfg
	d.pages = pages
	d.badMap = bitmap.NewSlice(int(nandCfg.BlockCount))
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
	d.pages = nil
	return nil
}

// Read is unused directly; NAND I/O goes through Ioctl's Phys* opcodes since
// reads/writes are page-granular, not sector-granular, until ftlnand imposes
// a logical sector mapping on top.
func (d *Driver) Read(dest []byte, start uint, count uint) error {
	return errors.ErrNotSupported.WithMessage("use IoctlPhysPageRead")
}

func (d *Driver) Write(src []byte, start uint, count uint) error {
	return errors.ErrNotSupported.WithMessage("use IoctlPhysPageWrite")
}

func (d *Driver) Query() (device.Query, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return device.Query{}, errors.ErrNotOpen
	}
	return device.Query{
		SectorSize:  d.cfg.PageSize,
		SectorCount: d.cfg.PagesPerBlock * d.cfg.BlockCount,
		Fixed:       true,
	}, nil
}

func (d *Driver) pageIndex(block, page uint) (int, error) {
	if block >= d.cfg.BlockCount {
		return 0, errors.ErrArgumentOutOfRange.WithMessage("block out of range")
	}
	if page >= d.cfg.PagesPerBlock {
		return 0, errors.ErrArgumentOutOfRange.WithMessage("page out of range")
	}
	return int(block*d.cfg.PagesPerBlock + page), nil
}

func (d *Driver) Ioctl(op device.IoctlOp, arg any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errors.ErrNotOpen
	}

	switch op {
	case device.IoctlPhysPageRead:
		io, ok := arg.(*PhysPageIO)
		if !ok {
			return nil, errors.ErrInvalidArgument
		}
		idx, err := d.pageIndex(io.Block, io.Page)
		if err != nil {
			return nil, err
		}
		if d.badMap.Get(int(io.Block)) {
			return nil, errors.ErrIOFailed.WithMessage("read from bad block")
		}
		if len(io.Data) != int(d.cfg.PageSize) {
			return nil, errors.ErrInvalidArgument.WithMessage("data buffer must be one page")
		}
		copy(io.Data, d.pages[idx])
		return nil, nil

	case device.IoctlPhysPageWrite:
		io, ok := arg.(*PhysPageIO)
		if !ok {
			return nil, errors.ErrInvalidArgument
		}
		idx, err := d.pageIndex(io.Block, io.Page)
		if err != nil {
			return nil, err
		}
		if d.badMap.Get(int(io.Block)) {
			return nil, errors.ErrIOFailed.WithMessage("write to bad block")
		}
		if len(io.Data) != int(d.cfg.PageSize) {
			return nil, errors.ErrInvalidArgument.WithMessage("data buffer must be one page")
		}
		copy(d.pages[idx], io.Data)
		return nil, nil

	case device.IoctlPhysBlockErase:
		eraseArg, ok := arg.(*PhysBlockErase)
		if !ok {
			return nil, errors.ErrInvalidArgument
		}
		if eraseArg.Block >= d.cfg.BlockCount {
			return nil, errors.ErrArgumentOutOfRange
		}
		if d.badMap.Get(int(eraseArg.Block)) {
			return nil, errors.ErrIOFailed.WithMessage("erase of bad block")
		}
		base := int(eraseArg.Block * d.cfg.PagesPerBlock)
		for p := 0; p < int(d.cfg.PagesPerBlock); p++ {
			page := d.pages[base+p]
			for i := range page {
				page[i] = 0xFF
			}
		}
		return nil, nil

	case device.IoctlRefresh:
		return nil, nil

	default:
		return nil, errors.ErrNotSupported
	}
}

// MarkBad flags a block as bad, removing it from future allocation by
// ftlnand's bad-block-aware allocator.
func (d *Driver) MarkBad(block uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.ErrNotOpen
	}
	if block >= d.cfg.BlockCount {
		return errors.ErrArgumentOutOfRange
	}
	d.badMap.Set(int(block), true)
	return nil
}

func (d *Driver) IsBad(block uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badMap.Get(int(block))
}
