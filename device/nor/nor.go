// Package nor implements device.Driver over a simulated raw NOR flash chip:
// byte-addressable reads, bitwise-AND-only writes (the NOR write rule — a
// write can only clear bits, never set them, until the containing erase
// block is erased), and whole-erase-block erase. Logical layout (the
// append-only record log, garbage collection, wear leveling) lives in
// package ftlnor, mirroring the physical/logical split drawn
// between drivers/common/blockmanager.go and file_systems/*.
package nor

import (
	"sync"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
)

// Config describes the simulated chip's geometry.
type Config struct {
	EraseBlockSize  uint
	EraseBlockCount uint
}

// PhysPageIO addresses a byte range within one erase block for
// IoctlPhysPageRead/Write (NOR has no intrinsic "page", but the Driver
// contract names the opcode generically across media).
type PhysPageIO struct {
	Block  uint
	Offset uint
	Data   []byte
}

type PhysBlockErase struct {
	Block uint
}

type Driver struct {
	unit uint

	mu     sync.Mutex
	open   bool
	cfg    Config
	blocks [][]byte
}

// New is a device.Factory for the "nor" driver family.
func New(unit uint) device.Driver {
	return &Driver{unit: unit}
}

func (d *Driver) NameGet() string { return "nor" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return errors.ErrAlreadyInProgress.WithMessage("nor chip already open")
	}
	norCfg, ok := cfg.(Config)
	if !ok {
		return errors.ErrInvalidConfiguration.WithMessage("nor.Open requires a nor.Config")
	}
	if norCfg.EraseBlockSize == 0 || norCfg.EraseBlockCount == 0 {
		return errors.ErrInvalidConfiguration.WithMessage("erase block size and count must be nonzero")
	}

	blocks := make([][]byte, norCfg.EraseBlockCount)
	for i := range blocks {
		blocks[i] = make([]byte, norCfg.EraseBlockSize)
		for b := range blocks[i] {
			blocks[i][b] = 0xFF
		}
	}

	d.cfg = norCfg
	d.blocks = blocks
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
	d.blocks = nil
	return nil
}

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
		SectorSize:  d.cfg.EraseBlockSize,
		SectorCount: d.cfg.EraseBlockCount,
		Fixed:       true,
	}, nil
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
		if io.Block >= d.cfg.EraseBlockCount {
			return nil, errors.ErrArgumentOutOfRange
		}
		end := io.Offset + uint(len(io.Data))
		if end > d.cfg.EraseBlockSize {
			return nil, errors.ErrArgumentOutOfRange.WithMessage("read extends past end of erase block")
		}
		copy(io.Data, d.blocks[io.Block][io.Offset:end])
		return nil, nil

	case device.IoctlPhysPageWrite:
		io, ok := arg.(*PhysPageIO)
		if !ok {
			return nil, errors.ErrInvalidArgument
		}
		if io.Block >= d.cfg.EraseBlockCount {
			return nil, errors.ErrArgumentOutOfRange
		}
		end := io.Offset + uint(len(io.Data))
		if end > d.cfg.EraseBlockSize {
			return nil, errors.ErrArgumentOutOfRange.WithMessage("write extends past end of erase block")
		}
		dst := d.blocks[io.Block][io.Offset:end]
		for i, b := range io.Data {
			// NOR write rule: only bits that are 1 can be cleared to 0.
			dst[i] &= b
		}
		return nil, nil

	case device.IoctlPhysBlockErase:
		eraseArg, ok := arg.(*PhysBlockErase)
		if !ok {
			return nil, errors.ErrInvalidArgument
		}
		if eraseArg.Block >= d.cfg.EraseBlockCount {
			return nil, errors.ErrArgumentOutOfRange
		}
		block := d.blocks[eraseArg.Block]
		for i := range block {
			block[i] = 0xFF
		}
		return nil, nil

	case device.IoctlRefresh:
		return nil, nil

	default:
		return nil, errors.ErrNotSupported
	}
}
