// Package ftlnor implements the logical layer of the NOR flash translation
// layer, sitting on top of the physical
// byte-addressable chip package device/nor exposes. Each erase block holds a
// small fixed header followed by an append-only log of fixed-size records;
// a logical sector's current contents are whichever record for that sector
// was written most recently (tracked by a monotonic sequence number, since
// NOR write order isn't otherwise recoverable from block position alone
// once garbage collection has relocated records).
//
// Grounded on the physical/logical split device/nor.go documents in its own
// package comment, and on the prior implementation's drivers/common/blockmanager.go +
// file_systems/* division of "physical block pool" from "logical layout".
// The scratch-buffer batching that builds one block write before a single
// Ioctl call is the same pattern utilities/compression/rle8.go uses
// bytewriter for, reused here instead of hand-rolled offset bookkeeping.
package ftlnor

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/noxer/bytewriter"

	"github.com/ucfs/ucfs/config"
	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/nor"
	"github.com/ucfs/ucfs/errors"
)

const blockMagic = 0x52464e46 // "RFNF" read as a big-endian word; stored little-endian

// blockState is the recovered role of one erase block.
type blockState uint8

const (
	blockFree blockState = iota
	blockActive
	blockFull
)

// blockHeader is the fixed record at offset 0 of every erase block.
type blockHeader struct {
	Magic      uint32
	EraseCount uint32
	State      uint8
	Reserved   [3]uint8
}

// recordHeader precedes each logical sector's payload within a block's log.
type recordHeader struct {
	LogicalSector uint32
	Seq           uint32
	Valid         uint8
	Reserved      [3]uint8
}

func headerSize() uint {
	raw, _ := restruct.Pack(binary.LittleEndian, &blockHeader{})
	return uint(len(raw))
}

func recHeaderSize() uint {
	raw, _ := restruct.Pack(binary.LittleEndian, &recordHeader{})
	return uint(len(raw))
}

// Config configures one ftlnor.Driver instance.
type Config struct {
	Phys       nor.Config
	SectorSize uint
	Wear       config.NORConfig
}

type blockMeta struct {
	state      blockState
	eraseCount uint32
	used       uint // number of record slots written so far, including stale ones
	valid      []bool
}

type mapEntry struct {
	block uint
	slot  uint
	seq   uint32
}

// Driver implements device.Driver as the logical NOR FTL: logical sectors
// in, physical erase-block record log underneath.
type Driver struct {
	unit        uint
	physFactory device.Factory
	phys        device.Driver

	cfg           Config
	recordSize    uint // recHeaderSize + SectorSize
	recordsPerBlk uint
	mounted       bool

	blocks  []blockMeta
	active  int // index into blocks currently being appended to, or -1
	nextSeq uint32
	sectors map[uint32]mapEntry
}

// NewFactory returns a device.Factory for the "ftlnor" driver family,
// wrapping physFactory (normally nor.New) as the physical backing chip.
func NewFactory(physFactory device.Factory) device.Factory {
	return func(unit uint) device.Driver {
		return &Driver{unit: unit, physFactory: physFactory, active: -1}
	}
}

func (d *Driver) NameGet() string { return "ftlnor" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfgArg any) error {
	cfg, ok := cfgArg.(Config)
	if !ok {
		return errors.ErrInvalidConfiguration.WithMessage("ftlnor.Open requires a ftlnor.Config")
	}
	if cfg.SectorSize == 0 {
		return errors.ErrInvalidConfiguration.WithMessage("sector size must be nonzero")
	}
	recSize := recHeaderSize() + cfg.SectorSize
	usable := cfg.Phys.EraseBlockSize - headerSize()
	if usable < recSize {
		return errors.ErrInvalidConfiguration.WithMessage("erase block too small to hold even one record")
	}

	phys := d.physFactory(d.unit)
	if err := phys.Init(); err != nil {
		return err
	}
	if err := phys.Open(cfg.Phys); err != nil {
		return err
	}

	d.phys = phys
	d.cfg = cfg
	d.recordSize = recSize
	d.recordsPerBlk = usable / recSize
	d.blocks = make([]blockMeta, cfg.Phys.EraseBlockCount)
	d.sectors = make(map[uint32]mapEntry)
	return nil
}

func (d *Driver) Close() error {
	if d.phys == nil {
		return errors.ErrNotOpen
	}
	err := d.phys.Close()
	d.phys = nil
	d.mounted = false
	return err
}

// logicalCapacity is how many logical sectors the whole chip can hold if
// every non-reserved block were entirely live data, after setting aside
// config.NORConfig.ReservedPercent of blocks as always-free GC headroom.
func (d *Driver) logicalCapacity() uint {
	total := uint(len(d.blocks))
	reserved := total * uint(d.cfg.Wear.ReservedPercent) / 100
	if reserved < 1 {
		reserved = 1
	}
	if reserved >= total {
		reserved = total - 1
	}
	return (total - reserved) * d.recordsPerBlk
}

func (d *Driver) Query() (device.Query, error) {
	if d.phys == nil {
		return device.Query{}, errors.ErrNotOpen
	}
	return device.Query{
		SectorSize:  d.cfg.SectorSize,
		SectorCount: d.logicalCapacity(),
		Fixed:       true,
	}, nil
}

func (d *Driver) requireMounted() error {
	if d.phys == nil {
		return errors.ErrNotOpen
	}
	if !d.mounted {
		return errors.ErrNotMounted
	}
	return nil
}

func (d *Driver) Read(dest []byte, start uint, count uint) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if err := device.CheckIOBounds(start, count, d.cfg.SectorSize, d.logicalCapacity(), len(dest)); err != nil {
		return err
	}
	for i := uint(0); i < count; i++ {
		buf := dest[i*d.cfg.SectorSize : (i+1)*d.cfg.SectorSize]
		if err := d.readSector(start+i, buf); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) readSector(logical uint, dest []byte) error {
	e, ok := d.sectors[uint32(logical)]
	if !ok {
		// Never written: NOR reads as all-ones.
		for i := range dest {
			dest[i] = 0xFF
		}
		return nil
	}
	off := headerSize() + e.slot*d.recordSize + recHeaderSize()
	return d.physRead(e.block, off, dest)
}

func (d *Driver) Write(src []byte, start uint, count uint) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if err := device.CheckIOBounds(start, count, d.cfg.SectorSize, d.logicalCapacity(), len(src)); err != nil {
		return err
	}
	for i := uint(0); i < count; i++ {
		buf := src[i*d.cfg.SectorSize : (i+1)*d.cfg.SectorSize]
		if err := d.writeSector(start+i, buf); err != nil {
			return err
		}
	}
	return nil
}

// writeSector appends a new record for logical, invalidating whatever
// record previously held it, running GC first if the active block (or lack
// of one) can't hold another record.
func (d *Driver) writeSector(logical uint, data []byte) error {
	if d.active < 0 || d.blocks[d.active].used >= d.recordsPerBlk {
		if err := d.rotateActiveBlock(); err != nil {
			return err
		}
	}

	blk := uint(d.active)
	slot := d.blocks[d.active].used
	seq := d.nextSeq
	d.nextSeq++

	if err := d.writeRecord(blk, slot, uint32(logical), seq, data); err != nil {
		return err
	}
	d.blocks[d.active].used++
	d.blocks[d.active].valid[slot] = true

	if old, ok := d.sectors[uint32(logical)]; ok {
		d.blocks[old.block].valid[old.slot] = false
	}
	d.sectors[uint32(logical)] = mapEntry{block: blk, slot: slot, seq: seq}

	if d.blocks[d.active].used >= d.recordsPerBlk {
		d.blocks[d.active].state = blockFull
		d.active = -1
	}
	return nil
}

// writeRecord builds the header+payload for one record in a scratch buffer
// (bytewriter, same batching idiom the prior implementation's RLE codec uses) and issues
// it as a single physical page write.
func (d *Driver) writeRecord(block, slot uint, logical, seq uint32, data []byte) error {
	rh := recordHeader{LogicalSector: logical, Seq: seq, Valid: 1}
	raw, err := restruct.Pack(binary.LittleEndian, &rh)
	if err != nil {
		return errors.ErrInvalidArgument.WrapError(err)
	}

	scratch := make([]byte, uint(len(raw))+uint(len(data)))
	w := bytewriter.New(scratch)
	if _, err := w.Write(raw); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if _, err := w.Write(data); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	off := headerSize() + slot*d.recordSize
	return d.physWrite(block, off, scratch)
}

func (d *Driver) physRead(block, offset uint, dest []byte) error {
	_, err := d.phys.Ioctl(device.IoctlPhysPageRead, &nor.PhysPageIO{Block: block, Offset: offset, Data: dest})
	return err
}

func (d *Driver) physWrite(block, offset uint, data []byte) error {
	_, err := d.phys.Ioctl(device.IoctlPhysPageWrite, &nor.PhysPageIO{Block: block, Offset: offset, Data: data})
	return err
}

func (d *Driver) physErase(block uint) error {
	_, err := d.phys.Ioctl(device.IoctlPhysBlockErase, &nor.PhysBlockErase{Block: block})
	return err
}

// rotateActiveBlock picks the next block to append to: the free block with
// the lowest erase count (bounded wear leveling), running
// GC first if no free block exists.
func (d *Driver) rotateActiveBlock() error {
	idx := d.pickFreeBlock()
	if idx < 0 {
		if err := d.garbageCollect(); err != nil {
			return err
		}
		idx = d.pickFreeBlock()
		if idx < 0 {
			return errors.ErrDeviceFull.WithMessage("no free NOR block after garbage collection")
		}
	}
	d.blocks[idx].state = blockActive
	d.blocks[idx].used = 0
	d.blocks[idx].valid = make([]bool, d.recordsPerBlk)
	d.active = idx
	return d.writeBlockHeader(uint(idx))
}

func (d *Driver) pickFreeBlock() int {
	best := -1
	for i := range d.blocks {
		if d.blocks[i].state != blockFree {
			continue
		}
		if best < 0 || d.blocks[i].eraseCount < d.blocks[best].eraseCount {
			best = i
		}
	}
	return best
}

func (d *Driver) writeBlockHeader(block uint) error {
	hdr := blockHeader{Magic: blockMagic, EraseCount: d.blocks[block].eraseCount, State: uint8(blockActive)}
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return errors.ErrInvalidArgument.WrapError(err)
	}
	return d.physWrite(block, 0, raw)
}

// garbageCollect reclaims the block with the most invalid records,
// relocating its still-live records into whatever block rotateActiveBlock
// would otherwise have used next.
func (d *Driver) garbageCollect() error {
	victim := d.pickGCVictim()
	if victim < 0 {
		return errors.ErrDeviceFull.WithMessage("no reclaimable NOR block")
	}

	for slot := uint(0); slot < d.blocks[victim].used; slot++ {
		if !d.blocks[victim].valid[slot] {
			continue
		}
		logical := d.logicalAt(uint(victim), slot)
		data := make([]byte, d.cfg.SectorSize)
		if err := d.readSector(uint(logical), data); err != nil {
			return err
		}
		// Relocate directly rather than through writeSector, to avoid
		// recursing into another GC pass mid-reclaim.
		if d.active < 0 || d.blocks[d.active].used >= d.recordsPerBlk {
			idx := d.pickFreeBlock()
			if idx < 0 {
				return errors.ErrDeviceFull.WithMessage("no free block to relocate into during GC")
			}
			d.blocks[idx].state = blockActive
			d.blocks[idx].used = 0
			d.blocks[idx].valid = make([]bool, d.recordsPerBlk)
			d.active = idx
			if err := d.writeBlockHeader(uint(idx)); err != nil {
				return err
			}
		}
		if err := d.writeSector(uint(logical), data); err != nil {
			return err
		}
	}

	d.blocks[victim].state = blockFree
	d.blocks[victim].used = 0
	d.blocks[victim].valid = nil
	d.blocks[victim].eraseCount++
	return d.physErase(uint(victim))
}

func (d *Driver) logicalAt(block, slot uint) uint32 {
	for logical, e := range d.sectors {
		if e.block == block && e.slot == slot {
			return logical
		}
	}
	return 0
}

// pickGCVictim finds the full (or non-active) block with the most invalid
// records. If the spread between it and the least-worn block exceeds
// config.NORConfig.EraseCountDiffThreshold, a fully-valid but low-erase-count
// block is preferred instead, forcing it back into rotation (static wear
// leveling) rather than always reclaiming the same few hot blocks.
func (d *Driver) pickGCVictim() int {
	best := -1
	bestInvalid := -1
	minErase, maxErase := ^uint32(0), uint32(0)
	for i := range d.blocks {
		if d.blocks[i].state == blockFree || i == d.active {
			continue
		}
		if d.blocks[i].eraseCount < minErase {
			minErase = d.blocks[i].eraseCount
		}
		if d.blocks[i].eraseCount > maxErase {
			maxErase = d.blocks[i].eraseCount
		}
		invalid := int(d.blocks[i].used) - countValid(d.blocks[i].valid)
		if invalid > bestInvalid {
			bestInvalid = invalid
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	if maxErase-minErase > d.cfg.Wear.EraseCountDiffThreshold {
		for i := range d.blocks {
			if d.blocks[i].state == blockFree || i == d.active {
				continue
			}
			if d.blocks[i].eraseCount == minErase {
				return i
			}
		}
	}
	return best
}

func countValid(v []bool) int {
	n := 0
	for _, b := range v {
		if b {
			n++
		}
	}
	return n
}

// lowLevelFormat erases every block and resets all bookkeeping, discarding
// any existing logical-to-physical mapping.
func (d *Driver) lowLevelFormat() error {
	for i := range d.blocks {
		if err := d.physErase(uint(i)); err != nil {
			return err
		}
		d.blocks[i] = blockMeta{state: blockFree}
	}
	d.sectors = make(map[uint32]mapEntry)
	d.active = -1
	d.nextSeq = 0
	d.mounted = true
	return nil
}

// lowLevelMount scans every block's header and record log, reconstructing
// the logical sector map by keeping, per logical sector, the record with
// the highest sequence number seen anywhere on the chip.
func (d *Driver) lowLevelMount() error {
	d.sectors = make(map[uint32]mapEntry)
	d.active = -1
	var maxSeq uint32

	for b := range d.blocks {
		raw := make([]byte, headerSize())
		if err := d.physRead(uint(b), 0, raw); err != nil {
			return err
		}
		var hdr blockHeader
		if err := restruct.Unpack(raw, binary.LittleEndian, &hdr); err != nil {
			return errors.ErrBadSuperblock.WrapError(err)
		}
		if hdr.Magic != blockMagic {
			d.blocks[b] = blockMeta{state: blockFree}
			continue
		}
		d.blocks[b].eraseCount = hdr.EraseCount

		used := uint(0)
		valid := make([]bool, d.recordsPerBlk)
		for slot := uint(0); slot < d.recordsPerBlk; slot++ {
			off := headerSize() + slot*d.recordSize
			rhRaw := make([]byte, recHeaderSize())
			if err := d.physRead(uint(b), off, rhRaw); err != nil {
				return err
			}
			var rh recordHeader
			if err := restruct.Unpack(rhRaw, binary.LittleEndian, &rh); err != nil {
				break
			}
			if rh.Valid != 1 {
				break // first never-written slot; rest of block is free
			}
			used++
			if existing, ok := d.sectors[rh.LogicalSector]; !ok || rh.Seq > existing.seq {
				if ok && existing.block == uint(b) {
					valid[existing.slot] = false
				} else if ok {
					d.blocks[existing.block].valid[existing.slot] = false
				}
				d.sectors[rh.LogicalSector] = mapEntry{block: uint(b), slot: slot, seq: rh.Seq}
				valid[slot] = true
			}
			if rh.Seq > maxSeq {
				maxSeq = rh.Seq
			}
		}
		d.blocks[b].used = used
		d.blocks[b].valid = valid
		if used >= d.recordsPerBlk {
			d.blocks[b].state = blockFull
		} else if used > 0 {
			d.blocks[b].state = blockActive
			d.active = b
		} else {
			d.blocks[b].state = blockFree
		}
	}

	d.nextSeq = maxSeq + 1
	d.mounted = true
	return nil
}

func (d *Driver) Ioctl(op device.IoctlOp, arg any) (any, error) {
	if d.phys == nil {
		return nil, errors.ErrNotOpen
	}
	switch op {
	case device.IoctlLowLevelFormat:
		return nil, d.lowLevelFormat()
	case device.IoctlLowLevelMount:
		return nil, d.lowLevelMount()
	case device.IoctlLowLevelUnmount:
		d.mounted = false
		return nil, nil
	case device.IoctlCompact:
		return nil, d.garbageCollect()
	case device.IoctlRefresh:
		return nil, nil
	default:
		return d.phys.Ioctl(op, arg)
	}
}
