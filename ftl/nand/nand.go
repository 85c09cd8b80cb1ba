// Package ftlnand implements the logical layer of the NAND flash
// translation layer: each logical block maps to a
// physical data block plus an optional update block that absorbs rewrites
// until it's full, at which point the two fold into a fresh data block.
// Bad blocks (device/nand's simulated defect map) are skipped by the
// wear-leveling allocator, which always prefers the free block with the
// lowest erase count, same bounded-spread policy as ftl/nor.
//
// Grounded on device/nand.go's physical/logical split (its package comment
// names ftlnand as the consumer) and the prior implementation's drivers/common/
// blockmanager.go "physical pool, logical layout owned by the driver"
// division. ECC is a pluggable capability (ecc.go).
package ftlnand

import (
	"encoding/binary"
	stderrors "errors"

	"github.com/go-restruct/restruct"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/nand"
	"github.com/ucfs/ucfs/errors"
)

const blockMagic = 0x4e414e44 // "NAND"

type blockRole uint8

const (
	roleFree blockRole = iota
	roleData
	roleUpdate
)

// blockMeta is persisted in physical page 0's spare area of every block
// that's ever been written.
type blockMeta struct {
	Magic        uint32
	Role         uint8
	Reserved     [3]uint8
	LogicalBlock uint32
	EraseCount   uint32
}

// pageMeta is persisted in every page's spare area: which logical page this
// physical page currently holds (only meaningful within an update block;
// a data block's physical page index always equals its logical page) and
// whether the page has been written since the block was last erased.
type pageMeta struct {
	LogicalPage uint16
	Valid       uint8
	Reserved    uint8
}

func blockMetaSize() int {
	raw, _ := restruct.Pack(binary.LittleEndian, &blockMeta{})
	return len(raw)
}

func pageMetaSize() int {
	raw, _ := restruct.Pack(binary.LittleEndian, &pageMeta{})
	return len(raw)
}

// Config configures one ftlnand.Driver instance.
type Config struct {
	Phys      nand.Config
	SpareSize uint // bytes at the tail of each page reserved for metadata+ECC
	ECC       ECC  // nil disables ECC checking
}

type physBlockMeta struct {
	role       blockRole
	eraseCount uint32
	bad        bool
}

type logicalBlockState struct {
	dataBlock    int // -1 if never written
	updateBlock  int // -1 if no update block allocated
	updateUsed   uint
	updateSlotOf map[uint]uint // logical page -> slot within update block
}

// Driver implements device.Driver as the logical NAND FTL.
type Driver struct {
	unit        uint
	physFactory device.Factory
	phys        device.Driver
	physNand    *nand.Driver

	cfg        Config
	dataSize   uint // bytes of user payload per page
	mounted    bool

	free    []int // physical block indices with role==roleFree, bad excluded
	physMeta []physBlockMeta
	logical []logicalBlockState // one per logical block (== physical block count, conservatively)
}

// NewFactory returns a device.Factory for the "ftlnand" driver family.
func NewFactory(physFactory device.Factory) device.Factory {
	return func(unit uint) device.Driver {
		return &Driver{unit: unit, physFactory: physFactory}
	}
}

func (d *Driver) NameGet() string { return "ftlnand" }

func (d *Driver) Init() error { return nil }

func (d *Driver) Open(cfgArg any) error {
	cfg, ok := cfgArg.(Config)
	if !ok {
		return errors.ErrInvalidConfiguration.WithMessage("ftlnand.Open requires a ftlnand.Config")
	}
	meta := uint(pageMetaSize())
	if cfg.ECC != nil {
		meta += uint(cfg.ECC.ParitySize())
	}
	if cfg.SpareSize < meta {
		return errors.ErrInvalidConfiguration.WithMessage("spare area too small for page metadata and ECC parity")
	}
	if cfg.Phys.PageSize <= cfg.SpareSize {
		return errors.ErrInvalidConfiguration.WithMessage("page size must exceed spare size")
	}

	phys := d.physFactory(d.unit)
	if err := phys.Init(); err != nil {
		return err
	}
	if err := phys.Open(cfg.Phys); err != nil {
		return err
	}
	physNand, _ := phys.(*nand.Driver)

	d.phys = phys
	d.physNand = physNand
	d.cfg = cfg
	d.dataSize = cfg.Phys.PageSize - cfg.SpareSize
	d.physMeta = make([]physBlockMeta, cfg.Phys.BlockCount)
	// Reserve a fraction of physical blocks as headroom for update blocks:
	// every logical block can have one data block *and* one update block
	// live at once, so the logical block count must leave enough spare
	// physical blocks for that, not claim the whole physical pool.
	reserved := cfg.Phys.BlockCount / 10
	if reserved < 1 {
		reserved = 1
	}
	if reserved >= cfg.Phys.BlockCount {
		reserved = cfg.Phys.BlockCount - 1
	}
	d.logical = make([]logicalBlockState, cfg.Phys.BlockCount-reserved)
	for i := range d.logical {
		d.logical[i] = logicalBlockState{dataBlock: -1, updateBlock: -1, updateSlotOf: map[uint]uint{}}
	}
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

func (d *Driver) Query() (device.Query, error) {
	if d.phys == nil {
		return device.Query{}, errors.ErrNotOpen
	}
	return device.Query{
		SectorSize:  d.dataSize,
		SectorCount: uint(len(d.logical)) * d.cfg.Phys.PagesPerBlock,
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

// logicalToBlockPage splits a flat logical sector number into (logical
// block, page within block).
func (d *Driver) logicalToBlockPage(sector uint) (uint, uint) {
	return sector / d.cfg.Phys.PagesPerBlock, sector % d.cfg.Phys.PagesPerBlock
}

func (d *Driver) Read(dest []byte, start uint, count uint) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if err := device.CheckIOBounds(start, count, d.dataSize, uint(len(d.logical))*d.cfg.Phys.PagesPerBlock, len(dest)); err != nil {
		return err
	}
	for i := uint(0); i < count; i++ {
		lb, lp := d.logicalToBlockPage(start + i)
		buf := dest[i*d.dataSize : (i+1)*d.dataSize]
		if err := d.readPage(lb, lp, buf); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) Write(src []byte, start uint, count uint) error {
	if err := d.requireMounted(); err != nil {
		return err
	}
	if err := device.CheckIOBounds(start, count, d.dataSize, uint(len(d.logical))*d.cfg.Phys.PagesPerBlock, len(src)); err != nil {
		return err
	}
	for i := uint(0); i < count; i++ {
		lb, lp := d.logicalToBlockPage(start + i)
		buf := src[i*d.dataSize : (i+1)*d.dataSize]
		if err := d.writePage(lb, lp, buf); err != nil {
			return err
		}
	}
	return nil
}

// readPage resolves lb/lp to a physical (block, page), reads it, and runs
// ECC over the payload if configured.
func (d *Driver) readPage(lb, lp uint, dest []byte) error {
	if int(lb) >= len(d.logical) {
		return errors.ErrArgumentOutOfRange
	}
	st := &d.logical[lb]

	physBlock := -1
	if slot, ok := st.updateSlotOf[lp]; ok {
		physBlock = st.updateBlock
		return d.readPhysPage(uint(physBlock), slot, dest)
	}
	if st.dataBlock < 0 {
		for i := range dest {
			dest[i] = 0xFF
		}
		return nil
	}
	physBlock = st.dataBlock
	return d.readPhysPage(uint(physBlock), lp, dest)
}

// readPhysPage reads one physical page's data portion and checks/repairs it
// with ECC, using the page's own spare-area parity.
func (d *Driver) readPhysPage(block, page uint, dest []byte) error {
	raw := make([]byte, d.cfg.Phys.PageSize)
	if err := d.physReadRaw(block, page, raw); err != nil {
		return err
	}
	copy(dest, raw[:d.dataSize])

	if d.cfg.ECC == nil {
		return nil
	}
	parityOff := d.dataSize + uint(pageMetaSize())
	parity := raw[parityOff : parityOff+uint(d.cfg.ECC.ParitySize())]
	err := d.cfg.ECC.Decode(dest, parity)
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errors.ErrECCCorrected):
		return err // advisory: caller may treat as success
	default:
		return err
	}
}

// writePage resolves lb/lp, allocating a data or update block as needed,
// folding the update block into a fresh data block first if it's full.
func (d *Driver) writePage(lb, lp uint, data []byte) error {
	if int(lb) >= len(d.logical) {
		return errors.ErrArgumentOutOfRange
	}
	st := &d.logical[lb]

	if st.updateBlock < 0 {
		blk, err := d.allocFreeBlock()
		if err != nil {
			return err
		}
		st.updateBlock = blk
		st.updateUsed = 0
		st.updateSlotOf = map[uint]uint{}
		if err := d.writeBlockMeta(uint(blk), roleUpdate, uint32(lb)); err != nil {
			return err
		}
	} else if st.updateUsed >= d.cfg.Phys.PagesPerBlock {
		if err := d.fold(lb); err != nil {
			return err
		}
		return d.writePage(lb, lp, data)
	}

	slot := st.updateUsed
	if existing, ok := st.updateSlotOf[lp]; ok {
		// Re-write of a page already superseded within this update block:
		// NAND can't rewrite a page in place, so it still consumes a fresh
		// slot; the old slot becomes dead weight reclaimed at the next fold.
		_ = existing
		slot = st.updateUsed
	}

	if err := d.writePhysPage(uint(st.updateBlock), slot, uint16(lp), data); err != nil {
		return err
	}
	st.updateSlotOf[lp] = slot
	st.updateUsed++
	return nil
}

// writePhysPage writes one physical page's data portion plus its spare
// metadata and (if configured) ECC parity, in a single call.
func (d *Driver) writePhysPage(block, page uint, logicalPage uint16, data []byte) error {
	raw := make([]byte, d.cfg.Phys.PageSize)
	copy(raw, data)

	pm := pageMeta{LogicalPage: logicalPage, Valid: 1}
	pmRaw, err := restruct.Pack(binary.LittleEndian, &pm)
	if err != nil {
		return errors.ErrInvalidArgument.WrapError(err)
	}
	copy(raw[d.dataSize:], pmRaw)

	if d.cfg.ECC != nil {
		parity := d.cfg.ECC.Encode(data)
		copy(raw[d.dataSize+uint(len(pmRaw)):], parity)
	}

	return d.physWriteRaw(block, page, raw)
}

func (d *Driver) writeBlockMeta(block uint, role blockRole, logicalBlock uint32) error {
	bm := blockMeta{Magic: blockMagic, Role: uint8(role), LogicalBlock: logicalBlock, EraseCount: d.physMeta[block].eraseCount}
	raw, err := restruct.Pack(binary.LittleEndian, &bm)
	if err != nil {
		return errors.ErrInvalidArgument.WrapError(err)
	}
	page0 := make([]byte, d.cfg.Phys.PageSize)
	copy(page0[d.dataSize:], raw)
	d.physMeta[block].role = role
	return d.physWriteRaw(block, 0, page0)
}

// fold merges a logical block's data+update blocks into a fresh data block,
// then frees both originals on update-block overflow.
func (d *Driver) fold(lb uint) error {
	st := &d.logical[lb]
	fresh, err := d.allocFreeBlock()
	if err != nil {
		return err
	}

	// The block meta goes to page 0 before the pages are copied, as in
	// writePage, so the page-0 copy below replaces its zeroed data.
	if err := d.writeBlockMeta(uint(fresh), roleData, uint32(lb)); err != nil {
		return err
	}

	buf := make([]byte, d.dataSize)
	for p := uint(0); p < d.cfg.Phys.PagesPerBlock; p++ {
		if err := d.readPage(lb, p, buf); err != nil && !isECCAdvisory(err) {
			return err
		}
		if st.dataBlock < 0 {
			if _, ok := st.updateSlotOf[p]; !ok {
				continue // never written anywhere: leave erased
			}
		}
		if err := d.writePhysPage(uint(fresh), p, uint16(p), buf); err != nil {
			return err
		}
	}
	old := []int{}
	if st.dataBlock >= 0 {
		old = append(old, st.dataBlock)
	}
	if st.updateBlock >= 0 {
		old = append(old, st.updateBlock)
	}
	for _, b := range old {
		if err := d.eraseBlock(uint(b)); err != nil {
			return err
		}
	}

	st.dataBlock = fresh
	st.updateBlock = -1
	st.updateUsed = 0
	st.updateSlotOf = map[uint]uint{}
	return nil
}

func isECCAdvisory(err error) bool {
	return stderrors.Is(err, errors.ErrECCCorrected)
}

// allocFreeBlock pops the free block with the lowest erase count, skipping
// bad blocks, same bounded wear-leveling policy as ftl/nor.
func (d *Driver) allocFreeBlock() (int, error) {
	best := -1
	bestIdx := -1
	for i, b := range d.free {
		if d.physMeta[b].bad {
			continue
		}
		if best < 0 || d.physMeta[b].eraseCount < d.physMeta[best].eraseCount {
			best = b
			bestIdx = i
		}
	}
	if best < 0 {
		return -1, errors.ErrDeviceFull.WithMessage("no free NAND block available")
	}
	d.free = append(d.free[:bestIdx], d.free[bestIdx+1:]...)
	return best, nil
}

func (d *Driver) eraseBlock(block uint) error {
	if err := d.physEraseRaw(block); err != nil {
		if d.physNand != nil {
			_ = d.physNand.MarkBad(block)
			d.physMeta[block].bad = true
		}
		return err
	}
	d.physMeta[block].eraseCount++
	d.physMeta[block].role = roleFree
	d.free = append(d.free, int(block))
	return nil
}

func (d *Driver) physReadRaw(block, page uint, dest []byte) error {
	_, err := d.phys.Ioctl(device.IoctlPhysPageRead, &nand.PhysPageIO{Block: block, Page: page, Data: dest})
	return err
}

func (d *Driver) physWriteRaw(block, page uint, data []byte) error {
	_, err := d.phys.Ioctl(device.IoctlPhysPageWrite, &nand.PhysPageIO{Block: block, Page: page, Data: data})
	return err
}

func (d *Driver) physEraseRaw(block uint) error {
	_, err := d.phys.Ioctl(device.IoctlPhysBlockErase, &nand.PhysBlockErase{Block: block})
	return err
}

// lowLevelFormat erases every non-bad block and resets all mapping state.
func (d *Driver) lowLevelFormat() error {
	d.free = nil
	for i := range d.physMeta {
		if d.physNand != nil && d.physNand.IsBad(uint(i)) {
			d.physMeta[i].bad = true
			continue
		}
		if err := d.physEraseRaw(uint(i)); err != nil {
			d.physMeta[i].bad = true
			if d.physNand != nil {
				_ = d.physNand.MarkBad(uint(i))
			}
			continue
		}
		d.physMeta[i] = physBlockMeta{role: roleFree}
		d.free = append(d.free, i)
	}
	for i := range d.logical {
		d.logical[i] = logicalBlockState{dataBlock: -1, updateBlock: -1, updateSlotOf: map[uint]uint{}}
	}
	d.mounted = true
	return nil
}

// lowLevelMount scans every block's page-0 metadata to recover which
// logical block it belongs to and whether it's a data or update block, then
// rescans any update block's pages to recover its logical-page mapping.
func (d *Driver) lowLevelMount() error {
	d.free = nil
	for i := range d.logical {
		d.logical[i] = logicalBlockState{dataBlock: -1, updateBlock: -1, updateSlotOf: map[uint]uint{}}
	}

	for b := range d.physMeta {
		if d.physNand != nil && d.physNand.IsBad(uint(b)) {
			d.physMeta[b].bad = true
			continue
		}
		page0 := make([]byte, d.cfg.Phys.PageSize)
		if err := d.physReadRaw(uint(b), 0, page0); err != nil {
			return err
		}
		var bm blockMeta
		if err := restruct.Unpack(page0[d.dataSize:], binary.LittleEndian, &bm); err != nil {
			return errors.ErrBadSuperblock.WrapError(err)
		}
		if bm.Magic != blockMagic {
			d.physMeta[b] = physBlockMeta{role: roleFree}
			d.free = append(d.free, b)
			continue
		}
		d.physMeta[b].eraseCount = bm.EraseCount
		d.physMeta[b].role = blockRole(bm.Role)

		lb := uint(bm.LogicalBlock)
		if int(lb) >= len(d.logical) {
			continue
		}
		switch blockRole(bm.Role) {
		case roleData:
			d.logical[lb].dataBlock = b
		case roleUpdate:
			d.logical[lb].updateBlock = b
			for p := uint(0); p < d.cfg.Phys.PagesPerBlock; p++ {
				raw := make([]byte, d.cfg.Phys.PageSize)
				if err := d.physReadRaw(uint(b), p, raw); err != nil {
					return err
				}
				var pm pageMeta
				if err := restruct.Unpack(raw[d.dataSize:d.dataSize+uint(pageMetaSize())], binary.LittleEndian, &pm); err != nil {
					break
				}
				if pm.Valid != 1 {
					break
				}
				d.logical[lb].updateSlotOf[uint(pm.LogicalPage)] = p
				d.logical[lb].updateUsed = p + 1
			}
		}
	}

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
		for lb := range d.logical {
			if d.logical[lb].updateBlock >= 0 {
				if err := d.fold(uint(lb)); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	case device.IoctlRefresh:
		return nil, nil
	default:
		return d.phys.Ioctl(op, arg)
	}
}
