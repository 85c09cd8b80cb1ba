// Package cache implements the suite's sector cache: three independently
// sized LRU regions (management, directory, file), selected by
// ucfs.SectorType, each operating in one of four modes (none, read-only,
// write-through, write-back).
//
// Grounded on the prior implementation's file_systems/common/blockcache/blockcache.go —
// same fetch/flush-callback shape, with its loaded/dirty bitmap replaced by
// a per-entry dirty flag once the flat block array became a bounded LRU —
// generalized from one flat array of blocks to bounded LRU regions that
// evict, and from one backing stream to a caller-supplied per-sector
// Backend so the volume manager can route a sector's I/O to whatever device
// and offset it maps to.
package cache

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
)

// Mode controls how a region behaves on writes.
type Mode int

const (
	// ModeNone bypasses the cache entirely: every Get/Put goes straight to
	// the Backend.
	ModeNone Mode = iota
	// ModeReadOnly caches fetched sectors but rejects writes.
	ModeReadOnly
	// ModeWriteThrough writes through to the Backend immediately and also
	// keeps the sector cached for subsequent reads.
	ModeWriteThrough
	// ModeWriteBack defers writes until Flush, FlushAll, or eviction.
	ModeWriteBack
)

// Key identifies one sector across the whole suite: which volume it belongs
// to, and its sector number within that volume.
type Key struct {
	VolumeID uint32
	Sector   uint64
}

// Backend performs the actual I/O for one sector when the cache misses or
// must write back. Implemented by package volume.
type Backend interface {
	ReadSector(key Key, buf []byte) error
	WriteSector(key Key, buf []byte) error
}

// RegionConfig sizes and configures one of the three sector-type regions.
type RegionConfig struct {
	Capacity int
	Mode     Mode
}

// Config configures a Cache's three regions and the sector size they all
// share.
type Config struct {
	SectorSize uint
	Management RegionConfig
	Directory  RegionConfig
	File       RegionConfig
}

// DefaultConfig splits totalBuffers across management/directory/file at
// 10/30/60 percent, matching the relative hot-path weight a single
// BlockCache gives no special treatment to: metadata is small and hot,
// directories are read far more than written, file data dominates volume.
func DefaultConfig(sectorSize uint, totalBuffers int) Config {
	mgmt := totalBuffers / 10
	if mgmt < 1 {
		mgmt = 1
	}
	dir := (totalBuffers * 3) / 10
	if dir < 1 {
		dir = 1
	}
	file := totalBuffers - mgmt - dir
	if file < 1 {
		file = 1
	}
	return Config{
		SectorSize: sectorSize,
		Management: RegionConfig{Capacity: mgmt, Mode: ModeWriteBack},
		Directory:  RegionConfig{Capacity: dir, Mode: ModeWriteBack},
		File:       RegionConfig{Capacity: file, Mode: ModeWriteBack},
	}
}

type entry struct {
	key   Key
	data  []byte
	dirty bool
	elem  *list.Element
}

// region is one LRU-bounded, mode-governed slice of the cache.
type region struct {
	mode     Mode
	capacity int
	sectorSz uint
	backend  Backend

	mu      sync.Mutex
	lru     *list.List // front = most recently used
	entries map[Key]*entry
}

func newRegion(cfg RegionConfig, sectorSize uint, backend Backend) *region {
	return &region{
		mode:     cfg.Mode,
		capacity: cfg.Capacity,
		sectorSz: sectorSize,
		backend:  backend,
		lru:      list.New(),
		entries:  make(map[Key]*entry),
	}
}

// Cache is the suite's sector cache.
type Cache struct {
	backend    Backend
	sectorSize uint

	management *region
	directory  *region
	file       *region
}

func New(backend Backend, cfg Config) *Cache {
	return &Cache{
		backend:    backend,
		sectorSize: cfg.SectorSize,
		management: newRegion(cfg.Management, cfg.SectorSize, backend),
		directory:  newRegion(cfg.Directory, cfg.SectorSize, backend),
		file:       newRegion(cfg.File, cfg.SectorSize, backend),
	}
}

func (c *Cache) regionFor(t ucfs.SectorType) *region {
	switch t {
	case ucfs.SectorTypeManagement:
		return c.management
	case ucfs.SectorTypeDirectory:
		return c.directory
	default:
		return c.file
	}
}

// Get returns the contents of one sector, loading it from the Backend on a
// miss. The returned slice is owned by the cache in every mode but None;
// callers that mutate it must call MarkDirty (write-back) or Put (any
// other mode) to persist the change.
func (c *Cache) Get(t ucfs.SectorType, key Key) ([]byte, error) {
	r := c.regionFor(t)

	if r.mode == ModeNone {
		buf := make([]byte, r.sectorSz)
		if err := c.backend.ReadSector(key, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		r.lru.MoveToFront(e.elem)
		return e.data, nil
	}

	buf := make([]byte, r.sectorSz)
	if err := c.backend.ReadSector(key, buf); err != nil {
		return nil, err
	}

	if err := r.insertLocked(key, buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// Put stores sector contents, writing through or deferring per the region's
// mode.
func (c *Cache) Put(t ucfs.SectorType, key Key, data []byte) error {
	r := c.regionFor(t)

	if uint(len(data)) != r.sectorSz {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("sector data is %d bytes, want %d", len(data), r.sectorSz))
	}

	switch r.mode {
	case ModeNone:
		return c.backend.WriteSector(key, data)
	case ModeReadOnly:
		return errors.ErrReadOnlyFileSystem
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	if e, ok := r.entries[key]; ok {
		e.data = buf
		r.lru.MoveToFront(e.elem)
		if r.mode == ModeWriteThrough {
			if err := c.backend.WriteSector(key, buf); err != nil {
				return err
			}
			e.dirty = false
		} else {
			e.dirty = true
		}
		return nil
	}

	dirty := r.mode == ModeWriteBack
	if err := r.insertLocked(key, buf, dirty); err != nil {
		return err
	}
	if r.mode == ModeWriteThrough {
		return c.backend.WriteSector(key, buf)
	}
	return nil
}

// MarkDirty flags an already-cached sector as needing writeback, for
// callers that mutated a slice returned by Get in place.
func (c *Cache) MarkDirty(t ucfs.SectorType, key Key) error {
	r := c.regionFor(t)
	if r.mode == ModeNone || r.mode == ModeReadOnly {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return errors.ErrNotFound.WithMessage("sector not cached")
	}
	if r.mode == ModeWriteThrough {
		if err := c.backend.WriteSector(key, e.data); err != nil {
			return err
		}
		e.dirty = false
		return nil
	}
	e.dirty = true
	return nil
}

// insertLocked adds a new entry, evicting the LRU tail first if at
// capacity. Caller holds r.mu.
func (r *region) insertLocked(key Key, data []byte, dirty bool) error {
	if len(r.entries) >= r.capacity {
		if err := r.evictOneLocked(); err != nil {
			return err
		}
	}
	e := &entry{key: key, data: data, dirty: dirty}
	e.elem = r.lru.PushFront(e)
	r.entries[key] = e
	return nil
}

// evictOneLocked flushes and removes the least-recently-used entry. A dirty
// entry that fails to flush is not evicted — flush-before-evict-or-fail.
func (r *region) evictOneLocked() error {
	back := r.lru.Back()
	if back == nil {
		return nil
	}
	victim := back.Value.(*entry)
	if victim.dirty {
		if err := r.backend.WriteSector(victim.key, victim.data); err != nil {
			return err
		}
		victim.dirty = false
	}
	r.lru.Remove(back)
	delete(r.entries, victim.key)
	return nil
}

// flushEntryLocked is called by Cache.Flush/FlushAll while holding r.mu.
func (c *Cache) flushEntryLocked(e *entry) error {
	if !e.dirty {
		return nil
	}
	if err := c.backend.WriteSector(e.key, e.data); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// Flush writes back one cached sector if dirty. A no-op if it isn't cached.
func (c *Cache) Flush(t ucfs.SectorType, key Key) error {
	r := c.regionFor(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	return c.flushEntryLocked(e)
}

// FlushAll writes back every dirty sector in every region, file first, then
// directory, then management. package journal's log lives in a regular
// file (tagged file-region), while the metadata it protects lands in the
// directory and management regions; flushing file before the other two
// guarantees a commit record reaches the device before the FAT/directory
// sectors it covers, so a crash partway through this call can never leave
// applied-but-uncommitted metadata with no log entry to redo it.
func (c *Cache) FlushAll() error {
	for _, r := range []*region{c.file, c.directory, c.management} {
		r.mu.Lock()
		if err := flushRegionSortedLocked(c, r); err != nil {
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()
	}
	return nil
}

// flushRegionSortedLocked writes back r's dirty entries in ascending sector
// order, for locality (spec.md §4.1's "iterate dirty entries in ascending
// sector order per region"), rather than LRU order. Caller holds r.mu.
func flushRegionSortedLocked(c *Cache, r *region) error {
	dirty := make([]*entry, 0, len(r.entries))
	for e := r.lru.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.dirty {
			dirty = append(dirty, ent)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].key.Sector < dirty[j].key.Sector })
	for _, ent := range dirty {
		if err := c.flushEntryLocked(ent); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops a sector from the cache without flushing it, for use
// after the backend has been told the sector's contents no longer matter
// (e.g. a block freed during truncation).
func (c *Cache) Invalidate(t ucfs.SectorType, key Key) {
	r := c.regionFor(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		r.lru.Remove(e.elem)
		delete(r.entries, key)
	}
}

// InvalidateAll drops every clean entry from every region. Any region that
// still holds a dirty entry fails the call entirely rather than silently
// dropping unwritten data.
func (c *Cache) InvalidateAll() error {
	for _, r := range []*region{c.management, c.directory, c.file} {
		r.mu.Lock()
		for e := r.lru.Front(); e != nil; e = e.Next() {
			if e.Value.(*entry).dirty {
				r.mu.Unlock()
				return errors.ErrInvalidArgument.WithMessage(
					"cannot invalidate cache with dirty entries pending; flush first")
			}
		}
		r.mu.Unlock()
	}
	for _, r := range []*region{c.management, c.directory, c.file} {
		r.mu.Lock()
		r.lru.Init()
		r.entries = make(map[Key]*entry)
		r.mu.Unlock()
	}
	return nil
}
