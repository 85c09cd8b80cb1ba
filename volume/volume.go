// Package volume implements the Volume Manager: the six-state lifecycle a
// mountable filesystem volume goes through, its partition table, and the
// sector-type-tagged read/write path every higher layer (package fat,
// package journal) goes through instead of talking to package device
// directly.
//
// The six states (Closed/Closing/Opening/Open/Present/Mounted) are carried
// verbatim from original_source/Source/fs_vol.h rather than collapsed to
// a four-state sketch: it's a strict refinement (Present and
// Mounted both correspond to a single "Open") and the extra granularity
// is what lets Refresh() detect a media change without tearing the volume
// down, exactly as fs_vol.h's state machine does.
package volume

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ucfs/ucfs/cache"
	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
)

// State is one of the six volume lifecycle states from fs_vol.h.
type State int

const (
	StateClosed State = iota
	StateClosing
	StateOpening
	StateOpen
	StatePresent
	StateMounted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateClosing:
		return "closing"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StatePresent:
		return "present"
	case StateMounted:
		return "mounted"
	default:
		return "unknown"
	}
}

// PartitionEntry is one row of a parsed partition table.
type PartitionEntry struct {
	StartSector uint64
	SectorCount uint64
	Type        byte
	Bootable    bool
}

// MBR layout constants for the classic DOS partition table at sector 0:
// a 2-byte 0xAA55 signature at the end of the sector, preceded by four
// 16-byte primary partition entries starting at offset 0x1BE.
const (
	mbrSignatureOffset     = 510
	mbrSignature           = 0xAA55
	mbrPartitionTableStart = 0x1BE
	mbrPartitionEntrySize  = 16
	mbrMaxPartitions       = 4
)

// ReadPartitionTable reads sector 0 of drv and parses its four primary MBR
// partition entries. An entry with Type == 0 is an empty slot.
func ReadPartitionTable(drv device.Driver) ([mbrMaxPartitions]PartitionEntry, error) {
	var table [mbrMaxPartitions]PartitionEntry

	q, err := drv.Query()
	if err != nil {
		return table, err
	}
	if q.SectorSize < 512 {
		return table, errors.ErrBadSuperblock.WithMessage(
			"sector too small to hold an MBR partition table")
	}

	sector := make([]byte, q.SectorSize)
	if err := drv.Read(sector, 0, 1); err != nil {
		return table, err
	}
	if binary.LittleEndian.Uint16(sector[mbrSignatureOffset:]) != mbrSignature {
		return table, errors.ErrBadSuperblock.WithMessage("no MBR signature at sector 0")
	}

	for i := range table {
		off := mbrPartitionTableStart + i*mbrPartitionEntrySize
		entry := sector[off : off+mbrPartitionEntrySize]
		table[i] = PartitionEntry{
			Bootable:    entry[0] == 0x80,
			Type:        entry[4],
			StartSector: uint64(binary.LittleEndian.Uint32(entry[8:12])),
			SectorCount: uint64(binary.LittleEndian.Uint32(entry[12:16])),
		}
	}
	return table, nil
}

// PartitionByNumber returns the partitionNbr'th (1-based) primary partition
// from drv's MBR, per the Volume Manager's responsibility to "parse the
// partition table when partition_nbr > 0". Callers pass partition_nbr == 0
// to mean "whole device" and skip this entirely.
func PartitionByNumber(drv device.Driver, partitionNbr int) (PartitionEntry, error) {
	if partitionNbr < 1 || partitionNbr > mbrMaxPartitions {
		return PartitionEntry{}, errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("partition number %d out of range 1-%d", partitionNbr, mbrMaxPartitions))
	}

	table, err := ReadPartitionTable(drv)
	if err != nil {
		return PartitionEntry{}, err
	}

	entry := table[partitionNbr-1]
	if entry.Type == 0 || entry.SectorCount == 0 {
		return PartitionEntry{}, errors.ErrPartitionNotFound.WithMessage(
			fmt.Sprintf("partition %d not present in table", partitionNbr))
	}
	return entry, nil
}

// Volume is one mountable unit: a device region, its sector cache, and its
// lifecycle state.
type Volume struct {
	id     uint32
	driver device.Driver

	mu    sync.Mutex
	state State

	sectorSize   uint
	startSector  uint64
	sectorCount  uint64
	cache        *cache.Cache
	refCount     int
	mountFlags   ucfs.MountFlags
	lockTimeout  time.Duration
	accessLockCh chan struct{} // 1-buffered semaphore guarding device access

	writeTap func(t ucfs.SectorType, sector uint64, data []byte)
}

// Options configures a Volume at Open time.
type Options struct {
	ID          uint32
	Driver      device.Driver
	StartSector uint64
	SectorCount uint64
	CacheConfig cache.Config
	LockTimeout time.Duration
}

// Open brings a Volume from Closed to Open: validates the device region and
// constructs its sector cache, but does not yet require there to be a
// recognizable filesystem on it (that's Mount's job).
func Open(opts Options) (*Volume, error) {
	if opts.Driver == nil {
		return nil, errors.ErrInvalidArgument.WithMessage("volume requires a device driver")
	}

	v := &Volume{
		id:           opts.ID,
		driver:       opts.Driver,
		state:        StateOpening,
		startSector:  opts.StartSector,
		sectorCount:  opts.SectorCount,
		lockTimeout:  opts.LockTimeout,
		accessLockCh: make(chan struct{}, 1),
	}

	q, err := opts.Driver.Query()
	if err != nil {
		v.state = StateClosed
		return nil, err
	}
	if opts.StartSector+opts.SectorCount > uint64(q.SectorCount) {
		v.state = StateClosed
		return nil, errors.ErrArgumentOutOfRange.WithMessage(
			"volume region extends past end of device")
	}

	v.sectorSize = q.SectorSize
	cacheCfg := opts.CacheConfig
	cacheCfg.SectorSize = q.SectorSize
	v.cache = cache.New(v, cacheCfg)

	v.state = StateOpen
	return v, nil
}

// ReadSector implements cache.Backend by translating a volume-relative
// sector number into a device-relative one.
func (v *Volume) ReadSector(key cache.Key, buf []byte) error {
	if key.VolumeID != v.id {
		return errors.ErrInvalidArgument.WithMessage("sector key belongs to a different volume")
	}
	return v.withDeviceLock(func() error {
		return v.driver.Read(buf, uint(v.startSector+key.Sector), 1)
	})
}

func (v *Volume) WriteSector(key cache.Key, buf []byte) error {
	if key.VolumeID != v.id {
		return errors.ErrInvalidArgument.WithMessage("sector key belongs to a different volume")
	}
	return v.withDeviceLock(func() error {
		return v.driver.Write(buf, uint(v.startSector+key.Sector), 1)
	})
}

// withDeviceLock serializes device access with an optional timeout,
// standing in for an RTOS-level device access semaphore with a timeout;
// there's no task handle in Go to key a timed mutex
// acquisition on, so a buffered channel of size 1 plays that role.
func (v *Volume) withDeviceLock(fn func() error) error {
	timeout := v.lockTimeout
	if timeout <= 0 {
		v.accessLockCh <- struct{}{}
		defer func() { <-v.accessLockCh }()
		return fn()
	}

	select {
	case v.accessLockCh <- struct{}{}:
		defer func() { <-v.accessLockCh }()
		return fn()
	case <-time.After(timeout):
		return errors.ErrLockTimeout
	}
}

// WithDeviceLockContext is the context-aware counterpart of withDeviceLock,
// for callers (package fsapi) that already carry a context.Context for
// cancellation.
func (v *Volume) WithDeviceLockContext(ctx context.Context, fn func() error) error {
	select {
	case v.accessLockCh <- struct{}{}:
		defer func() { <-v.accessLockCh }()
		return fn()
	case <-ctx.Done():
		return errors.ErrLockTimeout.WrapError(ctx.Err())
	}
}

// Mount transitions Open -> Present -> Mounted: it re-queries the device
// (detecting whether media is present at all) and marks the volume ready
// for filesystem-level use. The actual superblock parse lives in package
// fat; Mount only manages the state machine and ref count.
func (v *Volume) Mount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateOpen && v.state != StateMounted {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cannot mount volume in state %s", v.state))
	}

	if _, err := v.driver.Query(); err != nil {
		return errors.ErrNotPresent.WrapError(err)
	}
	v.state = StatePresent

	v.refCount++
	v.state = StateMounted
	return nil
}

// Unmount decrements the mount ref count, flushing and dropping back to
// Present once it reaches zero.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateMounted {
		return errors.ErrNotMounted
	}
	v.refCount--
	if v.refCount > 0 {
		return nil
	}

	if err := v.cache.FlushAll(); err != nil {
		return err
	}
	v.state = StatePresent
	return nil
}

// Refresh re-queries the device without tearing the volume down, detecting
// removal or geometry change on removable media.
func (v *Volume) Refresh() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.driver.Ioctl(device.IoctlRefresh, nil); err != nil {
		v.state = StateOpen
		return errors.ErrNotPresent.WrapError(err)
	}
	if v.state == StateOpen {
		v.state = StatePresent
	}
	return nil
}

// Close tears the volume down from any state, flushing the cache and
// closing the underlying driver. Both failures are reported together via
// go-multierror so a caller sees data-loss risk (flush failure) even when
// the driver closes cleanly, or vice versa.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateClosed {
		return nil
	}
	v.state = StateClosing

	var result *multierror.Error
	if err := v.cache.FlushAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := v.driver.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	v.state = StateClosed
	return result.ErrorOrNil()
}

func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Volume) ID() uint32 { return v.id }

func (v *Volume) SectorSize() uint { return v.sectorSize }

func (v *Volume) SectorCount() uint64 { return v.sectorCount }

// ReadTagged reads one sector through the cache, tagged with its region.
func (v *Volume) ReadTagged(t ucfs.SectorType, sector uint64) ([]byte, error) {
	return v.cache.Get(t, cache.Key{VolumeID: v.id, Sector: sector})
}

// WriteTagged writes one sector through the cache, tagged with its region.
// If a write tap is installed (package journal, capturing the sector
// writes one metadata mutation performs so they can be logged as a unit),
// it observes every successful write.
func (v *Volume) WriteTagged(t ucfs.SectorType, sector uint64, data []byte) error {
	if err := v.cache.Put(t, cache.Key{VolumeID: v.id, Sector: sector}, data); err != nil {
		return err
	}
	if v.writeTap != nil {
		v.writeTap(t, sector, data)
	}
	return nil
}

// SetWriteTap installs or clears (pass nil) the write tap package journal
// uses to record which sectors a metadata mutation touched, without fat's
// cluster/directory code needing to know a journal is listening.
func (v *Volume) SetWriteTap(tap func(t ucfs.SectorType, sector uint64, data []byte)) {
	v.writeTap = tap
}

// Flush forces every dirty sector belonging to this volume out to the
// device.
func (v *Volume) Flush() error {
	return v.cache.FlushAll()
}
