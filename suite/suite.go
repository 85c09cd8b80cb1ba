// Package suite is the top-level entry point — the "Suite public API": it
// owns the driver registry and the table of open volumes,
// and is the thing an application constructs once at startup.
//
// Grounded on the prior implementation's App/init-glue pattern of wiring a driver
// registry to a set of mounted filesystems (app_init.go-style composition
// root, generalized here from one hardcoded disk image to the suite's
// multi-device, multi-volume model) plus
// device.Registry and volume.Volume, which already carry the per-concern
// locking this package only needs to compose.
package suite

import (
	"fmt"
	"sync"
	"time"

	"github.com/ucfs/ucfs/cache"
	"github.com/ucfs/ucfs/config"
	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/fat"
	"github.com/ucfs/ucfs/fsapi"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

// Suite is the suite-wide registry of devices and mounted volumes,
// serialized by one global lock:
// registering a driver family and opening/closing a named volume are the
// only operations that mutate suite-wide state, everything else (file and
// directory I/O) goes through a *fsapi.FS and its own volume lock instead.
type Suite struct {
	Config config.SuiteConfig

	mu      sync.Mutex
	devices *device.Registry
	volumes map[string]*mountedVolume
}

type mountedVolume struct {
	name string
	vol  *volume.Volume
	fs   *fat.FileSystem
	api  *fsapi.FS
}

// New constructs an empty Suite. cfg is validated immediately since every
// later operation assumes a sane pool-size configuration.
func New(cfg config.SuiteConfig) (*Suite, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Suite{
		Config:  cfg,
		devices: device.NewRegistry(),
		volumes: make(map[string]*mountedVolume),
	}, nil
}

// AddDriver registers a driver family, e.g. AddDriver("ram", ram.New).
func (s *Suite) AddDriver(name string, factory device.Factory) error {
	return s.devices.AddDriver(name, factory)
}

// VolumeOptions configures OpenVolume.
type VolumeOptions struct {
	DriverName string
	Unit       uint
	DriverCfg  any

	// PartitionNbr selects a 1-based primary MBR partition to parse off
	// the device's sector 0; 0 means "whole device", in which case
	// StartSector/SectorCount are used as given (StartSector == 0,
	// SectorCount == 0 meaning "the rest of the device").
	PartitionNbr int
	StartSector  uint64
	SectorCount  uint64

	CacheBuffers int // total sector-cache slots, split across the 3 regions; 0 uses a small suite-appropriate default
	LockTimeout  time.Duration
}

// Open binds name to a device+partition, constructing the volume's sector
// cache but not yet requiring a filesystem to be present.
func (s *Suite) Open(name string, opts VolumeOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.volumes[name]; exists {
		return errors.ErrAlreadyOpen.WithMessage(fmt.Sprintf("volume %q already open", name))
	}
	if len(s.volumes) >= s.Config.MaxVolumes {
		return errors.ErrTooManyOpenFiles.WithMessage("suite volume table is full")
	}

	drv, err := s.devices.Open(opts.DriverName, opts.Unit, opts.DriverCfg)
	if err != nil {
		return err
	}

	q, err := drv.Query()
	if err != nil {
		return err
	}

	startSector, sectorCount := opts.StartSector, opts.SectorCount
	if opts.PartitionNbr > 0 {
		part, err := volume.PartitionByNumber(drv, opts.PartitionNbr)
		if err != nil {
			return err
		}
		startSector, sectorCount = part.StartSector, part.SectorCount
	}
	if sectorCount == 0 {
		sectorCount = uint64(q.SectorCount) - startSector
	}

	buffers := opts.CacheBuffers
	if buffers <= 0 {
		buffers = 3 * s.Config.MaxFiles
	}

	vol, err := volume.Open(volume.Options{
		ID:          uint32(len(s.volumes) + 1),
		Driver:      drv,
		StartSector: startSector,
		SectorCount: sectorCount,
		CacheConfig: cache.DefaultConfig(q.SectorSize, buffers),
		LockTimeout: opts.LockTimeout,
	})
	if err != nil {
		return err
	}

	s.volumes[name] = &mountedVolume{name: name, vol: vol}
	return nil
}

func (s *Suite) lookup(name string) (*mountedVolume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mv, ok := s.volumes[name]
	if !ok {
		return nil, errors.ErrNotOpen.WithMessage(fmt.Sprintf("volume %q not open", name))
	}
	return mv, nil
}

// Format low-level-formats name's volume with a fresh FAT filesystem.
// The volume must be Open (not necessarily Mounted).
func (s *Suite) Format(name string, opts fat.FormatOptions) error {
	if s.Config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	mv, err := s.lookup(name)
	if err != nil {
		return err
	}
	return fat.Format(mv.vol, opts)
}

// Mount brings name's volume from Open to Mounted, parsing its BPB and
// (if journalEnabled) replaying its journal, then wraps it in a *fsapi.FS.
func (s *Suite) Mount(name string, journalEnabled bool) (*fsapi.FS, error) {
	mv, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := mv.vol.Mount(); err != nil {
		return nil, err
	}
	fs, err := fat.Mount(mv.vol)
	if err != nil {
		_ = mv.vol.Unmount()
		return nil, err
	}
	if journalEnabled {
		if err := fs.EnableJournal(); err != nil {
			_ = mv.vol.Unmount()
			return nil, err
		}
	}

	mv.fs = fs
	mv.api = fsapi.New(fs, s.Config)
	return mv.api, nil
}

// FS returns the already-mounted fsapi.FS for name, if any.
func (s *Suite) FS(name string) (*fsapi.FS, error) {
	mv, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	if mv.api == nil {
		return nil, errors.ErrNotMounted
	}
	return mv.api, nil
}

// IsMounted reports whether name's volume has completed Mount.
func (s *Suite) IsMounted(name string) bool {
	mv, err := s.lookup(name)
	if err != nil {
		return false
	}
	return mv.vol.State() == volume.StateMounted
}

// Refresh re-probes the device behind name's volume.
func (s *Suite) Refresh(name string) error {
	mv, err := s.lookup(name)
	if err != nil {
		return err
	}
	return mv.vol.Refresh()
}

// Close closes name's volume and removes it from the suite's table. No
// open-file or open-directory check is made: this suite tracks no
// open-handle count of its own, since package fsapi's *File values are
// owned by callers. Volume.Close flushes the cache and returns a flush
// failure rather than silently dropping unwritten data.
func (s *Suite) Close(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mv, ok := s.volumes[name]
	if !ok {
		return errors.ErrNotOpen.WithMessage(fmt.Sprintf("volume %q not open", name))
	}
	if err := mv.vol.Close(); err != nil {
		return err
	}
	delete(s.volumes, name)
	return nil
}

// Query returns the geometry of name's underlying device region.
func (s *Suite) Query(name string) (device.Query, error) {
	mv, err := s.lookup(name)
	if err != nil {
		return device.Query{}, err
	}
	return device.Query{
		SectorSize:  mv.vol.SectorSize(),
		SectorCount: uint(mv.vol.SectorCount()),
	}, nil
}

// ReadSector and WriteSector expose raw, sector-type-tagged I/O on an open
// (not necessarily mounted) volume, for maintenance tools and the shell's
// "od" command.
func (s *Suite) ReadSector(name string, t ucfs.SectorType, sector uint64) ([]byte, error) {
	mv, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return mv.vol.ReadTagged(t, sector)
}

func (s *Suite) WriteSector(name string, t ucfs.SectorType, sector uint64, data []byte) error {
	if s.Config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	mv, err := s.lookup(name)
	if err != nil {
		return err
	}
	return mv.vol.WriteTagged(t, sector, data)
}

// LabelGet/LabelSet expose the mounted FAT volume's label.
func (s *Suite) LabelGet(name string) (string, error) {
	mv, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	if mv.fs == nil {
		return "", errors.ErrNotMounted
	}
	return mv.fs.Label()
}

func (s *Suite) LabelSet(name, label string) error {
	if s.Config.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	mv, err := s.lookup(name)
	if err != nil {
		return err
	}
	if mv.fs == nil {
		return errors.ErrNotMounted
	}
	return mv.fs.SetLabel(label)
}

// CacheFlush forces every dirty sector on name's volume out to its device.
func (s *Suite) CacheFlush(name string) error {
	mv, err := s.lookup(name)
	if err != nil {
		return err
	}
	return mv.vol.Flush()
}
