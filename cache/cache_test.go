package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/cache"
	"github.com/ucfs/ucfs/ucfs"
)

type fakeBackend struct {
	store     map[cache.Key][]byte
	writeLog  []cache.Key
	sectorSize uint
}

func newFakeBackend(sectorSize uint) *fakeBackend {
	return &fakeBackend{store: make(map[cache.Key][]byte), sectorSize: sectorSize}
}

func (b *fakeBackend) ReadSector(key cache.Key, buf []byte) error {
	data, ok := b.store[key]
	if !ok {
		data = make([]byte, b.sectorSize)
	}
	copy(buf, data)
	return nil
}

func (b *fakeBackend) WriteSector(key cache.Key, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.store[key] = cp
	b.writeLog = append(b.writeLog, key)
	return nil
}

func fill(size int, v byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

func TestGet_MissLoadsFromBackend(t *testing.T) {
	backend := newFakeBackend(512)
	key := cache.Key{VolumeID: 1, Sector: 5}
	backend.store[key] = fill(512, 0x42)

	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
	})

	data, err := c.Get(ucfs.SectorTypeFile, key)
	require.NoError(t, err)
	assert.Equal(t, fill(512, 0x42), data)
}

func TestPut_WriteBack_DefersUntilFlush(t *testing.T) {
	backend := newFakeBackend(512)
	key := cache.Key{VolumeID: 1, Sector: 1}

	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
	})

	require.NoError(t, c.Put(ucfs.SectorTypeFile, key, fill(512, 0xAB)))
	assert.Empty(t, backend.writeLog, "write-back must not touch the backend until flush")

	require.NoError(t, c.Flush(ucfs.SectorTypeFile, key))
	assert.Len(t, backend.writeLog, 1)
	assert.Equal(t, fill(512, 0xAB), backend.store[key])
}

func TestPut_WriteThrough_WritesImmediately(t *testing.T) {
	backend := newFakeBackend(512)
	key := cache.Key{VolumeID: 1, Sector: 2}

	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteThrough},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteThrough},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteThrough},
	})

	require.NoError(t, c.Put(ucfs.SectorTypeManagement, key, fill(512, 0x55)))
	assert.Len(t, backend.writeLog, 1)
}

func TestPut_ReadOnly_Rejected(t *testing.T) {
	backend := newFakeBackend(512)
	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeReadOnly},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeReadOnly},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeReadOnly},
	})

	err := c.Put(ucfs.SectorTypeManagement, cache.Key{Sector: 0}, fill(512, 1))
	assert.Error(t, err)
}

func TestEviction_FlushesBeforeDropping(t *testing.T) {
	backend := newFakeBackend(512)
	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 1, Mode: cache.ModeWriteBack},
		Directory:  cache.RegionConfig{Capacity: 1, Mode: cache.ModeWriteBack},
		File:       cache.RegionConfig{Capacity: 1, Mode: cache.ModeWriteBack},
	})

	k1 := cache.Key{Sector: 1}
	k2 := cache.Key{Sector: 2}

	require.NoError(t, c.Put(ucfs.SectorTypeFile, k1, fill(512, 0x11)))
	require.NoError(t, c.Put(ucfs.SectorTypeFile, k2, fill(512, 0x22)))

	// k1 should have been evicted (capacity 1) and, since it was dirty,
	// flushed to the backend first rather than silently dropped.
	assert.Equal(t, fill(512, 0x11), backend.store[k1])
}

func TestInvalidateAll_FailsWithDirtyEntries(t *testing.T) {
	backend := newFakeBackend(512)
	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
	})

	key := cache.Key{Sector: 3}
	require.NoError(t, c.Put(ucfs.SectorTypeFile, key, fill(512, 0x33)))

	err := c.InvalidateAll()
	assert.Error(t, err)

	require.NoError(t, c.Flush(ucfs.SectorTypeFile, key))
	assert.NoError(t, c.InvalidateAll())
}

func TestFlushAll_OrdersFileDirectoryManagement(t *testing.T) {
	backend := newFakeBackend(512)
	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
	})

	mgmtKey := cache.Key{Sector: 1}
	dirKey := cache.Key{Sector: 2}
	fileKey := cache.Key{Sector: 3}

	require.NoError(t, c.Put(ucfs.SectorTypeManagement, mgmtKey, fill(512, 3)))
	require.NoError(t, c.Put(ucfs.SectorTypeDirectory, dirKey, fill(512, 2)))
	require.NoError(t, c.Put(ucfs.SectorTypeFile, fileKey, fill(512, 1)))

	require.NoError(t, c.FlushAll())
	require.Len(t, backend.writeLog, 3)
	// file region flushes first so a journal commit living in file-region
	// sectors always reaches the device before the management/directory
	// sectors it protects.
	assert.Equal(t, fileKey, backend.writeLog[0])
	assert.Equal(t, dirKey, backend.writeLog[1])
	assert.Equal(t, mgmtKey, backend.writeLog[2])
}

func TestFlushAll_OrdersWithinRegionBySectorAscending(t *testing.T) {
	backend := newFakeBackend(512)
	c := cache.New(backend, cache.Config{
		SectorSize: 512,
		Management: cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		Directory:  cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
		File:       cache.RegionConfig{Capacity: 4, Mode: cache.ModeWriteBack},
	})

	// Touch them out of sector order so the LRU order (most-recent-first)
	// would disagree with ascending-sector order if flush didn't sort.
	require.NoError(t, c.Put(ucfs.SectorTypeFile, cache.Key{Sector: 5}, fill(512, 1)))
	require.NoError(t, c.Put(ucfs.SectorTypeFile, cache.Key{Sector: 2}, fill(512, 2)))
	require.NoError(t, c.Put(ucfs.SectorTypeFile, cache.Key{Sector: 9}, fill(512, 3)))

	require.NoError(t, c.FlushAll())
	require.Len(t, backend.writeLog, 3)
	assert.Equal(t, []cache.Key{{Sector: 2}, {Sector: 5}, {Sector: 9}}, backend.writeLog)
}

func TestDefaultConfig_SplitsCapacityAcrossRegions(t *testing.T) {
	cfg := cache.DefaultConfig(512, 100)
	assert.Equal(t, 10, cfg.Management.Capacity)
	assert.Equal(t, 30, cfg.Directory.Capacity)
	assert.Equal(t, 60, cfg.File.Capacity)

	tiny := cache.DefaultConfig(512, 1)
	assert.GreaterOrEqual(t, tiny.Management.Capacity, 1)
	assert.GreaterOrEqual(t, tiny.Directory.Capacity, 1)
	assert.GreaterOrEqual(t, tiny.File.Capacity, 1)
}
