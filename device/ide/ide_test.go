package ide_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/ide"
)

type fakeBSP struct {
	sectorSize  uint
	sectorCount uint
	data        []byte
	flushes     int
	flushErr    error
}

func newFakeBSP(sectorSize, sectorCount uint) *fakeBSP {
	return &fakeBSP{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		data:        make([]byte, sectorSize*sectorCount),
	}
}

func (b *fakeBSP) Identify() (uint, uint, error) { return b.sectorSize, b.sectorCount, nil }

func (b *fakeBSP) ReadSectors(dest []byte, startLBA, count uint) error {
	off := startLBA * b.sectorSize
	copy(dest, b.data[off:off+count*b.sectorSize])
	return nil
}

func (b *fakeBSP) WriteSectors(src []byte, startLBA, count uint) error {
	off := startLBA * b.sectorSize
	copy(b.data[off:off+count*b.sectorSize], src)
	return nil
}

func (b *fakeBSP) FlushCache() error {
	b.flushes++
	return b.flushErr
}

func TestOpen_RequiresBSP(t *testing.T) {
	drv := ide.New(0)
	require.NoError(t, drv.Init())
	assert.Error(t, drv.Open(ide.Config{}))
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	bsp := newFakeBSP(512, 8)
	drv := ide.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ide.Config{BSP: bsp}))

	payload := make([]byte, 512*3)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	require.NoError(t, drv.Write(payload, 2, 3))

	out := make([]byte, 512*3)
	require.NoError(t, drv.Read(out, 2, 3))
	assert.Equal(t, payload, out)
}

func TestQuery_ReportsFixed(t *testing.T) {
	bsp := newFakeBSP(512, 16)
	drv := ide.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ide.Config{BSP: bsp}))

	q, err := drv.Query()
	require.NoError(t, err)
	assert.True(t, q.Fixed)
}

func TestClose_FlushesCache(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := ide.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ide.Config{BSP: bsp}))

	require.NoError(t, drv.Close())
	assert.Equal(t, 1, bsp.flushes)
}

func TestRefreshIoctl_FlushesCache(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := ide.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ide.Config{BSP: bsp}))

	_, err := drv.Ioctl(device.IoctlRefresh, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bsp.flushes)
}

func TestReadAfterClose_Fails(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := ide.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ide.Config{BSP: bsp}))
	require.NoError(t, drv.Close())

	buf := make([]byte, 512)
	assert.Error(t, drv.Read(buf, 0, 1))
}
