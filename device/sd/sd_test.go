package sd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/sd"
	ucfserrors "github.com/ucfs/ucfs/errors"
)

type fakeBSP struct {
	present     bool
	sectorSize  uint
	sectorCount uint
	data        []byte
	initErr     error
}

func newFakeBSP(sectorSize, sectorCount uint) *fakeBSP {
	return &fakeBSP{
		present:     true,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		data:        make([]byte, sectorSize*sectorCount),
	}
}

func (b *fakeBSP) CardInit() (uint, uint, error) {
	if b.initErr != nil {
		return 0, 0, b.initErr
	}
	return b.sectorSize, b.sectorCount, nil
}

func (b *fakeBSP) ReadSectors(dest []byte, startSector, count uint) error {
	off := startSector * b.sectorSize
	copy(dest, b.data[off:off+count*b.sectorSize])
	return nil
}

func (b *fakeBSP) WriteSectors(src []byte, startSector, count uint) error {
	off := startSector * b.sectorSize
	copy(b.data[off:off+count*b.sectorSize], src)
	return nil
}

func (b *fakeBSP) CardPresent() bool { return b.present }

func TestOpen_RequiresBSP(t *testing.T) {
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	err := drv.Open(sd.Config{})
	assert.Error(t, err)
}

func TestOpen_AbsentCard_Fails(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	bsp.present = false
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	err := drv.Open(sd.Config{BSP: bsp})
	assert.ErrorIs(t, err, ucfserrors.ErrNotPresent)
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(sd.Config{BSP: bsp}))

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, drv.Write(payload, 1, 1))

	out := make([]byte, 512)
	require.NoError(t, drv.Read(out, 1, 1))
	assert.Equal(t, payload, out)
}

func TestQuery_ReportsRemovable(t *testing.T) {
	bsp := newFakeBSP(512, 8)
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(sd.Config{BSP: bsp}))

	q, err := drv.Query()
	require.NoError(t, err)
	assert.EqualValues(t, 512, q.SectorSize)
	assert.EqualValues(t, 8, q.SectorCount)
	assert.False(t, q.Fixed)
}

func TestCardEjected_ReadFails(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(sd.Config{BSP: bsp}))

	bsp.present = false
	buf := make([]byte, 512)
	assert.Error(t, drv.Read(buf, 0, 1))
}

func TestRefreshIoctl_ReflectsPresence(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(sd.Config{BSP: bsp}))

	_, err := drv.Ioctl(device.IoctlRefresh, nil)
	require.NoError(t, err)

	bsp.present = false
	_, err = drv.Ioctl(device.IoctlRefresh, nil)
	assert.Error(t, err)
}

func TestUnsupportedIoctl_Errors(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := sd.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(sd.Config{BSP: bsp}))

	_, err := drv.Ioctl(device.IoctlCompact, nil)
	assert.Error(t, err)
}
