package msc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/msc"
	ucfserrors "github.com/ucfs/ucfs/errors"
)

type fakeBSP struct {
	present     bool
	sectorSize  uint
	sectorCount uint
	data        []byte
}

func newFakeBSP(sectorSize, sectorCount uint) *fakeBSP {
	return &fakeBSP{
		present:     true,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		data:        make([]byte, sectorSize*sectorCount),
	}
}

func (b *fakeBSP) Inquiry() (uint, uint, error) { return b.sectorSize, b.sectorCount, nil }

func (b *fakeBSP) Read10(dest []byte, startLBA, count uint) error {
	off := startLBA * b.sectorSize
	copy(dest, b.data[off:off+count*b.sectorSize])
	return nil
}

func (b *fakeBSP) Write10(src []byte, startLBA, count uint) error {
	off := startLBA * b.sectorSize
	copy(b.data[off:off+count*b.sectorSize], src)
	return nil
}

func (b *fakeBSP) DevicePresent() bool { return b.present }

func TestOpen_DeviceAbsent_Fails(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	bsp.present = false
	drv := msc.New(0)
	require.NoError(t, drv.Init())
	err := drv.Open(msc.Config{BSP: bsp})
	assert.ErrorIs(t, err, ucfserrors.ErrNotPresent)
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := msc.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(msc.Config{BSP: bsp}))

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i + 7)
	}
	require.NoError(t, drv.Write(payload, 0, 1))

	out := make([]byte, 512)
	require.NoError(t, drv.Read(out, 0, 1))
	assert.Equal(t, payload, out)
}

func TestQuery_ReportsRemovable(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := msc.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(msc.Config{BSP: bsp}))

	q, err := drv.Query()
	require.NoError(t, err)
	assert.False(t, q.Fixed)
}

func TestDeviceRemoved_WriteFails(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := msc.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(msc.Config{BSP: bsp}))

	bsp.present = false
	buf := make([]byte, 512)
	assert.Error(t, drv.Write(buf, 0, 1))
}

func TestUnsupportedIoctl_Errors(t *testing.T) {
	bsp := newFakeBSP(512, 4)
	drv := msc.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(msc.Config{BSP: bsp}))

	_, err := drv.Ioctl(device.IoctlLowLevelFormat, nil)
	assert.Error(t, err)
}
