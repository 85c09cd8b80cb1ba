package ram_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/ram"
)

func newOpenDriver(t *testing.T, sectorSize, sectorCount uint) device.Driver {
	t.Helper()
	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: sectorSize, SectorCount: sectorCount}))
	return drv
}

func TestQuery_ReportsConfiguredGeometry(t *testing.T) {
	drv := newOpenDriver(t, 512, 10)
	q, err := drv.Query()
	require.NoError(t, err)
	assert.EqualValues(t, 512, q.SectorSize)
	assert.EqualValues(t, 10, q.SectorCount)
	assert.True(t, q.Fixed)
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	drv := newOpenDriver(t, 512, 4)

	payload := make([]byte, 512*2)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, drv.Write(payload, 1, 2))

	out := make([]byte, 512*2)
	require.NoError(t, drv.Read(out, 1, 2))
	assert.Equal(t, payload, out)
}

func TestRead_OutOfBounds_Errors(t *testing.T) {
	drv := newOpenDriver(t, 512, 4)
	buf := make([]byte, 512)
	err := drv.Read(buf, 4, 1)
	require.Error(t, err)
}

func TestRead_WrongBufferSize_Errors(t *testing.T) {
	drv := newOpenDriver(t, 512, 4)
	buf := make([]byte, 100)
	err := drv.Read(buf, 0, 1)
	require.Error(t, err)
}

func TestClose_ThenReadFails(t *testing.T) {
	drv := newOpenDriver(t, 512, 4)
	require.NoError(t, drv.Close())
	buf := make([]byte, 512)
	assert.Error(t, drv.Read(buf, 0, 1))
}

func TestSeededImage_IsReturnedVerbatim(t *testing.T) {
	image := make([]byte, 512*2)
	image[0] = 0xAB
	image[1023] = 0xCD

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 2, Image: image}))

	out := make([]byte, 512*2)
	require.NoError(t, drv.Read(out, 0, 2))
	assert.Equal(t, image, out)
}
