package ftlnor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/config"
	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/nor"
	"github.com/ucfs/ucfs/ftl/nor"
)

func newTestDriver(t *testing.T) device.Driver {
	t.Helper()
	factory := ftlnor.NewFactory(nor.New)
	d := factory(0)
	cfg := ftlnor.Config{
		Phys:       nor.Config{EraseBlockSize: 256, EraseBlockCount: 8},
		SectorSize: 32,
		Wear:       config.NORConfig{ReservedPercent: 25, EraseCountDiffThreshold: 3},
	}
	require.NoError(t, d.Init())
	require.NoError(t, d.Open(cfg))
	_, err := d.Ioctl(device.IoctlLowLevelFormat, nil)
	require.NoError(t, err)
	return d
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := newTestDriver(t)

	q, err := d.Query()
	require.NoError(t, err)
	assert.Equal(t, uint(32), q.SectorSize)
	assert.True(t, q.SectorCount > 0)

	want := make([]byte, 32)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, d.Write(want, 0, 1))

	got := make([]byte, 32)
	require.NoError(t, d.Read(got, 0, 1))
	assert.Equal(t, want, got)
}

func TestUnwrittenSectorReadsAsErased(t *testing.T) {
	d := newTestDriver(t)
	got := make([]byte, 32)
	require.NoError(t, d.Read(got, 1, 1))
	for _, b := range got {
		assert.EqualValues(t, 0xFF, b)
	}
}

func TestRewriteSupersedesOldRecord(t *testing.T) {
	d := newTestDriver(t)

	first := make([]byte, 32)
	for i := range first {
		first[i] = 0xAA
	}
	second := make([]byte, 32)
	for i := range second {
		second[i] = 0xBB
	}

	require.NoError(t, d.Write(first, 2, 1))
	require.NoError(t, d.Write(second, 2, 1))

	got := make([]byte, 32)
	require.NoError(t, d.Read(got, 2, 1))
	assert.Equal(t, second, got)
}

func TestRepeatedWritesTriggerGarbageCollection(t *testing.T) {
	d := newTestDriver(t)

	buf := make([]byte, 32)
	for round := 0; round < 200; round++ {
		buf[0] = byte(round)
		require.NoError(t, d.Write(buf, 0, 1), "write %d should succeed once GC reclaims stale blocks", round)
	}

	got := make([]byte, 32)
	require.NoError(t, d.Read(got, 0, 1))
	assert.EqualValues(t, byte(199), got[0])
}

func TestMountRecoversMapAfterReopen(t *testing.T) {
	factory := ftlnor.NewFactory(nor.New)
	d1 := factory(0)
	cfg := ftlnor.Config{
		Phys:       nor.Config{EraseBlockSize: 256, EraseBlockCount: 8},
		SectorSize: 32,
		Wear:       config.NORConfig{ReservedPercent: 25, EraseCountDiffThreshold: 3},
	}
	require.NoError(t, d1.Init())
	require.NoError(t, d1.Open(cfg))
	_, err := d1.Ioctl(device.IoctlLowLevelFormat, nil)
	require.NoError(t, err)

	want := make([]byte, 32)
	for i := range want {
		want[i] = 0x42
	}
	require.NoError(t, d1.Write(want, 3, 1))

	// A real remount would reopen the same backing chip; here we simply
	// re-run mount against the same in-memory driver instance to exercise
	// the scan-and-rebuild path without needing a second simulated chip.
	_, err = d1.Ioctl(device.IoctlLowLevelMount, nil)
	require.NoError(t, err)

	got := make([]byte, 32)
	require.NoError(t, d1.Read(got, 3, 1))
	assert.Equal(t, want, got)
}
