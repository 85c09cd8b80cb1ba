package ftlnand_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/nand"
	"github.com/ucfs/ucfs/ftl/nand"
)

func newTestDriver(t *testing.T, ecc ftlnand.ECC) device.Driver {
	t.Helper()
	factory := ftlnand.NewFactory(nand.New)
	d := factory(0)
	cfg := ftlnand.Config{
		Phys:      nand.Config{PageSize: 64, PagesPerBlock: 4, BlockCount: 10},
		SpareSize: 16,
		ECC:       ecc,
	}
	require.NoError(t, d.Init())
	require.NoError(t, d.Open(cfg))
	_, err := d.Ioctl(device.IoctlLowLevelFormat, nil)
	require.NoError(t, err)
	return d
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := newTestDriver(t, nil)

	q, err := d.Query()
	require.NoError(t, err)
	assert.Equal(t, uint(48), q.SectorSize) // 64 page - 16 spare
	assert.True(t, q.SectorCount > 0)

	want := make([]byte, 48)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, d.Write(want, 0, 1))

	got := make([]byte, 48)
	require.NoError(t, d.Read(got, 0, 1))
	assert.Equal(t, want, got)
}

func TestUnwrittenPageReadsAsErased(t *testing.T) {
	d := newTestDriver(t, nil)
	got := make([]byte, 48)
	require.NoError(t, d.Read(got, 1, 1))
	for _, b := range got {
		assert.EqualValues(t, 0xFF, b)
	}
}

func TestUpdateBlockFoldsOnOverflow(t *testing.T) {
	d := newTestDriver(t, nil)

	buf := make([]byte, 48)
	// PagesPerBlock is 4, so rewriting the same logical page 5 times forces
	// at least one fold (each rewrite consumes a fresh update-block slot).
	for round := 0; round < 5; round++ {
		buf[0] = byte(round)
		require.NoError(t, d.Write(buf, 0, 1))
	}

	got := make([]byte, 48)
	require.NoError(t, d.Read(got, 0, 1))
	assert.EqualValues(t, byte(4), got[0])

	// Other pages in the same logical block must survive the fold.
	other := make([]byte, 48)
	for i := range other {
		other[i] = 0x55
	}
	require.NoError(t, d.Write(other, 1, 1))
	for round := 0; round < 5; round++ {
		buf[0] = byte(round)
		require.NoError(t, d.Write(buf, 0, 1))
	}
	gotOther := make([]byte, 48)
	require.NoError(t, d.Read(gotOther, 1, 1))
	assert.Equal(t, other, gotOther)
}

func TestECCCorrectsSingleBitFlip(t *testing.T) {
	ecc := ftlnand.NewHammingSECDED(48)
	data := make([]byte, 48)
	for i := range data {
		data[i] = byte(i * 3)
	}
	parity := ecc.Encode(data)

	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0x01 // flip a single bit

	err := ecc.Decode(corrupted, parity)
	require.Error(t, err)
	assert.Equal(t, data, corrupted, "single-bit error must be corrected in place")
}

func TestECCAcceptsCleanData(t *testing.T) {
	ecc := ftlnand.NewHammingSECDED(48)
	data := make([]byte, 48)
	for i := range data {
		data[i] = byte(i)
	}
	parity := ecc.Encode(data)
	assert.NoError(t, ecc.Decode(data, parity))
}

func TestIoctlCompactFoldsAllPendingUpdateBlocks(t *testing.T) {
	d := newTestDriver(t, nil)

	buf := make([]byte, 48)
	buf[0] = 1
	require.NoError(t, d.Write(buf, 0, 1))

	_, err := d.Ioctl(device.IoctlCompact, nil)
	require.NoError(t, err)

	got := make([]byte, 48)
	require.NoError(t, d.Read(got, 0, 1))
	assert.EqualValues(t, 1, got[0])
}
