package volume_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/cache"
	"github.com/ucfs/ucfs/device/ram"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

// writePartitionEntry stamps one 16-byte MBR partition entry at partition
// index n (0-based) into a 512-byte sector buffer.
func writePartitionEntry(sector []byte, n int, bootable bool, partType byte, startSector, sectorCount uint32) {
	off := 0x1BE + n*16
	if bootable {
		sector[off] = 0x80
	}
	sector[off+4] = partType
	binary.LittleEndian.PutUint32(sector[off+8:], startSector)
	binary.LittleEndian.PutUint32(sector[off+12:], sectorCount)
}

func newOpenVolume(t *testing.T, sectorCount uint) *volume.Volume {
	t.Helper()
	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: sectorCount}))

	vol, err := volume.Open(volume.Options{
		ID:          1,
		Driver:      drv,
		SectorCount: uint64(sectorCount),
		CacheConfig: cache.DefaultConfig(512, 12),
	})
	require.NoError(t, err)
	return vol
}

func TestOpen_RejectsRegionPastDevice(t *testing.T) {
	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 4}))

	_, err := volume.Open(volume.Options{
		ID:          1,
		Driver:      drv,
		StartSector: 2,
		SectorCount: 10,
		CacheConfig: cache.DefaultConfig(512, 4),
	})
	assert.Error(t, err)
}

func TestOpen_StartsInStateOpen(t *testing.T) {
	vol := newOpenVolume(t, 8)
	assert.Equal(t, volume.StateOpen, vol.State())
}

func TestMount_Unmount_LifecycleTransitions(t *testing.T) {
	vol := newOpenVolume(t, 8)

	require.NoError(t, vol.Mount())
	assert.Equal(t, volume.StateMounted, vol.State())

	require.NoError(t, vol.Unmount())
	assert.Equal(t, volume.StatePresent, vol.State())
}

func TestUnmount_WithoutMount_Errors(t *testing.T) {
	vol := newOpenVolume(t, 8)
	assert.Error(t, vol.Unmount())
}

func TestWriteTagged_ThenReadTagged_RoundTrips(t *testing.T) {
	vol := newOpenVolume(t, 8)

	data := make([]byte, 512)
	data[0] = 0x7A
	require.NoError(t, vol.WriteTagged(ucfs.SectorTypeDirectory, 3, data))

	out, err := vol.ReadTagged(ucfs.SectorTypeDirectory, 3)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestWriteTap_ObservesSuccessfulWrites(t *testing.T) {
	vol := newOpenVolume(t, 8)

	var tapped []uint64
	vol.SetWriteTap(func(t ucfs.SectorType, sector uint64, data []byte) {
		tapped = append(tapped, sector)
	})

	require.NoError(t, vol.WriteTagged(ucfs.SectorTypeFile, 1, make([]byte, 512)))
	require.NoError(t, vol.WriteTagged(ucfs.SectorTypeFile, 2, make([]byte, 512)))
	assert.Equal(t, []uint64{1, 2}, tapped)
}

func TestClose_FlushesDirtyWritesBeforeClosingDriver(t *testing.T) {
	image := make([]byte, 512*8)
	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 8, Image: image}))

	vol, err := volume.Open(volume.Options{
		ID:          1,
		Driver:      drv,
		SectorCount: 8,
		CacheConfig: cache.DefaultConfig(512, 12),
	})
	require.NoError(t, err)

	data := make([]byte, 512)
	data[10] = 0x99
	require.NoError(t, vol.WriteTagged(ucfs.SectorTypeManagement, 0, data))
	require.NoError(t, vol.Close())
	assert.Equal(t, volume.StateClosed, vol.State())

	// image is the same backing slice the driver wrote through, so a
	// successful flush-before-close is directly observable here.
	assert.Equal(t, byte(0x99), image[10])
}

func TestRefresh_OpenBecomesPresent(t *testing.T) {
	vol := newOpenVolume(t, 8)
	require.NoError(t, vol.Refresh())
	assert.Equal(t, volume.StatePresent, vol.State())
}

func TestReadPartitionTable_ParsesPrimaryEntries(t *testing.T) {
	image := make([]byte, 512*200)
	mbr := image[:512]
	writePartitionEntry(mbr, 0, true, 0x0B, 1, 100)
	writePartitionEntry(mbr, 1, false, 0x0C, 101, 50)
	binary.LittleEndian.PutUint16(mbr[510:], 0xAA55)

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 200, Image: image}))

	table, err := volume.ReadPartitionTable(drv)
	require.NoError(t, err)

	assert.True(t, table[0].Bootable)
	assert.EqualValues(t, 0x0B, table[0].Type)
	assert.EqualValues(t, 1, table[0].StartSector)
	assert.EqualValues(t, 100, table[0].SectorCount)

	assert.False(t, table[1].Bootable)
	assert.EqualValues(t, 0x0C, table[1].Type)
	assert.EqualValues(t, 101, table[1].StartSector)
	assert.EqualValues(t, 50, table[1].SectorCount)

	assert.EqualValues(t, 0, table[2].Type)
	assert.EqualValues(t, 0, table[3].Type)
}

func TestReadPartitionTable_MissingSignature_Errors(t *testing.T) {
	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 8}))

	_, err := volume.ReadPartitionTable(drv)
	assert.Error(t, err)
}

func TestPartitionByNumber_ReturnsSelectedEntry(t *testing.T) {
	image := make([]byte, 512*200)
	mbr := image[:512]
	writePartitionEntry(mbr, 0, true, 0x0B, 1, 100)
	writePartitionEntry(mbr, 1, false, 0x0C, 101, 50)
	binary.LittleEndian.PutUint16(mbr[510:], 0xAA55)

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 200, Image: image}))

	part, err := volume.PartitionByNumber(drv, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 101, part.StartSector)
	assert.EqualValues(t, 50, part.SectorCount)
}

func TestPartitionByNumber_EmptySlot_Errors(t *testing.T) {
	image := make([]byte, 512*200)
	mbr := image[:512]
	writePartitionEntry(mbr, 0, true, 0x0B, 1, 100)
	binary.LittleEndian.PutUint16(mbr[510:], 0xAA55)

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 200, Image: image}))

	_, err := volume.PartitionByNumber(drv, 3)
	assert.Error(t, err)
}

func TestPartitionByNumber_OutOfRange_Errors(t *testing.T) {
	image := make([]byte, 512*200)
	mbr := image[:512]
	binary.LittleEndian.PutUint16(mbr[510:], 0xAA55)

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: 200, Image: image}))

	_, err := volume.PartitionByNumber(drv, 0)
	assert.Error(t, err)
	_, err = volume.PartitionByNumber(drv, 5)
	assert.Error(t, err)
}
