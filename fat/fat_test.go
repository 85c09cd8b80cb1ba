package fat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/cache"
	"github.com/ucfs/ucfs/device"
	"github.com/ucfs/ucfs/device/ram"
	"github.com/ucfs/ucfs/fat"
	"github.com/ucfs/ucfs/ucfs"
	"github.com/ucfs/ucfs/volume"
)

// writeSpy wraps a device.Driver, recording the start sector of every Write
// call in order, so a test can assert on the real, device-level order sector
// writes land in once a write-back cache flushes them.
type writeSpy struct {
	device.Driver
	writes []uint
}

func (s *writeSpy) Write(src []byte, start uint, count uint) error {
	s.writes = append(s.writes, start)
	return s.Driver.Write(src, start, count)
}

// newFormattedVolume builds a RAM-backed volume of sectorCount 512-byte
// sectors, low-level formats it, and mounts it, returning the ready
// *fat.FileSystem the rest of each test drives.
func newFormattedVolume(t *testing.T, sectorCount uint, opts fat.FormatOptions) *fat.FileSystem {
	t.Helper()

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: sectorCount}))

	vol, err := volume.Open(volume.Options{
		ID:          1,
		Driver:      drv,
		SectorCount: uint64(sectorCount),
		CacheConfig: cache.DefaultConfig(512, 64),
	})
	require.NoError(t, err)

	require.NoError(t, fat.Format(vol, opts))
	require.NoError(t, vol.Mount())

	fs, err := fat.Mount(vol)
	require.NoError(t, err)
	return fs
}

func TestFormatThenMount_PicksFAT12ForASmallVolume(t *testing.T) {
	// A few hundred sectors of 1-sector clusters lands well under the 4085
	// cluster threshold where FAT12 applies.
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	assert.Equal(t, fat.Version12, fs.Version())
}

func TestFormatThenMount_EmptyRootDirectory(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	names, err := fs.ListDirPath("/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateWriteRead_RoundTrips(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())

	h, err := fs.Create("/hello.txt")
	require.NoError(t, err)

	payload := []byte("hello, uC/FS")
	n, err := h.WriteAt(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = h.ReadAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestWrite_SpanningMultipleClusters(t *testing.T) {
	opts := fat.DefaultFormatOptions()
	fs := newFormattedVolume(t, 400, opts)

	h, err := fs.Create("/big.bin")
	require.NoError(t, err)

	// One sector per cluster at 512 bytes; write enough to span several
	// clusters and confirm the chain extends correctly.
	payload := make([]byte, 512*5)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = h.WriteAt(payload, 0)
	require.NoError(t, err)

	out := make([]byte, len(payload))
	n, err := h.ReadAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestStat_ReportsWrittenSize(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())

	h, err := fs.Create("/sized.bin")
	require.NoError(t, err)
	_, err = h.WriteAt(make([]byte, 1000), 0)
	require.NoError(t, err)

	stat, err := fs.Stat("/sized.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, stat.Size)
}

func TestMkdir_ThenListDir_SeesNewEntry(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())

	require.NoError(t, fs.Mkdir("/sub"))
	names, err := fs.ListDirPath("/")
	require.NoError(t, err)
	assert.Contains(t, names, "sub")

	// The new directory itself has "." and ".." filtered out of its listing.
	subNames, err := fs.ListDirPath("/sub")
	require.NoError(t, err)
	assert.Empty(t, subNames)
}

func TestMkdir_Nested_CreatesFileInSubdirectory(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	require.NoError(t, fs.Mkdir("/sub"))

	h, err := fs.Create("/sub/nested.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	names, err := fs.ListDirPath("/sub")
	require.NoError(t, err)
	assert.Contains(t, names, "nested.txt")
}

func TestUnlink_RemovesFileAndFreesItsChain(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())

	h, err := fs.Create("/gone.txt")
	require.NoError(t, err)
	_, err = h.WriteAt(make([]byte, 2000), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Unlink("/gone.txt"))
	_, err = fs.Stat("/gone.txt")
	assert.Error(t, err)
}

func TestRmdir_RefusesNonEmptyDirectory(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	require.NoError(t, fs.Mkdir("/sub"))
	_, err := fs.Create("/sub/a.txt")
	require.NoError(t, err)

	assert.Error(t, fs.Rmdir("/sub"))
}

func TestRmdir_RemovesEmptyDirectory(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	require.NoError(t, fs.Mkdir("/sub"))
	require.NoError(t, fs.Rmdir("/sub"))

	_, err := fs.Stat("/sub")
	assert.Error(t, err)
}

func TestRename_MovesEntryToNewName(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	h, err := fs.Create("/old.txt")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/old.txt", "/new.txt"))

	_, err = fs.Stat("/old.txt")
	assert.Error(t, err)

	stat, err := fs.Stat("/new.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("payload"), stat.Size)
}

func TestRename_RefusesExistingDestination(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	_, err := fs.Create("/a.txt")
	require.NoError(t, err)
	_, err = fs.Create("/b.txt")
	require.NoError(t, err)

	assert.Error(t, fs.Rename("/a.txt", "/b.txt"))
}

func TestLabel_SetThenGet_RoundTrips(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())

	require.NoError(t, fs.SetLabel("MYDISK"))
	label, err := fs.Label()
	require.NoError(t, err)
	assert.Equal(t, "MYDISK", label)
}

func TestFormat_WithLabelOption_IsReadableAfterMount(t *testing.T) {
	opts := fat.DefaultFormatOptions()
	opts.VolumeLabel = "BOOTVOL"
	fs := newFormattedVolume(t, 400, opts)

	label, err := fs.Label()
	require.NoError(t, err)
	assert.Equal(t, "BOOTVOL", label)
}

func TestResize_TruncatesFileAndFreesClusters(t *testing.T) {
	fs := newFormattedVolume(t, 400, fat.DefaultFormatOptions())
	h, err := fs.Create("/shrink.bin")
	require.NoError(t, err)
	_, err = h.WriteAt(make([]byte, 512*3), 0)
	require.NoError(t, err)

	require.NoError(t, h.Resize(512))
	assert.EqualValues(t, 512, h.Stat().Size)
}

// TestJournaledCreate_FlushesFileRegionBeforeManagementAndDirectory exercises
// the real fat -> journal -> volume -> cache -> device stack (rather than
// journal's own in-memory Store fake) to confirm a journaled Create's
// eventual device writes land file-region sectors (where the journal's
// commit record lives) ahead of the management (FAT) and directory sectors
// that same Create touches.
func TestJournaledCreate_FlushesFileRegionBeforeManagementAndDirectory(t *testing.T) {
	const sectorCount = 400

	drv := ram.New(0)
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Open(ram.Config{SectorSize: 512, SectorCount: sectorCount}))
	spy := &writeSpy{Driver: drv}

	vol, err := volume.Open(volume.Options{
		ID:          1,
		Driver:      spy,
		SectorCount: sectorCount,
		CacheConfig: cache.DefaultConfig(512, 64),
	})
	require.NoError(t, err)
	require.NoError(t, fat.Format(vol, fat.DefaultFormatOptions()))
	require.NoError(t, vol.Mount())

	fs, err := fat.Mount(vol)
	require.NoError(t, err)
	require.NoError(t, fs.EnableJournal())

	boot, err := vol.ReadTagged(ucfs.SectorTypeManagement, 0)
	require.NoError(t, err)
	bpb, err := fat.ParseBPB(boot)
	require.NoError(t, err)

	// Classify a device-absolute sector into the region it belongs to, the
	// same split cache.Cache keys its three regions on.
	region := func(sector uint) string {
		switch {
		case sector >= bpb.FirstFATSector && sector < bpb.FirstFATSector+bpb.TotalFATSectors:
			return "management"
		case sector >= bpb.FirstRootDirSector && sector < bpb.FirstDataSector:
			return "directory"
		default:
			return "file"
		}
	}

	spy.writes = nil
	_, err = fs.Create("/a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, spy.writes)

	lastFile, firstManagementOrDirectory := -1, -1
	for i, sector := range spy.writes {
		switch region(sector) {
		case "file":
			lastFile = i
		case "management", "directory":
			if firstManagementOrDirectory == -1 {
				firstManagementOrDirectory = i
			}
		}
	}

	require.NotEqual(t, -1, lastFile, "journaled Create should write its commit record into the file region")
	require.NotEqual(t, -1, firstManagementOrDirectory, "journaled Create should also write FAT/directory sectors")
	assert.Less(t, lastFile, firstManagementOrDirectory,
		"journal's file-region commit record must reach the device before the management/directory sectors it protects")
}
