package journal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/journal"
	"github.com/ucfs/ucfs/ucfs"
)

// memStore is an in-memory journal.Store fake that mimics *fat.Handle's
// ReadAt contract: a read that runs past the end of the backing buffer
// returns as many bytes as are available along with errors.ErrUnexpectedEOF,
// rather than stdlib's io.EOF.
type memStore struct {
	data []byte
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, errors.ErrUnexpectedEOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errors.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memStore) Resize(size uint64) error {
	if int64(size) <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func sector(fill byte, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestOpen_FreshStoreFormatsItself(t *testing.T) {
	store := &memStore{}
	flushed := false
	log, err := journal.Open(store, func() error { flushed = true; return nil }, nil)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.False(t, flushed, "Open on a fresh store must not need to flush")
	assert.True(t, len(store.data) > 0, "formatting must write a header")
}

func TestCommit_NoOpsIsNoop(t *testing.T) {
	store := &memStore{}
	log, err := journal.Open(store, func() error { return nil }, nil)
	require.NoError(t, err)

	before := append([]byte(nil), store.data...)
	require.NoError(t, log.Commit(journal.KindEntryUpdate, nil))
	assert.Equal(t, before, store.data, "committing zero ops must not touch the log")
}

func TestCommit_ThenReopen_ReplaysOps(t *testing.T) {
	store := &memStore{}
	log, err := journal.Open(store, func() error { return nil }, nil)
	require.NoError(t, err)

	ops := []journal.WriteOp{
		{SectorType: ucfs.SectorTypeDirectory, Sector: 5, NewData: sector(0xAA, 512)},
		{SectorType: ucfs.SectorTypeManagement, Sector: 1, NewData: sector(0xBB, 512)},
	}
	require.NoError(t, log.Commit(journal.KindEntryCreate, ops))

	var applied []journal.WriteOp
	apply := func(t ucfs.SectorType, sector uint64, data []byte) error {
		applied = append(applied, journal.WriteOp{SectorType: t, Sector: sector, NewData: append([]byte(nil), data...)})
		return nil
	}

	_, err = journal.Open(store, func() error { return nil }, apply)
	require.NoError(t, err)

	require.Len(t, applied, 2)
	assert.Equal(t, ops[0].SectorType, applied[0].SectorType)
	assert.Equal(t, ops[0].Sector, applied[0].Sector)
	assert.Equal(t, ops[0].NewData, applied[0].NewData)
	assert.Equal(t, ops[1].SectorType, applied[1].SectorType)
	assert.Equal(t, ops[1].Sector, applied[1].Sector)
	assert.Equal(t, ops[1].NewData, applied[1].NewData)
}

func TestOpen_CompactsLogAfterReplay(t *testing.T) {
	store := &memStore{}
	log, err := journal.Open(store, func() error { return nil }, nil)
	require.NoError(t, err)

	ops := []journal.WriteOp{
		{SectorType: ucfs.SectorTypeFile, Sector: 42, NewData: sector(0xCC, 512)},
	}
	require.NoError(t, log.Commit(journal.KindClusterAlloc, ops))
	sizeAfterCommit := len(store.data)

	reopened, err := journal.Open(store, func() error { return nil }, func(ucfs.SectorType, uint64, []byte) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, reopened)

	assert.True(t, len(store.data) < sizeAfterCommit, "log must be compacted back to just its header after a successful replay")

	// A second Open (nothing pending) must be a pure no-op replay.
	var appliedAgain bool
	_, err = journal.Open(store, func() error { return nil }, func(ucfs.SectorType, uint64, []byte) error {
		appliedAgain = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, appliedAgain, "compacted log must not re-replay already-applied ops")
}

func TestOpen_DiscardsUncommittedTail(t *testing.T) {
	store := &memStore{}
	log, err := journal.Open(store, func() error { return nil }, nil)
	require.NoError(t, err)

	ops := []journal.WriteOp{
		{SectorType: ucfs.SectorTypeDirectory, Sector: 7, NewData: sector(0xDD, 512)},
	}
	require.NoError(t, log.Commit(journal.KindEntryDelete, ops))

	// Simulate a crash mid-transaction: append a record header+payload for a
	// second transaction but never write its commit record.
	torn := []journal.WriteOp{
		{SectorType: ucfs.SectorTypeFile, Sector: 99, NewData: sector(0xEE, 512)},
	}
	// Append the torn transaction with another Commit call that we then
	// truncate back, simulating a crash before the whole transaction and
	// its commit header landed.
	fullBefore := len(store.data)
	require.NoError(t, log.Commit(journal.KindEntryUpdate, torn))
	// Truncate off the back half of the second transaction's bytes: its
	// commit header and the tail of its record payload are lost, as a torn
	// write would leave behind.
	trailing := len(store.data) - fullBefore
	require.NoError(t, store.Resize(uint64(len(store.data)-trailing/2)))

	var applied []journal.WriteOp
	apply := func(t ucfs.SectorType, sector uint64, data []byte) error {
		applied = append(applied, journal.WriteOp{SectorType: t, Sector: sector})
		return nil
	}
	_, err = journal.Open(store, func() error { return nil }, apply)
	require.NoError(t, err)
	require.Len(t, applied, 1, "only the first, committed transaction is replayed")
	assert.Equal(t, uint64(7), applied[0].Sector, "an uncommitted trailing transaction must never be replayed")
}

func TestCommit_FlushIsInvoked(t *testing.T) {
	store := &memStore{}
	flushCount := 0
	log, err := journal.Open(store, func() error { flushCount++; return nil }, nil)
	require.NoError(t, err)

	ops := []journal.WriteOp{
		{SectorType: ucfs.SectorTypeManagement, Sector: 0, NewData: sector(0x11, 512)},
	}
	require.NoError(t, log.Commit(journal.KindEntryUpdate, ops))
	assert.Equal(t, 1, flushCount, "Commit must flush exactly once per committed transaction")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "entry-create", journal.KindEntryCreate.String())
	assert.Equal(t, "cluster-extend", journal.KindClusterExtend.String())
	assert.Equal(t, "unknown", journal.Kind(200).String())
}
