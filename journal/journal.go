// Package journal implements the FAT metadata write-ahead log: an append-only sequence of records describing directory-entry and
// cluster-chain mutations, sealed by commit markers and replayed at mount.
//
// The log is not grounded on any single original_source file — uC/FS's
// journaling feature is a commercial add-on not present in the retrieved
// original_source tree — so this package is built directly from the
// write-ahead-log invariants (commit ordering, idempotent replay, and
// erring toward a longer log on reuse) using the prior implementation's
// general error-discipline (every fallible
// call returns a [errors.DriverError], nothing panics).
//
// Record encoding uses github.com/go-restruct/restruct for every
// fixed-size header, the same struct-tag-driven (un)packing
// _examples/dsoprea-go-exfat/structures.go uses for its on-disk structures;
// the variable-length payload that follows each header is copied by hand,
// since restruct (like that example) is reserved for fixed-shape binary
// layouts.
package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/go-restruct/restruct"

	"github.com/ucfs/ucfs/errors"
	"github.com/ucfs/ucfs/ucfs"
)

// magic is the fixed prefix at the head of the journal's dedicated cluster
// chain.
const magic = 0x55434a4c // "UCJL"

const formatVersion = 1

// Kind labels what a transaction represents, for diagnostics; replay
// behavior does not depend on it since every record is just a physical
// sector rewrite.
type Kind uint8

const (
	KindEntryCreate Kind = iota + 1
	KindEntryUpdate
	KindEntryDelete
	KindClusterAlloc
	KindClusterFree
	KindClusterExtend
)

func (k Kind) String() string {
	switch k {
	case KindEntryCreate:
		return "entry-create"
	case KindEntryUpdate:
		return "entry-update"
	case KindEntryDelete:
		return "entry-delete"
	case KindClusterAlloc:
		return "cluster-alloc"
	case KindClusterFree:
		return "cluster-free"
	case KindClusterExtend:
		return "cluster-extend"
	default:
		return "unknown"
	}
}

// WriteOp is one physical sector rewrite captured as part of a metadata
// mutation: "write NewData (a full sector) to (SectorType, Sector)".
// OldData is the pre-image, carried for diagnostic/manual-recovery
// purposes; replay itself only ever needs NewData, since redoing an
// already-applied write is always safe.
type WriteOp struct {
	SectorType ucfs.SectorType
	Sector     uint64
	OldData    []byte
	NewData    []byte
}

// fileHeader is the fixed 16-byte header for the
// journal's on-media format.
type fileHeader struct {
	Magic     uint32
	Version   uint16
	Reserved1 uint16 // keeps the header 4-byte aligned
	Reserved2 uint32
	Reserved3 uint32
}

// recordHeader precedes each WriteOp's payload within a transaction.
type recordHeader struct {
	SectorType uint8
	Reserved   [3]uint8
	Sector     uint64
	Length     uint32
}

// commitHeader seals a transaction: NumOps write records follow
// immediately before it, and CRC32 covers exactly those NumOps records
// (header+payload), computed over the bytes as written.
type commitHeader struct {
	Magic    uint32
	Kind     uint8
	Reserved [3]uint8
	NumOps   uint32
	CRC32    uint32
}

const commitRecordMagic = 0x434d4954 // "CMIT"

// Store is the narrow capability the journal needs from its backing file: a
// growable byte range with ordinary offset-addressed I/O. package fat
// satisfies this with *fat.Handle (which already implements
// ucfs.ObjectHandle) so the journal never needs to know it's sitting on a
// FAT cluster chain.
type Store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Resize(size uint64) error
}

// Applier performs the actual sector write a WriteOp describes, during
// replay. package fat supplies this as a thin wrapper over
// volume.Volume.WriteTagged.
type Applier func(t ucfs.SectorType, sector uint64, data []byte) error

// Log is one mounted journal: an append-only record stream over a Store,
// with an in-memory append cursor recovered by scanning at Open time.
type Log struct {
	store     Store
	flush     func() error
	appendOff int64
}

// Format initializes a fresh, empty journal at the start of store: writes
// the fixed magic header and truncates everything after it. Called once,
// when a volume first enables journaling. flush is called at the end of
// every Commit so the commit record lands on the device even when the
// volume's sector cache is write-back.
func Format(store Store, flush func() error) (*Log, error) {
	hdr := fileHeader{Magic: magic, Version: formatVersion}
	raw, err := restruct.Pack(binary.LittleEndian, &hdr)
	if err != nil {
		return nil, errors.ErrInvalidArgument.WrapError(err)
	}
	if err := store.Resize(uint64(len(raw))); err != nil {
		return nil, err
	}
	if _, err := store.WriteAt(raw, 0); err != nil {
		return nil, err
	}
	return &Log{store: store, flush: flush, appendOff: int64(len(raw))}, nil
}

func headerSize() int64 {
	raw, _ := restruct.Pack(binary.LittleEndian, &fileHeader{})
	return int64(len(raw))
}

// Open validates the journal's header, replays every committed transaction
// found in the log via apply, then compacts the log back to empty: once
// replay completes, every committed transaction is guaranteed to be
// reflected on media, so the range it occupied is the only "fully-applied
// range" safe to reclaim (we reclaim all
// of it, at mount, rather than trying to reuse a partial range mid-session
// — "erring on the side of a longer log" between commits).
func Open(store Store, flush func() error, apply Applier) (*Log, error) {
	hsz := headerSize()
	raw := make([]byte, hsz)
	// A fresh (zero-length) backing file reports short/EOF-shaped errors
	// that vary by Store implementation (package fat's ObjectHandle
	// returns its own out-of-range sentinel rather than io.EOF); rather
	// than special-case every such sentinel, treat "didn't get a full
	// header" as the only signal that matters here.
	n, _ := store.ReadAt(raw, 0)
	if n < int(hsz) {
		// Empty or too-short store: treat as never formatted.
		return Format(store, flush)
	}

	var hdr fileHeader
	if err := restruct.Unpack(raw, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.ErrEntryCorrupt.WrapError(err)
	}
	if hdr.Magic != magic {
		return nil, errors.ErrEntryCorrupt.WithMessage("journal header magic mismatch")
	}

	l := &Log{store: store, flush: flush, appendOff: hsz}
	if err := l.replay(apply); err != nil {
		return nil, err
	}
	if err := l.compact(); err != nil {
		return nil, err
	}
	return l, nil
}

// Commit appends a transaction describing ops, seals it with a commit
// record, and flushes the store (via the caller's own cache-flush path —
// the Store interface's WriteAt already routes through the volume's sector
// cache, same durability guarantee as any other metadata write). The
// caller (package fat's journaled) has already written ops into the real
// FAT/directory sectors, but only as far as the volume's write-back cache;
// none of it is durable yet. The flush Commit triggers here writes the
// file region — where this log itself lives — before the directory and
// management regions the cache flushes afterward (cache.FlushAll's
// ordering), so the commit record always reaches the device first. A
// crash after that point but before the FAT/directory sectors are themselves
// flushed leaves a committed transaction with stale media and an
// up-to-date log; replay simply redoes ops (always safe — see WriteOp).
func (l *Log) Commit(kind Kind, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	recordsStart := l.appendOff
	off := l.appendOff
	for _, op := range ops {
		rh := recordHeader{SectorType: uint8(op.SectorType), Sector: op.Sector, Length: uint32(len(op.NewData))}
		raw, err := restruct.Pack(binary.LittleEndian, &rh)
		if err != nil {
			return errors.ErrInvalidArgument.WrapError(err)
		}
		if _, err := l.store.WriteAt(raw, off); err != nil {
			return err
		}
		off += int64(len(raw))
		if _, err := l.store.WriteAt(op.NewData, off); err != nil {
			return err
		}
		off += int64(len(op.NewData))
	}

	recordsLen := off - recordsStart
	recordsRaw := make([]byte, recordsLen)
	if _, err := l.store.ReadAt(recordsRaw, recordsStart); err != nil {
		return err
	}

	ch := commitHeader{
		Magic:  commitRecordMagic,
		Kind:   uint8(kind),
		NumOps: uint32(len(ops)),
		CRC32:  crc32.ChecksumIEEE(recordsRaw),
	}
	craw, err := restruct.Pack(binary.LittleEndian, &ch)
	if err != nil {
		return errors.ErrInvalidArgument.WrapError(err)
	}
	if _, err := l.store.WriteAt(craw, off); err != nil {
		return err
	}
	l.appendOff = off + int64(len(craw))
	if l.flush != nil {
		return l.flush()
	}
	return nil
}

// replay scans from just after the header, grouping records into
// transactions terminated by a commit marker, and calling apply for every
// WriteOp of every fully-committed transaction it finds. It stops at (and
// silently discards) the first incomplete or corrupt tail: under the
// strict commit-then-apply ordering, an uncommitted transaction
// never touched real FAT/directory sectors, so there is nothing to roll
// back beyond not replaying it.
func (l *Log) replay(apply Applier) error {
	recordHdrSize := recordHeaderSize()
	commitHdrSize := commitHeaderSize()

	off := headerSize()
	var pending []WriteOp
	var pendingStart int64 = off

	for {
		rhRaw := make([]byte, recordHdrSize)
		n, _ := l.store.ReadAt(rhRaw, off)
		if n < int(recordHdrSize) {
			break // no more complete records; tail (if any) is discarded
		}

		// Try interpreting this as a commit header first: its Magic field
		// occupies the same leading bytes as a record header's SectorType
		// byte would never match commitRecordMagic's pattern by accident
		// because record headers are written record-by-record with a
		// known NumOps worth of records always preceding a real commit
		// header; we track that count explicitly instead of guessing.
		if len(pending) > 0 {
			chRaw := make([]byte, commitHdrSize)
			cn, _ := l.store.ReadAt(chRaw, off)
			if cn == int(commitHdrSize) {
				var ch commitHeader
				if err := restruct.Unpack(chRaw, binary.LittleEndian, &ch); err == nil &&
					ch.Magic == commitRecordMagic && int(ch.NumOps) == len(pending) {
					recordsRaw := make([]byte, off-pendingStart)
					if _, err := l.store.ReadAt(recordsRaw, pendingStart); err != nil {
						return err
					}
					if crc32.ChecksumIEEE(recordsRaw) == ch.CRC32 {
						for _, op := range pending {
							if err := apply(op.SectorType, op.Sector, op.NewData); err != nil {
								return err
							}
						}
						off += int64(commitHdrSize)
						pending = nil
						pendingStart = off
						continue
					}
				}
			}
			// Fall through: not a valid commit marker here yet, keep
			// accumulating records (a transaction's ops are always
			// written before its commit header).
		}

		var rh recordHeader
		if err := restruct.Unpack(rhRaw, binary.LittleEndian, &rh); err != nil {
			break
		}
		dataOff := off + int64(recordHdrSize)
		data := make([]byte, rh.Length)
		n, _ = l.store.ReadAt(data, dataOff)
		if n < int(rh.Length) {
			break // torn tail record, discard
		}

		pending = append(pending, WriteOp{
			SectorType: ucfs.SectorType(rh.SectorType),
			Sector:     rh.Sector,
			NewData:    data,
		})
		off = dataOff + int64(rh.Length)
	}

	return nil
}

// compact truncates the log back to just its header: safe immediately
// after a full, successful replay, since every committed transaction found
// is now guaranteed applied.
func (l *Log) compact() error {
	hsz := headerSize()
	if err := l.store.Resize(uint64(hsz)); err != nil {
		return err
	}
	l.appendOff = hsz
	return nil
}

func recordHeaderSize() int64 {
	raw, _ := restruct.Pack(binary.LittleEndian, &recordHeader{})
	return int64(len(raw))
}

func commitHeaderSize() int64 {
	raw, _ := restruct.Pack(binary.LittleEndian, &commitHeader{})
	return int64(len(raw))
}
