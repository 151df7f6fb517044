// Package journal implements the append-only local-disk journal backing the
// purge queue: a write cursor, a read cursor, and a durable expire cursor
// below which journal bytes are reclaimable.
//
// On disk a journal is a directory holding a HEAD file plus segment files
// named seg-<start offset>.j. Logical byte offsets are contiguous across
// segments and records never straddle a segment boundary, so trimming is the
// deletion of whole segment files entirely below the expire position. HEAD
// persists the expire position and is rewritten atomically (temp file,
// rename, directory fsync).
//
// Records are framed as a 4-byte length, a CRC32C of the payload, a flags
// byte and the payload; payloads over a configurable threshold are
// snappy-compressed.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

const (
	// headMagic identifies a scour journal HEAD file.
	headMagic = "SCOURJ1"

	// headVersion is the current HEAD format version.
	headVersion uint16 = 1

	// headSize is the fixed size of the HEAD file in bytes:
	// magic(7) + version(2) + uuid(16) + expire(8) + crc(4).
	headSize = 37

	// recordHeaderSize is the per-record framing overhead:
	// length(4) + crc(4) + flags(1).
	recordHeaderSize = 9

	// flagSnappy marks a snappy-compressed payload.
	flagSnappy = 1 << 0

	headFileName  = "HEAD"
	segFilePrefix = "seg-"
	segFileSuffix = ".j"
)

// crc32cTable is the Castagnoli polynomial table used for CRC32C.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Common errors returned by Journal operations.
var (
	// ErrNoJournal is returned by Recover when no journal exists at the
	// configured directory.
	ErrNoJournal = errors.New("journal: no journal found")

	// ErrExists is returned by Create when a journal already exists.
	ErrExists = errors.New("journal: journal already exists")

	// ErrClosed is returned when operations are attempted on a closed journal.
	ErrClosed = errors.New("journal: closed")

	// ErrReadOnly is returned by Append before SetWritable has been called.
	ErrReadOnly = errors.New("journal: read-only")

	// ErrNotLoaded is returned when neither Create nor Recover has completed.
	ErrNotLoaded = errors.New("journal: not created or recovered")

	// ErrInvalidMagic is returned when HEAD does not carry the journal magic.
	ErrInvalidMagic = errors.New("journal: invalid HEAD magic")

	// ErrUnsupportedVersion is returned for a HEAD format newer than this build.
	ErrUnsupportedVersion = errors.New("journal: unsupported HEAD version")

	// ErrCorrupt is returned when on-disk state fails validation.
	ErrCorrupt = errors.New("journal: corrupt")
)

// Config configures a Journal.
type Config struct {
	// SegmentSizeBytes is the target size of one segment file. A segment is
	// rotated once it reaches this size. Default: 4 MiB.
	SegmentSizeBytes int64

	// CompressMinBytes is the minimum payload size for snappy compression.
	// Zero selects the default of 512; negative disables compression.
	CompressMinBytes int64
}

const (
	defaultSegmentSize = 4 << 20
	defaultCompressMin = 512
)

// Journal is an append-only segment-file journal. It is safe for concurrent
// use; all state is guarded by one mutex, and the readability waiter is
// always invoked without that mutex held.
type Journal struct {
	mu  sync.Mutex
	dir string
	cfg Config

	id uuid.UUID

	// segments is ordered by start offset; the last one receives appends.
	segments []*segment

	writePos   uint64 // next append offset
	durablePos uint64 // bytes below this are fsynced
	readPos    uint64
	expirePos  uint64

	waiter   func()
	writable bool
	loaded   bool
	closed   bool
}

type segment struct {
	start uint64
	f     *os.File
}

// New returns a Journal handle for the given directory. The journal is not
// usable until Create or Recover succeeds.
func New(dir string, cfg Config) *Journal {
	if cfg.SegmentSizeBytes <= 0 {
		cfg.SegmentSizeBytes = defaultSegmentSize
	}
	if cfg.CompressMinBytes == 0 {
		cfg.CompressMinBytes = defaultCompressMin
	}
	return &Journal{dir: dir, cfg: cfg}
}

// ID returns the journal's unique identifier, assigned at Create.
func (j *Journal) ID() uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// Create initializes a brand-new journal: the directory and the first
// segment file. The HEAD file is not written until WriteHeader.
func (j *Journal) Create(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.loaded {
		return ErrExists
	}
	if _, err := os.Stat(filepath.Join(j.dir, headFileName)); err == nil {
		return ErrExists
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("journal: create dir: %w", err)
	}

	j.id = uuid.New()
	if err := j.openSegmentLocked(0); err != nil {
		return err
	}
	j.loaded = true
	return nil
}

// WriteHeader durably persists the HEAD file with the current expire position.
func (j *Journal) WriteHeader(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if !j.loaded {
		return ErrNotLoaded
	}
	return j.writeHeadLocked()
}

// SetWritable marks the journal as accepting appends.
func (j *Journal) SetWritable() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writable = true
}

// IsReadOnly reports whether the journal rejects appends.
func (j *Journal) IsReadOnly() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.writable
}

// Append frames the entry as a record and writes it to the active segment.
// The record is not durable until Flush returns.
func (j *Journal) Append(entry []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if !j.loaded {
		return ErrNotLoaded
	}
	if !j.writable {
		return ErrReadOnly
	}

	payload := entry
	flags := byte(0)
	if j.cfg.CompressMinBytes > 0 && int64(len(entry)) >= j.cfg.CompressMinBytes {
		if c := snappy.Encode(nil, entry); len(c) < len(entry) {
			payload = c
			flags = flagSnappy
		}
	}

	active := j.segments[len(j.segments)-1]
	if int64(j.writePos-active.start) >= j.cfg.SegmentSizeBytes {
		if err := j.rotateLocked(); err != nil {
			return err
		}
		active = j.segments[len(j.segments)-1]
	}

	rec := make([]byte, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(rec[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(rec[4:8], crc32.Checksum(payload, crc32cTable))
	rec[8] = flags
	copy(rec[recordHeaderSize:], payload)

	if _, err := active.f.WriteAt(rec, int64(j.writePos-active.start)); err != nil {
		return fmt.Errorf("journal: append at 0x%x: %w", j.writePos, err)
	}
	j.writePos += uint64(len(rec))
	return nil
}

// Flush makes all appended records durable and, if that made new data
// readable, fires the registered readability waiter.
func (j *Journal) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	if !j.loaded {
		j.mu.Unlock()
		return ErrNotLoaded
	}

	if j.durablePos < j.writePos {
		active := j.segments[len(j.segments)-1]
		if err := active.f.Sync(); err != nil {
			j.mu.Unlock()
			return fmt.Errorf("journal: sync: %w", err)
		}
		j.durablePos = j.writePos
	}

	var w func()
	if j.waiter != nil && j.readPos < j.durablePos {
		w = j.waiter
		j.waiter = nil
	}
	j.mu.Unlock()

	if w != nil {
		w()
	}
	return nil
}

// IsReadable reports whether a durable record is available past the read
// cursor.
func (j *Journal) IsReadable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readPos < j.durablePos
}

// TryReadEntry reads the record at the read cursor and advances past it.
// It returns (nil, nil) when nothing durable is readable.
func (j *Journal) TryReadEntry() ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}
	if j.readPos >= j.durablePos {
		return nil, nil
	}

	seg := j.segmentForLocked(j.readPos)
	off := int64(j.readPos - seg.start)

	var hdr [recordHeaderSize]byte
	if _, err := seg.f.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("journal: read header at 0x%x: %w", j.readPos, err)
	}
	plen := binary.BigEndian.Uint32(hdr[0:4])
	crc := binary.BigEndian.Uint32(hdr[4:8])
	flags := hdr[8]

	payload := make([]byte, plen)
	if _, err := seg.f.ReadAt(payload, off+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("journal: read payload at 0x%x: %w", j.readPos, err)
	}
	if crc32.Checksum(payload, crc32cTable) != crc {
		return nil, fmt.Errorf("%w: record crc mismatch at 0x%x", ErrCorrupt, j.readPos)
	}

	j.readPos += recordHeaderSize + uint64(plen)

	if flags&flagSnappy != 0 {
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: record at 0x%x does not decompress: %v", ErrCorrupt, j.readPos, err)
		}
		return out, nil
	}
	return payload, nil
}

// ReadPos returns the read cursor: the offset immediately following the last
// consumed record.
func (j *Journal) ReadPos() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readPos
}

// WritePos returns the write cursor.
func (j *Journal) WritePos() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writePos
}

// ExpirePos returns the expire cursor.
func (j *Journal) ExpirePos() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.expirePos
}

// SetExpirePos moves the expire cursor. The caller owns the safety argument;
// moving it past the read cursor would discard unconsumed records, so that
// is treated as an internal consistency violation.
func (j *Journal) SetExpirePos(pos uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if pos > j.readPos {
		panic(fmt.Sprintf("journal: expire position 0x%x past read position 0x%x", pos, j.readPos))
	}
	j.expirePos = pos
}

// Trim deletes segment files entirely below the expire position and persists
// HEAD with the new expire position.
func (j *Journal) Trim() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if !j.loaded {
		return ErrNotLoaded
	}

	for len(j.segments) > 1 && j.segments[1].start <= j.expirePos {
		first := j.segments[0]
		first.f.Close()
		if err := os.Remove(j.segmentPath(first.start)); err != nil {
			return fmt.Errorf("journal: trim segment 0x%x: %w", first.start, err)
		}
		j.segments = j.segments[1:]
	}

	return j.writeHeadLocked()
}

// WaitForReadable registers fn to be invoked once a durable record becomes
// readable. At most one waiter may be outstanding; if the journal is already
// readable, fn is invoked asynchronously right away.
func (j *Journal) WaitForReadable(fn func()) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	if j.readPos < j.durablePos {
		j.mu.Unlock()
		go fn()
		return
	}
	if j.waiter != nil {
		j.mu.Unlock()
		panic("journal: readability waiter already registered")
	}
	j.waiter = fn
	j.mu.Unlock()
}

// HaveWaiter reports whether a readability waiter is registered.
func (j *Journal) HaveWaiter() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.waiter != nil
}

// Close releases the journal's file handles. Appended but unflushed records
// are synced best-effort. A registered waiter is dropped without firing.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	j.waiter = nil

	var firstErr error
	if j.loaded && j.durablePos < j.writePos {
		active := j.segments[len(j.segments)-1]
		if err := active.f.Sync(); err == nil {
			j.durablePos = j.writePos
		} else if firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range j.segments {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// rotateLocked syncs the active segment and starts a new one at the write
// cursor.
func (j *Journal) rotateLocked() error {
	active := j.segments[len(j.segments)-1]
	if err := active.f.Sync(); err != nil {
		return fmt.Errorf("journal: sync before rotate: %w", err)
	}
	j.durablePos = j.writePos
	return j.openSegmentLocked(j.writePos)
}

// openSegmentLocked opens (creating if needed) the segment file starting at
// the given offset and appends it to the segment list.
func (j *Journal) openSegmentLocked(start uint64) error {
	f, err := os.OpenFile(j.segmentPath(start), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open segment 0x%x: %w", start, err)
	}
	j.segments = append(j.segments, &segment{start: start, f: f})
	return nil
}

// segmentForLocked returns the segment containing the given offset.
func (j *Journal) segmentForLocked(pos uint64) *segment {
	for i := len(j.segments) - 1; i >= 0; i-- {
		if j.segments[i].start <= pos {
			return j.segments[i]
		}
	}
	panic(fmt.Sprintf("journal: no segment for offset 0x%x", pos))
}

func (j *Journal) segmentPath(start uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s%016x%s", segFilePrefix, start, segFileSuffix))
}

// listSegmentStarts returns the start offsets of the segment files present
// in the journal directory, sorted ascending.
func listSegmentStarts(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var starts []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segFilePrefix) || !strings.HasSuffix(name, segFileSuffix) {
			continue
		}
		hex := strings.TrimSuffix(strings.TrimPrefix(name, segFilePrefix), segFileSuffix)
		var start uint64
		if _, err := fmt.Sscanf(hex, "%016x", &start); err != nil {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(a, b int) bool { return starts[a] < starts[b] })
	return starts, nil
}

// syncDir fsyncs a directory so renames within it are durable.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
