package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestJournal(t *testing.T, dir string, cfg Config) *Journal {
	t.Helper()
	j := New(dir, cfg)
	ctx := context.Background()
	if err := j.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := j.WriteHeader(ctx); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	j.SetWritable()
	return j
}

func appendAndFlush(t *testing.T, j *Journal, entries ...[]byte) {
	t.Helper()
	for _, e := range entries {
		if err := j.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := j.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), Config{})
	defer j.Close()

	entries := [][]byte{
		[]byte("alpha"),
		[]byte("bravo"),
		{0x00, 0xff, 0x10},
	}
	appendAndFlush(t, j, entries...)

	if !j.IsReadable() {
		t.Fatal("journal should be readable after flush")
	}

	for i, want := range entries {
		got, err := j.TryReadEntry()
		if err != nil {
			t.Fatalf("TryReadEntry %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("entry %d = %q, want %q", i, got, want)
		}
	}

	got, err := j.TryReadEntry()
	if err != nil || got != nil {
		t.Errorf("drained journal: got (%v, %v), want (nil, nil)", got, err)
	}
	if j.ReadPos() != j.WritePos() {
		t.Errorf("read pos %d != write pos %d after drain", j.ReadPos(), j.WritePos())
	}
}

func TestCompressedEntryRoundTrip(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), Config{CompressMinBytes: 64})
	defer j.Close()

	// Highly compressible, well over the threshold.
	entry := bytes.Repeat([]byte("tidefs"), 200)
	appendAndFlush(t, j, entry)

	// The on-journal record must be smaller than the raw entry.
	if j.WritePos() >= uint64(len(entry)) {
		t.Errorf("write pos %d suggests entry was not compressed (raw %d)", j.WritePos(), len(entry))
	}

	got, err := j.TryReadEntry()
	if err != nil {
		t.Fatalf("TryReadEntry failed: %v", err)
	}
	if !bytes.Equal(got, entry) {
		t.Error("compressed entry did not round-trip")
	}
}

func TestRotationAndTrim(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir, Config{SegmentSizeBytes: 64, CompressMinBytes: -1})
	defer j.Close()

	entry := bytes.Repeat([]byte("x"), 50)
	for i := 0; i < 4; i++ {
		appendAndFlush(t, j, entry)
	}

	if n := countSegments(t, dir); n < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", n)
	}

	// Consume everything, then expire and trim.
	for {
		got, err := j.TryReadEntry()
		if err != nil {
			t.Fatalf("TryReadEntry failed: %v", err)
		}
		if got == nil {
			break
		}
	}
	j.SetExpirePos(j.ReadPos())
	if err := j.Trim(); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}

	if n := countSegments(t, dir); n != 1 {
		t.Errorf("expected only the active segment after trim, got %d", n)
	}
	if j.ExpirePos() != j.WritePos() {
		t.Errorf("expire pos %d != write pos %d", j.ExpirePos(), j.WritePos())
	}
}

func TestRecoverResumesAtExpirePosition(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir, Config{})

	appendAndFlush(t, j, []byte("one"), []byte("two"), []byte("three"))

	if _, err := j.TryReadEntry(); err != nil {
		t.Fatalf("TryReadEntry failed: %v", err)
	}
	expire := j.ReadPos()
	j.SetExpirePos(expire)
	if err := j.Trim(); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	wrotePos := j.WritePos()
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := New(dir, Config{})
	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer r.Close()

	if r.ReadPos() != expire {
		t.Errorf("recovered read pos = %d, want %d", r.ReadPos(), expire)
	}
	if r.ExpirePos() != expire {
		t.Errorf("recovered expire pos = %d, want %d", r.ExpirePos(), expire)
	}
	if r.WritePos() != wrotePos {
		t.Errorf("recovered write pos = %d, want %d", r.WritePos(), wrotePos)
	}

	for _, want := range []string{"two", "three"} {
		got, err := r.TryReadEntry()
		if err != nil {
			t.Fatalf("TryReadEntry failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("replayed entry = %q, want %q", got, want)
		}
	}
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir, Config{})
	appendAndFlush(t, j, []byte("keep-1"), []byte("keep-2"))
	wrotePos := j.WritePos()
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash mid-append: garbage bytes after the last record.
	segPath := filepath.Join(dir, "seg-0000000000000000.j")
	f, err := os.OpenFile(segPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x01}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r := New(dir, Config{})
	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer r.Close()

	if r.WritePos() != wrotePos {
		t.Errorf("write pos = %d, want %d (torn tail should be dropped)", r.WritePos(), wrotePos)
	}

	// The journal must accept appends cleanly after truncation.
	r.SetWritable()
	appendAndFlush(t, r, []byte("keep-3"))

	for _, want := range []string{"keep-1", "keep-2", "keep-3"} {
		got, err := r.TryReadEntry()
		if err != nil {
			t.Fatalf("TryReadEntry failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("entry = %q, want %q", got, want)
		}
	}
}

func TestRecoverMissingJournal(t *testing.T) {
	j := New(t.TempDir(), Config{})
	err := j.Recover(context.Background())
	if !errors.Is(err, ErrNoJournal) {
		t.Fatalf("Recover on empty dir = %v, want ErrNoJournal", err)
	}
}

func TestRecoverRejectsNewerHeadVersion(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir, Config{})
	j.Close()

	headPath := filepath.Join(dir, headFileName)
	data, err := os.ReadFile(headPath)
	if err != nil {
		t.Fatal(err)
	}
	binary.BigEndian.PutUint16(data[7:9], headVersion+1)
	binary.BigEndian.PutUint32(data[headSize-4:], crc32.Checksum(data[:headSize-4], crc32cTable))
	if err := os.WriteFile(headPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(dir, Config{})
	err = r.Recover(context.Background())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Recover = %v, want ErrUnsupportedVersion", err)
	}
}

func TestAppendRequiresWritable(t *testing.T) {
	j := New(t.TempDir(), Config{})
	ctx := context.Background()
	if err := j.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer j.Close()

	if err := j.Append([]byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Append before SetWritable = %v, want ErrReadOnly", err)
	}
}

func TestWaitForReadableFiresOnFlush(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), Config{})
	defer j.Close()

	fired := make(chan struct{})
	j.WaitForReadable(func() { close(fired) })
	if !j.HaveWaiter() {
		t.Fatal("expected a registered waiter")
	}

	select {
	case <-fired:
		t.Fatal("waiter fired before any data was flushed")
	case <-time.After(10 * time.Millisecond):
	}

	appendAndFlush(t, j, []byte("wake"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not fire after flush")
	}
	if j.HaveWaiter() {
		t.Error("waiter should be consumed after firing")
	}
}

func TestWaitForReadableWhenAlreadyReadable(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), Config{})
	defer j.Close()

	appendAndFlush(t, j, []byte("ready"))

	fired := make(chan struct{})
	j.WaitForReadable(func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not fire for already-readable journal")
	}
}

func countSegments(t *testing.T, dir string) int {
	t.Helper()
	starts, err := listSegmentStarts(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(starts)
}
