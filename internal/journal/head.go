package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// head is the decoded HEAD file: the journal identity plus the durable
// expire position.
type head struct {
	id        uuid.UUID
	expirePos uint64
}

// encodeHead writes the fixed-size HEAD layout:
// magic(7) version(2) uuid(16) expire(8) crc32c(4).
func encodeHead(h head) []byte {
	buf := make([]byte, headSize)
	off := 0

	copy(buf[off:], headMagic)
	off += 7

	binary.BigEndian.PutUint16(buf[off:], headVersion)
	off += 2

	copy(buf[off:], h.id[:])
	off += 16

	binary.BigEndian.PutUint64(buf[off:], h.expirePos)
	off += 8

	crc := crc32.Checksum(buf[:off], crc32cTable)
	binary.BigEndian.PutUint32(buf[off:], crc)
	return buf
}

// decodeHead parses and validates a HEAD file.
func decodeHead(data []byte) (head, error) {
	var h head
	if len(data) < headSize {
		return h, fmt.Errorf("%w: truncated HEAD (%d bytes)", ErrCorrupt, len(data))
	}

	off := 0
	if string(data[off:off+7]) != headMagic {
		return h, fmt.Errorf("%w: got %q", ErrInvalidMagic, string(data[off:off+7]))
	}
	off += 7

	version := binary.BigEndian.Uint16(data[off : off+2])
	if version != headVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, headVersion)
	}
	off += 2

	copy(h.id[:], data[off:off+16])
	off += 16

	h.expirePos = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	crc := binary.BigEndian.Uint32(data[off : off+4])
	if crc32.Checksum(data[:off], crc32cTable) != crc {
		return h, fmt.Errorf("%w: HEAD crc mismatch", ErrCorrupt)
	}
	return h, nil
}

// writeHeadLocked atomically replaces HEAD with the current expire position:
// write to a temp file, fsync, rename over HEAD, fsync the directory.
func (j *Journal) writeHeadLocked() error {
	buf := encodeHead(head{id: j.id, expirePos: j.expirePos})

	tmp := filepath.Join(j.dir, headFileName+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: write HEAD: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("journal: write HEAD: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("journal: sync HEAD: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("journal: close HEAD: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(j.dir, headFileName)); err != nil {
		return fmt.Errorf("journal: rename HEAD: %w", err)
	}
	return syncDir(j.dir)
}
