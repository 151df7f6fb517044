package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// Recover loads an existing journal: HEAD establishes the expire position,
// the read cursor resumes there, and the write cursor is rediscovered by
// scanning records forward from it. A torn tail (a partially written final
// record) ends the scan and is truncated away so the next append lands on a
// clean boundary.
func (j *Journal) Recover(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.loaded {
		return ErrExists
	}

	data, err := os.ReadFile(filepath.Join(j.dir, headFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoJournal, j.dir)
		}
		return fmt.Errorf("journal: read HEAD: %w", err)
	}
	h, err := decodeHead(data)
	if err != nil {
		return err
	}
	j.id = h.id
	j.expirePos = h.expirePos
	j.readPos = h.expirePos

	starts, err := listSegmentStarts(j.dir)
	if err != nil {
		return fmt.Errorf("journal: list segments: %w", err)
	}
	if len(starts) == 0 {
		// All segments trimmed away with nothing outstanding; resume with a
		// fresh segment at the expire position.
		if err := j.openSegmentLocked(j.expirePos); err != nil {
			return err
		}
		j.writePos = j.expirePos
		j.durablePos = j.expirePos
		j.loaded = true
		return nil
	}

	for _, start := range starts {
		if err := j.openSegmentLocked(start); err != nil {
			return err
		}
	}
	if j.readPos < j.segments[0].start {
		return fmt.Errorf("%w: expire position 0x%x below first segment 0x%x",
			ErrCorrupt, j.readPos, j.segments[0].start)
	}

	if err := j.scanLocked(); err != nil {
		return err
	}
	j.loaded = true
	return nil
}

// scanLocked walks records forward from the read cursor to find the write
// cursor, validating framing and checksums. Only the final segment may end
// in a torn record; anything else is corruption.
func (j *Journal) scanLocked() error {
	pos := j.readPos

	// Skip segments entirely below the read cursor; they are awaiting trim.
	idx := 0
	for idx+1 < len(j.segments) && j.segments[idx+1].start <= pos {
		idx++
	}

	for i := idx; i < len(j.segments); i++ {
		seg := j.segments[i]
		info, err := seg.f.Stat()
		if err != nil {
			return fmt.Errorf("journal: stat segment 0x%x: %w", seg.start, err)
		}
		size := uint64(info.Size())

		if i > idx {
			if seg.start != pos {
				return fmt.Errorf("%w: gap between segments at 0x%x", ErrCorrupt, pos)
			}
		}

		end, torn, err := scanSegment(seg, pos-seg.start, size)
		if err != nil {
			return err
		}
		pos = seg.start + end

		if torn {
			if i != len(j.segments)-1 {
				return fmt.Errorf("%w: torn record inside segment 0x%x", ErrCorrupt, seg.start)
			}
			if err := seg.f.Truncate(int64(end)); err != nil {
				return fmt.Errorf("journal: truncate torn tail: %w", err)
			}
		}
	}

	j.writePos = pos
	j.durablePos = pos
	return nil
}

// scanSegment walks records in one segment file from off to size, returning
// the offset of the last valid record boundary and whether it stopped at a
// torn record rather than the end of the file.
func scanSegment(seg *segment, off, size uint64) (uint64, bool, error) {
	var hdr [recordHeaderSize]byte
	for off < size {
		if size-off < recordHeaderSize {
			return off, true, nil
		}
		if _, err := seg.f.ReadAt(hdr[:], int64(off)); err != nil {
			return 0, false, fmt.Errorf("journal: scan segment 0x%x: %w", seg.start, err)
		}
		plen := uint64(binary.BigEndian.Uint32(hdr[0:4]))
		crc := binary.BigEndian.Uint32(hdr[4:8])

		if size-off-recordHeaderSize < plen {
			return off, true, nil
		}
		payload := make([]byte, plen)
		if _, err := seg.f.ReadAt(payload, int64(off+recordHeaderSize)); err != nil {
			return 0, false, fmt.Errorf("journal: scan segment 0x%x: %w", seg.start, err)
		}
		if crc32.Checksum(payload, crc32cTable) != crc {
			return off, true, nil
		}
		off += recordHeaderSize + plen
	}
	return off, false, nil
}
