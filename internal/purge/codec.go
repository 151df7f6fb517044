package purge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tidefs-io/scour/internal/placement"
)

// Serialized item layout. Every encoded structure is wrapped in a versioned
// envelope: struct version byte, compat version byte, body length uint32,
// then the body. A decoder rejects a compat version newer than it supports
// and skips trailing body bytes written by a newer struct version. All
// integers are big-endian.
const (
	// itemVersion is the current Item struct version.
	itemVersion = 1
	// itemCompatVersion is the oldest decoder able to read current items.
	itemCompatVersion = 1

	// layoutVersion is the current Layout struct version. Version 2 added
	// the namespace field.
	layoutVersion = 2
	// layoutCompatVersion is the oldest decoder able to read current layouts.
	layoutCompatVersion = 1

	envelopeHeaderSize = 6 // struct version + compat version + body length
)

// Codec errors.
var (
	// ErrTruncated is returned when an encoded value ends before its
	// declared length.
	ErrTruncated = errors.New("purge: truncated encoding")

	// ErrIncompatibleVersion is returned when an encoded value requires a
	// newer decoder than this build.
	ErrIncompatibleVersion = errors.New("purge: incompatible encoding version")
)

// EncodedSize returns the number of bytes Encode will produce for the item.
func (it Item) EncodedSize() int {
	body := 8 + 8 // target id + size
	body += envelopeHeaderSize + layoutBodySize(it.Layout)
	body += 4 + 8*len(it.OldPools)
	body += 8 + 4 + 8*len(it.SnapC.Snaps)
	return envelopeHeaderSize + body
}

func layoutBodySize(l placement.Layout) int {
	return 8 + 4 + 4 + 4 + 4 + len(l.Namespace)
}

// Encode serializes the item for journal storage.
func (it Item) Encode() []byte {
	buf := make([]byte, it.EncodedSize())

	body := buf[envelopeHeaderSize:]
	off := 0
	binary.BigEndian.PutUint64(body[off:], it.TargetID)
	off += 8
	binary.BigEndian.PutUint64(body[off:], it.Size)
	off += 8
	off += encodeLayout(body[off:], it.Layout)

	binary.BigEndian.PutUint32(body[off:], uint32(len(it.OldPools)))
	off += 4
	for _, pool := range it.OldPools {
		binary.BigEndian.PutUint64(body[off:], uint64(pool))
		off += 8
	}

	binary.BigEndian.PutUint64(body[off:], it.SnapC.Seq)
	off += 8
	binary.BigEndian.PutUint32(body[off:], uint32(len(it.SnapC.Snaps)))
	off += 4
	for _, snap := range it.SnapC.Snaps {
		binary.BigEndian.PutUint64(body[off:], snap)
		off += 8
	}

	putEnvelopeHeader(buf, itemVersion, itemCompatVersion, uint32(off))
	return buf
}

func encodeLayout(buf []byte, l placement.Layout) int {
	body := buf[envelopeHeaderSize:]
	off := 0
	binary.BigEndian.PutUint64(body[off:], uint64(l.PoolID))
	off += 8
	binary.BigEndian.PutUint32(body[off:], l.StripeUnit)
	off += 4
	binary.BigEndian.PutUint32(body[off:], l.StripeCount)
	off += 4
	binary.BigEndian.PutUint32(body[off:], l.ObjectSize)
	off += 4
	binary.BigEndian.PutUint32(body[off:], uint32(len(l.Namespace)))
	off += 4
	off += copy(body[off:], l.Namespace)

	putEnvelopeHeader(buf, layoutVersion, layoutCompatVersion, uint32(off))
	return envelopeHeaderSize + off
}

func putEnvelopeHeader(buf []byte, structVersion, compatVersion uint8, bodyLen uint32) {
	buf[0] = structVersion
	buf[1] = compatVersion
	binary.BigEndian.PutUint32(buf[2:], bodyLen)
}

// DecodeItem deserializes one item from data, which must begin with an item
// envelope. Trailing bytes after the envelope are ignored.
func DecodeItem(data []byte) (Item, error) {
	_, body, err := openEnvelope(data, itemVersion, "item")
	if err != nil {
		return Item{}, err
	}

	var it Item
	off := 0
	if len(body) < off+16 {
		return Item{}, fmt.Errorf("%w: item fields", ErrTruncated)
	}
	it.TargetID = binary.BigEndian.Uint64(body[off:])
	off += 8
	it.Size = binary.BigEndian.Uint64(body[off:])
	off += 8

	layout, n, err := decodeLayout(body[off:])
	if err != nil {
		return Item{}, err
	}
	it.Layout = layout
	off += n

	if len(body) < off+4 {
		return Item{}, fmt.Errorf("%w: old pool count", ErrTruncated)
	}
	nPools := binary.BigEndian.Uint32(body[off:])
	off += 4
	if uint64(len(body)-off) < uint64(nPools)*8 {
		return Item{}, fmt.Errorf("%w: old pools", ErrTruncated)
	}
	if nPools > 0 {
		it.OldPools = make([]int64, nPools)
		for i := range it.OldPools {
			it.OldPools[i] = int64(binary.BigEndian.Uint64(body[off:]))
			off += 8
		}
	}

	if len(body) < off+12 {
		return Item{}, fmt.Errorf("%w: snap context", ErrTruncated)
	}
	it.SnapC.Seq = binary.BigEndian.Uint64(body[off:])
	off += 8
	nSnaps := binary.BigEndian.Uint32(body[off:])
	off += 4
	if uint64(len(body)-off) < uint64(nSnaps)*8 {
		return Item{}, fmt.Errorf("%w: snaps", ErrTruncated)
	}
	if nSnaps > 0 {
		it.SnapC.Snaps = make([]uint64, nSnaps)
		for i := range it.SnapC.Snaps {
			it.SnapC.Snaps[i] = binary.BigEndian.Uint64(body[off:])
			off += 8
		}
	}

	// A newer struct version may have appended fields; they sit inside the
	// envelope length and are skipped here.
	return it, nil
}

func decodeLayout(data []byte) (placement.Layout, int, error) {
	structVer, body, err := openEnvelope(data, layoutVersion, "layout")
	if err != nil {
		return placement.Layout{}, 0, err
	}

	var l placement.Layout
	off := 0
	if len(body) < off+20 {
		return placement.Layout{}, 0, fmt.Errorf("%w: layout fields", ErrTruncated)
	}
	l.PoolID = int64(binary.BigEndian.Uint64(body[off:]))
	off += 8
	l.StripeUnit = binary.BigEndian.Uint32(body[off:])
	off += 4
	l.StripeCount = binary.BigEndian.Uint32(body[off:])
	off += 4
	l.ObjectSize = binary.BigEndian.Uint32(body[off:])
	off += 4

	// The namespace field exists only at layout version 2 and later.
	if structVer >= 2 {
		if len(body) < off+4 {
			return placement.Layout{}, 0, fmt.Errorf("%w: namespace length", ErrTruncated)
		}
		nsLen := binary.BigEndian.Uint32(body[off:])
		off += 4
		if uint32(len(body)-off) < nsLen {
			return placement.Layout{}, 0, fmt.Errorf("%w: namespace", ErrTruncated)
		}
		l.Namespace = string(body[off : off+int(nsLen)])
	}

	return l, envelopeHeaderSize + len(body), nil
}

// openEnvelope validates an envelope header and returns the struct version
// and the body slice. maxVersion is the newest struct version this build
// writes; a higher compat version than that is unreadable.
func openEnvelope(data []byte, maxVersion uint8, what string) (uint8, []byte, error) {
	if len(data) < envelopeHeaderSize {
		return 0, nil, fmt.Errorf("%w: %s envelope", ErrTruncated, what)
	}
	structVer := data[0]
	compatVer := data[1]
	if compatVer > maxVersion {
		return 0, nil, fmt.Errorf("%w: %s requires version %d, have %d",
			ErrIncompatibleVersion, what, compatVer, maxVersion)
	}
	bodyLen := binary.BigEndian.Uint32(data[2:])
	if uint32(len(data)-envelopeHeaderSize) < bodyLen {
		return 0, nil, fmt.Errorf("%w: %s body", ErrTruncated, what)
	}
	return structVer, data[envelopeHeaderSize : envelopeHeaderSize+int(bodyLen)], nil
}
