package purge

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/tidefs-io/scour/internal/placement"
)

func TestItemRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		item Item
	}{
		{
			name: "data with namespace and old pools",
			item: Item{
				TargetID: 0x10000000123,
				Size:     5 << 20,
				Layout: placement.Layout{
					PoolID:      3,
					StripeUnit:  1 << 20,
					StripeCount: 3,
					ObjectSize:  4 << 20,
					Namespace:   "fsvolume",
				},
				OldPools: []int64{1, 2},
				SnapC:    placement.SnapContext{Seq: 44, Snaps: []uint64{44, 41, 7}},
			},
		},
		{
			name: "metadata only",
			item: Item{
				TargetID: 0x100,
				Size:     0,
				Layout:   placement.DefaultLayout(5),
			},
		},
		{
			name: "zero value snap context",
			item: Item{
				TargetID: 1,
				Size:     4096,
				Layout:   placement.DefaultLayout(1),
				OldPools: []int64{9},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.item.Encode()
			if len(enc) != tt.item.EncodedSize() {
				t.Fatalf("encoded %d bytes, EncodedSize says %d", len(enc), tt.item.EncodedSize())
			}

			got, err := DecodeItem(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.item) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.item)
			}
		})
	}
}

func TestDecodeItemTruncated(t *testing.T) {
	item := Item{
		TargetID: 0x200,
		Size:     1 << 20,
		Layout:   placement.DefaultLayout(2),
		OldPools: []int64{4},
		SnapC:    placement.SnapContext{Seq: 9, Snaps: []uint64{9}},
	}
	enc := item.Encode()

	for _, n := range []int{0, 3, envelopeHeaderSize, envelopeHeaderSize + 10, len(enc) - 1} {
		if _, err := DecodeItem(enc[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("decode of %d/%d bytes: got %v, want ErrTruncated", n, len(enc), err)
		}
	}
}

func TestDecodeItemRejectsWrappedCounts(t *testing.T) {
	item := Item{TargetID: 0x400, Size: 1 << 20, Layout: placement.DefaultLayout(3)}
	enc := item.Encode()

	// Element counts the body cannot possibly hold must fail the length
	// check rather than wrap it; 0x20000000 * 8 overflows uint32 to zero.
	const wrapCount = 0x20000000
	poolCountOff := envelopeHeaderSize + 16 + envelopeHeaderSize + layoutBodySize(item.Layout)
	snapCountOff := poolCountOff + 4 + 8

	pools := append([]byte{}, enc...)
	binary.BigEndian.PutUint32(pools[poolCountOff:], wrapCount)
	if _, err := DecodeItem(pools); !errors.Is(err, ErrTruncated) {
		t.Errorf("wrapped old pool count: got %v, want ErrTruncated", err)
	}

	snaps := append([]byte{}, enc...)
	binary.BigEndian.PutUint32(snaps[snapCountOff:], wrapCount)
	if _, err := DecodeItem(snaps); !errors.Is(err, ErrTruncated) {
		t.Errorf("wrapped snap count: got %v, want ErrTruncated", err)
	}
}

func TestDecodeItemRejectsNewerCompatVersion(t *testing.T) {
	enc := Item{TargetID: 1, Size: 1, Layout: placement.DefaultLayout(1)}.Encode()
	enc[1] = itemVersion + 1 // compat version beyond this build

	if _, err := DecodeItem(enc); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("got %v, want ErrIncompatibleVersion", err)
	}
}

func TestDecodeItemSkipsNewerStructFields(t *testing.T) {
	item := Item{
		TargetID: 0x300,
		Size:     8 << 20,
		Layout:   placement.DefaultLayout(7),
		SnapC:    placement.SnapContext{Seq: 3, Snaps: []uint64{3, 1}},
	}
	enc := item.Encode()

	// A future struct version appends fields inside the envelope; a current
	// decoder must read the fields it knows and skip the rest.
	extended := append(append([]byte{}, enc...), 0xde, 0xad, 0xbe, 0xef)
	extended[0] = itemVersion + 1
	bodyLen := binary.BigEndian.Uint32(extended[2:])
	binary.BigEndian.PutUint32(extended[2:], bodyLen+4)

	got, err := DecodeItem(extended)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, item) {
		t.Errorf("decoded %+v, want %+v", got, item)
	}
}

func TestDecodeLayoutVersion1HasNoNamespace(t *testing.T) {
	// A version-1 layout predates the namespace field entirely.
	body := make([]byte, 20)
	binary.BigEndian.PutUint64(body[0:], 42)      // pool id
	binary.BigEndian.PutUint32(body[8:], 1<<20)   // stripe unit
	binary.BigEndian.PutUint32(body[12:], 1)      // stripe count
	binary.BigEndian.PutUint32(body[16:], 4<<20)  // object size
	enc := make([]byte, envelopeHeaderSize, envelopeHeaderSize+len(body))
	putEnvelopeHeader(enc, 1, 1, uint32(len(body)))
	enc = append(enc, body...)

	layout, n, err := decodeLayout(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Errorf("consumed %d bytes, want %d", n, len(enc))
	}
	want := placement.Layout{PoolID: 42, StripeUnit: 1 << 20, StripeCount: 1, ObjectSize: 4 << 20}
	if layout != want {
		t.Errorf("decoded %+v, want %+v", layout, want)
	}
}
