// Package placement defines the striping, pool and snapshot types shared by
// the purge core and the object-store client. A Layout describes how a
// logical target's bytes map onto physical store objects; a SnapContext
// carries the snapshot versioning under which deletes must be issued.
package placement

import (
	"errors"
	"fmt"
)

// Common errors returned by Validate.
var (
	ErrZeroStripeUnit   = errors.New("placement: stripe unit must be positive")
	ErrZeroStripeCount  = errors.New("placement: stripe count must be positive")
	ErrZeroObjectSize   = errors.New("placement: object size must be positive")
	ErrUnalignedObject  = errors.New("placement: object size must be a multiple of the stripe unit")
	ErrUnorderedSnaps   = errors.New("placement: snapshot ids must be in descending order")
	ErrSnapAboveContext = errors.New("placement: snapshot id exceeds context sequence")
)

// Layout describes how a target's data is striped across store objects.
type Layout struct {
	// PoolID identifies the storage pool holding the data objects and the
	// primary backtrace object.
	PoolID int64

	// StripeUnit is the size in bytes of one stripe unit.
	StripeUnit uint32

	// StripeCount is the number of objects a stripe row spans.
	StripeCount uint32

	// ObjectSize is the maximum size in bytes of one store object.
	ObjectSize uint32

	// Namespace is an optional store namespace for the data objects.
	// The backtrace object always lives outside any namespace.
	Namespace string
}

// DefaultLayout returns the layout applied to targets without an explicit one:
// a single 4 MiB object per stripe period.
func DefaultLayout(poolID int64) Layout {
	return Layout{
		PoolID:      poolID,
		StripeUnit:  4 << 20,
		StripeCount: 1,
		ObjectSize:  4 << 20,
	}
}

// IsZero reports whether the layout is entirely unset. A zero layout means
// the target carries no data objects.
func (l Layout) IsZero() bool {
	return l == Layout{}
}

// Validate checks the layout's striping parameters.
func (l Layout) Validate() error {
	if l.StripeUnit == 0 {
		return ErrZeroStripeUnit
	}
	if l.StripeCount == 0 {
		return ErrZeroStripeCount
	}
	if l.ObjectSize == 0 {
		return ErrZeroObjectSize
	}
	if l.ObjectSize%l.StripeUnit != 0 {
		return ErrUnalignedObject
	}
	return nil
}

// PoolLocator addresses a pool, optionally scoped to a namespace.
type PoolLocator struct {
	PoolID    int64
	Namespace string
}

// DataLocator returns the locator for the layout's data objects.
func (l Layout) DataLocator() PoolLocator {
	return PoolLocator{PoolID: l.PoolID, Namespace: l.Namespace}
}

// SnapContext is the snapshot versioning context for a store operation:
// the most recent snapshot sequence plus the set of live snapshot ids,
// ordered from newest to oldest.
type SnapContext struct {
	Seq   uint64
	Snaps []uint64
}

// Validate checks ordering of the snapshot set against the sequence.
func (sc SnapContext) Validate() error {
	prev := sc.Seq
	for i, s := range sc.Snaps {
		if s > sc.Seq {
			return fmt.Errorf("%w: snap %d at index %d, seq %d", ErrSnapAboveContext, s, i, sc.Seq)
		}
		if i > 0 && s >= prev {
			return fmt.Errorf("%w: snap %d at index %d", ErrUnorderedSnaps, s, i)
		}
		prev = s
	}
	return nil
}

// ObjectName returns the store object name for the given physical object
// index of a target: the target id in hex, a dot, and the zero-padded index.
func ObjectName(targetID, index uint64) string {
	return fmt.Sprintf("%x.%08x", targetID, index)
}

// BacktraceName returns the name of a target's primary backtrace object.
// The backtrace is stored alongside the first data object.
func BacktraceName(targetID uint64) string {
	return ObjectName(targetID, 0)
}
