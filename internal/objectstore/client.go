// Package objectstore defines the Client interface for issuing delete
// operations against the backing object store.
//
// The purge core fans deletes for one purge item out through a Client and
// treats them as idempotent: deleting an object that no longer exists must
// succeed. Snapshot-aware stores use the SnapContext on each call to respect
// copy-on-write snapshots; stores without snapshots may ignore it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidefs-io/scour/internal/placement"
)

// Common errors returned by Client implementations.
var (
	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("objectstore: client closed")
)

// OpError wraps an error with the operation and object context.
type OpError struct {
	Op   string // "DeleteRange" or "DeleteObject"
	Name string // object name, or the target id in hex for range deletes
	Pool int64
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("objectstore: %s %q pool %d: %v", e.Op, e.Name, e.Pool, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Client issues delete operations against the object store.
//
// All methods accept a context for cancellation and deadline propagation.
// Implementations must be safe for concurrent use; the purge core issues
// the operations for one item concurrently.
type Client interface {
	// DeleteRange removes the physical data objects with indexes
	// [firstObject, firstObject+objectCount) belonging to targetID, placed
	// per the layout, under the given snapshot context.
	//
	// DeleteRange is idempotent: objects already absent are skipped without
	// error.
	DeleteRange(ctx context.Context, targetID uint64, layout placement.Layout, snapc placement.SnapContext, firstObject, objectCount uint64, at time.Time) error

	// DeleteObject removes a single named object from the located pool under
	// the given snapshot context.
	//
	// DeleteObject is idempotent: deleting a missing object succeeds.
	DeleteObject(ctx context.Context, name string, loc placement.PoolLocator, snapc placement.SnapContext, at time.Time) error

	// Close releases resources associated with the client. After Close
	// returns, all other methods return ErrClosed.
	Close() error
}
