// Package purge implements the deferred-deletion queue: a journal-backed,
// crash-recoverable queue of purge items executed against an object store
// with bounded concurrency. The durable expire cursor advances only once the
// oldest outstanding item has finished, so a restart never loses pending
// deletions and never skips incomplete ones.
package purge

import (
	"github.com/tidefs-io/scour/internal/placement"
)

// Item is one deferred deletion unit: a logical target whose data objects
// and backtrace objects must be removed from the store. An Item is immutable
// after creation; it is fully determined at push time.
type Item struct {
	// TargetID identifies the logical object (e.g. an inode number).
	TargetID uint64

	// Size is the byte length of the data to purge. Zero means the target
	// has no striped data and only backtrace objects are removed.
	Size uint64

	// Layout describes where the target's data and primary backtrace live.
	Layout placement.Layout

	// OldPools lists previously-used pool ids whose orphaned backtrace
	// objects must also be removed.
	OldPools []int64

	// SnapC is the snapshot context under which deletes are issued.
	SnapC placement.SnapContext
}
