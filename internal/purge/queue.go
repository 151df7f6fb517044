package purge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidefs-io/scour/internal/logging"
	"github.com/tidefs-io/scour/internal/metrics"
	"github.com/tidefs-io/scour/internal/objectstore"
	"github.com/tidefs-io/scour/internal/placement"
)

// Common errors returned by Queue operations.
var (
	// ErrNotWritable is returned by Push when the queue has not been opened
	// for writing or has been shut down.
	ErrNotWritable = errors.New("purge: queue not writable")

	// ErrShutdown is returned by Wait when the queue shuts down before the
	// in-flight set drains.
	ErrShutdown = errors.New("purge: queue shut down")
)

// Journal is the durable log the queue appends items to and consumes them
// from. *journal.Journal satisfies it; tests substitute in-memory stubs.
type Journal interface {
	Create(ctx context.Context) error
	Recover(ctx context.Context) error
	WriteHeader(ctx context.Context) error
	SetWritable()
	IsReadOnly() bool

	Append(entry []byte) error
	Flush(ctx context.Context) error

	IsReadable() bool
	TryReadEntry() ([]byte, error)
	WaitForReadable(fn func())
	HaveWaiter() bool

	ReadPos() uint64
	WritePos() uint64
	ExpirePos() uint64
	SetExpirePos(pos uint64)
	Trim() error

	Close() error
}

// Config configures a Queue.
type Config struct {
	// MaxConcurrent bounds the number of items executing against the store
	// at once. Zero selects the default of 1.
	MaxConcurrent int

	// Metrics receives queue counters and gauges. May be nil.
	Metrics *metrics.PurgeMetrics

	// Logger is the structured logger. Nil selects the global logger.
	Logger *logging.Logger
}

const defaultMaxConcurrent = 1

// Queue is the deferred-deletion queue. Producers Push items; the queue
// journals them durably, then executes them against the object store with
// bounded concurrency. The journal's expire cursor advances only when the
// completing item is the oldest outstanding one, so journal bytes are never
// discarded ahead of an incomplete deletion.
//
// All mutable state is guarded by one mutex. Asynchronous re-entries (the
// readability waiter, per-item completion) reacquire it.
type Queue struct {
	journal Journal
	store   objectstore.Client
	cfg     Config
	log     *logging.Logger

	mu sync.Mutex
	// inFlight maps an item's expire position (the journal read position
	// immediately after the item's entry) to the executing item. Keys
	// strictly increase in admission order; the smallest key is the oldest
	// outstanding item.
	inFlight map[uint64]Item
	open     bool
	closed   bool
	// emptyWake is closed when the in-flight set drains; Wait blocks on it.
	emptyWake chan struct{}
}

// NewQueue creates a queue over the given journal and store. The queue is
// unusable until Open or Create succeeds.
func NewQueue(journal Journal, store objectstore.Client, cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	return &Queue{
		journal:  journal,
		store:    store,
		cfg:      cfg,
		log:      log,
		inFlight: make(map[uint64]Item),
	}
}

// Open recovers an existing journal and marks the queue writable. Items
// journaled between the expire and write positions are re-executed; deletes
// are idempotent, so replay is safe. On failure the queue stays unusable and
// no internal retry is attempted.
func (q *Queue) Open(ctx context.Context) error {
	if err := q.journal.Recover(ctx); err != nil {
		return fmt.Errorf("recovering journal: %w", err)
	}
	q.journal.SetWritable()

	q.mu.Lock()
	q.open = true
	q.mu.Unlock()

	q.log.Infof("purge queue opened", map[string]any{
		"write_pos":  q.journal.WritePos(),
		"expire_pos": q.journal.ExpirePos(),
	})

	// Resume any work journaled before the last shutdown.
	q.consume()
	return nil
}

// Create initializes a brand-new journal, persists its header durably, and
// marks the queue writable. Used only when no prior journal exists.
func (q *Queue) Create(ctx context.Context) error {
	if err := q.journal.Create(ctx); err != nil {
		return fmt.Errorf("creating journal: %w", err)
	}
	q.journal.SetWritable()
	if err := q.journal.WriteHeader(ctx); err != nil {
		return fmt.Errorf("writing journal header: %w", err)
	}

	q.mu.Lock()
	q.open = true
	q.mu.Unlock()

	q.log.Info("purge queue created")
	return nil
}

// Push journals the item durably and returns. Execution proceeds
// asynchronously; Push waits only for durability of the enqueue. Pushing on
// a queue that is not open and writable returns ErrNotWritable; an item
// carrying data with an invalid layout is rejected before journaling.
func (q *Queue) Push(ctx context.Context, item Item) error {
	if item.Size > 0 {
		// Items with data need a usable layout; the striper math divides by
		// the stripe parameters.
		if err := item.Layout.Validate(); err != nil {
			return fmt.Errorf("purge: item %x layout: %w", item.TargetID, err)
		}
	}

	q.mu.Lock()
	if !q.open || q.closed || q.journal.IsReadOnly() {
		q.mu.Unlock()
		return ErrNotWritable
	}
	err := q.journal.Append(item.Encode())
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("journaling purge item: %w", err)
	}

	if err := q.journal.Flush(ctx); err != nil {
		return fmt.Errorf("flushing journal: %w", err)
	}

	// Use idle capacity immediately rather than waiting for the next
	// readability signal.
	q.consume()
	return nil
}

// consume runs one step of the consume loop. It is re-entered from Push,
// from the journal readability waiter, and from every item completion. It
// is a no-op when the concurrency gate is closed or nothing is readable,
// and registers at most one readability waiter.
func (q *Queue) consume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumeLocked()
}

func (q *Queue) consumeLocked() {
	if !q.open || q.closed {
		return
	}
	if len(q.inFlight) >= q.cfg.MaxConcurrent {
		return
	}
	if !q.journal.IsReadable() {
		if !q.journal.HaveWaiter() {
			q.journal.WaitForReadable(q.consume)
		}
		return
	}

	entry, err := q.journal.TryReadEntry()
	if err != nil {
		panic(fmt.Sprintf("purge: reading journal entry: %v", err))
	}
	if entry == nil {
		return
	}

	item, err := DecodeItem(entry)
	if err != nil {
		// An undecodable journaled entry means the journal and the codec
		// disagree; continuing would corrupt the cursors.
		panic(fmt.Sprintf("purge: decoding journal entry at %d: %v", q.journal.ReadPos(), err))
	}

	// The expire position is where the read cursor sits now that this
	// entry has been consumed.
	expirePos := q.journal.ReadPos()
	if _, dup := q.inFlight[expirePos]; dup {
		panic(fmt.Sprintf("purge: duplicate in-flight expire position %d", expirePos))
	}
	q.inFlight[expirePos] = item
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.RecordInFlight(len(q.inFlight))
	}

	q.log.Debugf("executing purge item", map[string]any{
		"target_id":  fmt.Sprintf("%x", item.TargetID),
		"size":       item.Size,
		"expire_pos": expirePos,
	})

	go q.runItem(expirePos, item)
}

// deleteOp is one store operation fanned out for an item.
type deleteOp struct {
	kind string
	run  func(ctx context.Context) error
}

// deleteOps derives the store operations an item requires: a range delete
// over the striped data when size is non-zero, the primary backtrace object
// removal, and one backtrace removal per old pool. The explicit backtrace
// removal is skipped only when a range delete was issued and the layout has
// no namespace; a namespaced layout keeps its backtrace outside the
// namespace, so the range delete never covers it.
func (q *Queue) deleteOps(item Item, at time.Time) []deleteOp {
	var ops []deleteOp

	rangeIssued := false
	if item.Size > 0 {
		// Push validates this; a journaled item failing it means the journal
		// holds state this build cannot execute.
		if err := item.Layout.Validate(); err != nil {
			panic(fmt.Sprintf("purge: item %x has %d data bytes with unusable layout: %v",
				item.TargetID, item.Size, err))
		}
		count := placement.ObjectCount(item.Layout, item.Size)
		ops = append(ops, deleteOp{
			kind: metrics.OpKindRange,
			run: func(ctx context.Context) error {
				return q.store.DeleteRange(ctx, item.TargetID, item.Layout, item.SnapC, 0, count, at)
			},
		})
		rangeIssued = true
	}

	if !rangeIssued || item.Layout.Namespace != "" {
		loc := placement.PoolLocator{PoolID: item.Layout.PoolID}
		ops = append(ops, deleteOp{
			kind: metrics.OpKindBacktrace,
			run: func(ctx context.Context) error {
				return q.store.DeleteObject(ctx, placement.BacktraceName(item.TargetID), loc, item.SnapC, at)
			},
		})
	}

	for _, pool := range item.OldPools {
		loc := placement.PoolLocator{PoolID: pool}
		ops = append(ops, deleteOp{
			kind: metrics.OpKindOldPool,
			run: func(ctx context.Context) error {
				return q.store.DeleteObject(ctx, placement.BacktraceName(item.TargetID), loc, item.SnapC, at)
			},
		})
	}

	return ops
}

// runItem fans out the item's delete operations and completes the item once
// all of them finish, regardless of individual failures. In-flight
// executions are not cancellable, so operations run under a background
// context.
func (q *Queue) runItem(expirePos uint64, item Item) {
	start := time.Now()
	ops := q.deleteOps(item, start)
	if len(ops) == 0 {
		// No data, no backtrace, no old pools: a malformed item must stop
		// processing rather than silently vanish.
		panic(fmt.Sprintf("purge: item %x has no delete operations", item.TargetID))
	}

	var g errgroup.Group
	for _, op := range ops {
		op := op
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.RecordDeleteOp(op.kind)
		}
		g.Go(func() error {
			if err := op.run(context.Background()); err != nil {
				if q.cfg.Metrics != nil {
					q.cfg.Metrics.RecordOpFailure()
				}
				q.log.Warnf("purge delete failed", map[string]any{
					"target_id": fmt.Sprintf("%x", item.TargetID),
					"kind":      op.kind,
					"error":     err.Error(),
				})
				return err
			}
			return nil
		})
	}

	// The barrier fires after every operation finished; the first error is
	// recorded but does not keep the item in flight. Deletes are idempotent
	// and failed ones are not retried here.
	err := g.Wait()

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.RecordItemExecuted(item.Size, time.Since(start).Seconds())
	}
	q.completeItem(expirePos, err)
}

// completeItem removes the item at expirePos from the in-flight set and, if
// it was the oldest outstanding item, durably advances the journal expire
// cursor to its position and trims. This is the only place the expire cursor
// moves.
func (q *Queue) completeItem(expirePos uint64, execErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		// Completions arriving after shutdown are dropped.
		return
	}
	item, ok := q.inFlight[expirePos]
	if !ok {
		panic(fmt.Sprintf("purge: completion for unknown expire position %d", expirePos))
	}

	if expirePos == q.minInFlightLocked() {
		q.journal.SetExpirePos(expirePos)
		if err := q.journal.Trim(); err != nil {
			q.log.Errorf("journal trim failed", map[string]any{
				"expire_pos": expirePos,
				"error":      err.Error(),
			})
		}
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.RecordJournalPositions(q.journal.WritePos(), expirePos)
		}
	}

	delete(q.inFlight, expirePos)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.RecordInFlight(len(q.inFlight))
	}

	q.log.Debugf("purge item complete", map[string]any{
		"target_id":  fmt.Sprintf("%x", item.TargetID),
		"expire_pos": expirePos,
		"error":      execErr != nil,
	})

	if len(q.inFlight) == 0 && q.emptyWake != nil {
		close(q.emptyWake)
		q.emptyWake = nil
	}

	// A slot just freed; admit the next item if one is readable.
	q.consumeLocked()
}

func (q *Queue) minInFlightLocked() uint64 {
	var min uint64
	first := true
	for pos := range q.inFlight {
		if first || pos < min {
			min = pos
			first = false
		}
	}
	if first {
		panic("purge: min of empty in-flight set")
	}
	return min
}

// Wait blocks until the in-flight set is empty or ctx is done. Callers that
// need a full drain call Wait before Shutdown; Shutdown itself does not
// drain.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.inFlight) == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.closed {
			q.mu.Unlock()
			return ErrShutdown
		}
		if q.emptyWake == nil {
			q.emptyWake = make(chan struct{})
		}
		wake := q.emptyWake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns the in-flight item count and the journal cursors.
func (q *Queue) Stats() (inFlight int, writePos, expirePos uint64) {
	q.mu.Lock()
	n := len(q.inFlight)
	q.mu.Unlock()
	return n, q.journal.WritePos(), q.journal.ExpirePos()
}

// InFlight returns the number of items currently executing.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Shutdown stops accepting work and releases the journal. In-flight delete
// operations are not cancelled; their completions are dropped. Callers
// needing a drain call Wait first.
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.open = false
	if q.emptyWake != nil {
		close(q.emptyWake)
		q.emptyWake = nil
	}
	q.mu.Unlock()

	if err := q.journal.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	q.log.Info("purge queue shut down")
	return nil
}
