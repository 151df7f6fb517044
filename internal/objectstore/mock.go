package objectstore

import (
	"context"
	"sync"
	"time"

	"github.com/tidefs-io/scour/internal/placement"
)

// OpKind identifies the kind of a recorded mock operation.
type OpKind int

const (
	// KindDeleteRange is a range delete of a target's data objects.
	KindDeleteRange OpKind = iota
	// KindDeleteObject is a single-object delete.
	KindDeleteObject
)

func (k OpKind) String() string {
	switch k {
	case KindDeleteRange:
		return "delete_range"
	case KindDeleteObject:
		return "delete_object"
	default:
		return "unknown"
	}
}

// Op records one operation issued against a MockClient.
type Op struct {
	Kind        OpKind
	TargetID    uint64
	Name        string
	Pool        int64
	Namespace   string
	FirstObject uint64
	ObjectCount uint64
	SnapSeq     uint64
	At          time.Time
}

// MockClient is an in-memory Client for testing. It records every issued
// operation in order, can inject errors per object name, and can hold
// operations open until the test releases them.
type MockClient struct {
	mu     sync.Mutex
	ops    []Op
	errs   map[string]error
	gate   chan struct{}
	holds  map[string]chan struct{}
	closed bool
}

// NewMockClient creates a new MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		errs:  make(map[string]error),
		holds: make(map[string]chan struct{}),
	}
}

// FailObject makes subsequent deletes of the named object return err.
func (c *MockClient) FailObject(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[name] = err
}

// Hold makes every subsequent operation block, after being recorded, until
// Release is called.
func (c *MockClient) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// Release unblocks all held operations and stops holding new ones.
func (c *MockClient) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// HoldObject makes subsequent deletes of the named object block, after being
// recorded, until ReleaseObject. A range delete is keyed by the name of its
// first object.
func (c *MockClient) HoldObject(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds[name] == nil {
		c.holds[name] = make(chan struct{})
	}
}

// ReleaseObject unblocks held deletes of the named object.
func (c *MockClient) ReleaseObject(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hold := c.holds[name]; hold != nil {
		close(hold)
		delete(c.holds, name)
	}
}

// gatesFor returns the channels an operation on name must wait on.
// Called with c.mu held.
func (c *MockClient) gatesFor(name string) []chan struct{} {
	var gates []chan struct{}
	if c.gate != nil {
		gates = append(gates, c.gate)
	}
	if hold := c.holds[name]; hold != nil {
		gates = append(gates, hold)
	}
	return gates
}

// Ops returns a copy of the operations issued so far, in order.
func (c *MockClient) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Op, len(c.ops))
	copy(out, c.ops)
	return out
}

func (c *MockClient) DeleteRange(ctx context.Context, targetID uint64, layout placement.Layout, snapc placement.SnapContext, firstObject, objectCount uint64, at time.Time) error {
	name := placement.ObjectName(targetID, firstObject)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ops = append(c.ops, Op{
		Kind:        KindDeleteRange,
		TargetID:    targetID,
		Name:        name,
		Pool:        layout.PoolID,
		Namespace:   layout.Namespace,
		FirstObject: firstObject,
		ObjectCount: objectCount,
		SnapSeq:     snapc.Seq,
		At:          at,
	})
	err := c.errs[name]
	gates := c.gatesFor(name)
	c.mu.Unlock()

	for _, gate := range gates {
		<-gate
	}
	return err
}

func (c *MockClient) DeleteObject(ctx context.Context, name string, loc placement.PoolLocator, snapc placement.SnapContext, at time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ops = append(c.ops, Op{
		Kind:      KindDeleteObject,
		Name:      name,
		Pool:      loc.PoolID,
		Namespace: loc.Namespace,
		SnapSeq:   snapc.Seq,
		At:        at,
	})
	err := c.errs[name]
	gates := c.gatesFor(name)
	c.mu.Unlock()

	for _, gate := range gates {
		<-gate
	}
	return err
}

func (c *MockClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ Client = (*MockClient)(nil)
