package objectstore

import (
	"context"
	"time"

	"github.com/tidefs-io/scour/internal/placement"
)

// MetricsRecorder is the interface for recording delete operation metrics.
// This keeps the objectstore package decoupled from the metrics package.
type MetricsRecorder interface {
	RecordDeleteRange(durationSeconds float64, success bool, objects int64)
	RecordDeleteObject(durationSeconds float64, success bool)
}

// InstrumentedClient wraps a Client and records metrics for each operation.
type InstrumentedClient struct {
	client  Client
	metrics MetricsRecorder
}

// NewInstrumentedClient creates an instrumented wrapper around a Client.
// If metrics is nil, operations pass through without recording.
func NewInstrumentedClient(client Client, metrics MetricsRecorder) *InstrumentedClient {
	return &InstrumentedClient{client: client, metrics: metrics}
}

func (c *InstrumentedClient) DeleteRange(ctx context.Context, targetID uint64, layout placement.Layout, snapc placement.SnapContext, firstObject, objectCount uint64, at time.Time) error {
	start := time.Now()
	err := c.client.DeleteRange(ctx, targetID, layout, snapc, firstObject, objectCount, at)
	if c.metrics != nil {
		c.metrics.RecordDeleteRange(time.Since(start).Seconds(), err == nil, int64(objectCount))
	}
	return err
}

func (c *InstrumentedClient) DeleteObject(ctx context.Context, name string, loc placement.PoolLocator, snapc placement.SnapContext, at time.Time) error {
	start := time.Now()
	err := c.client.DeleteObject(ctx, name, loc, snapc, at)
	if c.metrics != nil {
		c.metrics.RecordDeleteObject(time.Since(start).Seconds(), err == nil)
	}
	return err
}

func (c *InstrumentedClient) Close() error {
	return c.client.Close()
}

var _ Client = (*InstrumentedClient)(nil)
