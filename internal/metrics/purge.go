// Package metrics defines the Prometheus collectors for the scour daemon.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PurgeMetrics holds metrics related to the purge queue.
type PurgeMetrics struct {
	// ItemsExecuted tracks purge items whose execution completed.
	// An item counts as executed once all of its delete operations finished,
	// regardless of whether any of them failed.
	ItemsExecuted prometheus.Counter

	// ExecutedBytes tracks the file bytes covered by completed purge items.
	ExecutedBytes prometheus.Counter

	// DeleteOps tracks delete operations issued against the data store,
	// broken down by kind.
	// Labels: kind (range, backtrace, old_pool)
	DeleteOps *prometheus.CounterVec

	// FailedOps tracks delete operations that returned an error.
	FailedOps prometheus.Counter

	// InFlight tracks the number of purge items currently executing.
	InFlight prometheus.Gauge

	// ExecuteLatency tracks per-item execution latency.
	ExecuteLatency prometheus.Histogram

	// JournalWritePos tracks the purge journal write cursor in bytes.
	JournalWritePos prometheus.Gauge

	// JournalExpirePos tracks the durable purge journal expire cursor in bytes.
	JournalExpirePos prometheus.Gauge
}

// Delete operation kind label values.
const (
	OpKindRange     = "range"
	OpKindBacktrace = "backtrace"
	OpKindOldPool   = "old_pool"
)

// DefaultPurgeLatencyBuckets are latency buckets for purge item execution.
// A purge item fans out to object store deletes, so latencies range from
// tens of ms for small files to minutes for very large ones.
var DefaultPurgeLatencyBuckets = []float64{
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
	30.0,  // 30s
	60.0,  // 60s
	120.0, // 2m
}

// NewPurgeMetrics creates and registers purge metrics.
// Uses promauto for automatic registration with the default registry.
func NewPurgeMetrics() *PurgeMetrics {
	return &PurgeMetrics{
		ItemsExecuted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scour",
				Subsystem: "purge",
				Name:      "items_executed_total",
				Help:      "Total number of purge items whose execution completed.",
			},
		),
		ExecutedBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scour",
				Subsystem: "purge",
				Name:      "executed_bytes_total",
				Help:      "Total file bytes covered by completed purge items.",
			},
		),
		DeleteOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scour",
				Subsystem: "purge",
				Name:      "delete_ops_total",
				Help:      "Total delete operations issued against the data store, broken down by kind.",
			},
			[]string{"kind"},
		),
		FailedOps: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scour",
				Subsystem: "purge",
				Name:      "failed_ops_total",
				Help:      "Total delete operations that returned an error.",
			},
		),
		InFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scour",
				Subsystem: "purge",
				Name:      "in_flight",
				Help:      "Number of purge items currently executing.",
			},
		),
		ExecuteLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "scour",
				Subsystem: "purge",
				Name:      "execute_latency_seconds",
				Help:      "Per-item purge execution latency in seconds.",
				Buckets:   DefaultPurgeLatencyBuckets,
			},
		),
		JournalWritePos: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scour",
				Subsystem: "journal",
				Name:      "write_pos_bytes",
				Help:      "Purge journal write cursor in bytes.",
			},
		),
		JournalExpirePos: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scour",
				Subsystem: "journal",
				Name:      "expire_pos_bytes",
				Help:      "Durable purge journal expire cursor in bytes.",
			},
		),
	}
}

// NewPurgeMetricsWithRegistry creates purge metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewPurgeMetricsWithRegistry(reg prometheus.Registerer) *PurgeMetrics {
	itemsExecuted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scour",
			Subsystem: "purge",
			Name:      "items_executed_total",
			Help:      "Total number of purge items whose execution completed.",
		},
	)

	executedBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scour",
			Subsystem: "purge",
			Name:      "executed_bytes_total",
			Help:      "Total file bytes covered by completed purge items.",
		},
	)

	deleteOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scour",
			Subsystem: "purge",
			Name:      "delete_ops_total",
			Help:      "Total delete operations issued against the data store, broken down by kind.",
		},
		[]string{"kind"},
	)

	failedOps := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scour",
			Subsystem: "purge",
			Name:      "failed_ops_total",
			Help:      "Total delete operations that returned an error.",
		},
	)

	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scour",
			Subsystem: "purge",
			Name:      "in_flight",
			Help:      "Number of purge items currently executing.",
		},
	)

	executeLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scour",
			Subsystem: "purge",
			Name:      "execute_latency_seconds",
			Help:      "Per-item purge execution latency in seconds.",
			Buckets:   DefaultPurgeLatencyBuckets,
		},
	)

	journalWritePos := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scour",
			Subsystem: "journal",
			Name:      "write_pos_bytes",
			Help:      "Purge journal write cursor in bytes.",
		},
	)

	journalExpirePos := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scour",
			Subsystem: "journal",
			Name:      "expire_pos_bytes",
			Help:      "Durable purge journal expire cursor in bytes.",
		},
	)

	reg.MustRegister(itemsExecuted)
	reg.MustRegister(executedBytes)
	reg.MustRegister(deleteOps)
	reg.MustRegister(failedOps)
	reg.MustRegister(inFlight)
	reg.MustRegister(executeLatency)
	reg.MustRegister(journalWritePos)
	reg.MustRegister(journalExpirePos)

	return &PurgeMetrics{
		ItemsExecuted:    itemsExecuted,
		ExecutedBytes:    executedBytes,
		DeleteOps:        deleteOps,
		FailedOps:        failedOps,
		InFlight:         inFlight,
		ExecuteLatency:   executeLatency,
		JournalWritePos:  journalWritePos,
		JournalExpirePos: journalExpirePos,
	}
}

// RecordItemExecuted records a completed purge item execution.
func (m *PurgeMetrics) RecordItemExecuted(bytes uint64, durationSeconds float64) {
	m.ItemsExecuted.Inc()
	m.ExecutedBytes.Add(float64(bytes))
	m.ExecuteLatency.Observe(durationSeconds)
}

// RecordDeleteOp records one issued delete operation of the given kind.
// kind should be one of OpKindRange, OpKindBacktrace, OpKindOldPool.
func (m *PurgeMetrics) RecordDeleteOp(kind string) {
	m.DeleteOps.WithLabelValues(kind).Inc()
}

// RecordOpFailure records a delete operation that returned an error.
func (m *PurgeMetrics) RecordOpFailure() {
	m.FailedOps.Inc()
}

// RecordInFlight updates the in-flight items gauge.
func (m *PurgeMetrics) RecordInFlight(count int) {
	m.InFlight.Set(float64(count))
}

// RecordJournalPositions updates the journal cursor gauges.
func (m *PurgeMetrics) RecordJournalPositions(writePos, expirePos uint64) {
	m.JournalWritePos.Set(float64(writePos))
	m.JournalExpirePos.Set(float64(expirePos))
}

// PurgeStatsProvider provides purge queue statistics for metrics collection.
type PurgeStatsProvider interface {
	// Stats returns the current in-flight item count and journal cursors.
	Stats() (inFlight int, writePos, expirePos uint64)
}

// PurgeStatsScanner periodically polls purge queue state and updates metrics.
type PurgeStatsScanner struct {
	metrics  *PurgeMetrics
	provider PurgeStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPurgeStatsScanner creates a scanner that periodically updates purge queue gauges.
func NewPurgeStatsScanner(metrics *PurgeMetrics, provider PurgeStatsProvider, interval time.Duration) *PurgeStatsScanner {
	return &PurgeStatsScanner{
		metrics:  metrics,
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic stats scanning.
func (s *PurgeStatsScanner) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts periodic stats scanning.
func (s *PurgeStatsScanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *PurgeStatsScanner) loop() {
	defer s.wg.Done()

	// Run immediately on start
	s.scanOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

func (s *PurgeStatsScanner) scanOnce() {
	inFlight, writePos, expirePos := s.provider.Stats()
	s.metrics.RecordInFlight(inFlight)
	s.metrics.RecordJournalPositions(writePos, expirePos)
}

// ScanOnce triggers a single scan and updates metrics.
// Useful for testing or on-demand scanning.
func (s *PurgeStatsScanner) ScanOnce() {
	s.scanOnce()
}
