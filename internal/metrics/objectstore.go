package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObjectStoreMetrics holds metrics related to object store delete operations.
type ObjectStoreMetrics struct {
	// LatencyHistogram tracks object store operation latencies broken down by operation and status.
	// Labels: operation (delete_range, delete_object), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total object store operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// ObjectsDeleted tracks total objects covered by successful range deletes.
	ObjectsDeleted prometheus.Counter
}

// Object store operation label values.
const (
	OpObjDeleteRange  = "delete_range"
	OpObjDeleteObject = "delete_object"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// DefaultObjectStoreLatencyBuckets are latency buckets for object store operations.
// Optimized for S3-style blob deletes which typically range from tens of ms to seconds.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
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
}

// NewObjectStoreMetrics creates and registers object store metrics.
// Uses promauto for automatic registration with the default registry.
func NewObjectStoreMetrics() *ObjectStoreMetrics {
	return &ObjectStoreMetrics{
		LatencyHistogram: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scour",
				Subsystem: "objectstore",
				Name:      "operation_latency_seconds",
				Help:      "Object store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scour",
				Subsystem: "objectstore",
				Name:      "operations_total",
				Help:      "Total number of object store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		ObjectsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scour",
				Subsystem: "objectstore",
				Name:      "objects_deleted_total",
				Help:      "Total objects covered by successful range deletes.",
			},
		),
	}
}

// NewObjectStoreMetricsWithRegistry creates object store metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scour",
			Subsystem: "objectstore",
			Name:      "operation_latency_seconds",
			Help:      "Object store operation latency in seconds, broken down by operation and status.",
			Buckets:   DefaultObjectStoreLatencyBuckets,
		},
		[]string{"operation", "status"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scour",
			Subsystem: "objectstore",
			Name:      "operations_total",
			Help:      "Total number of object store operations, broken down by operation and status.",
		},
		[]string{"operation", "status"},
	)

	objectsDeleted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scour",
			Subsystem: "objectstore",
			Name:      "objects_deleted_total",
			Help:      "Total objects covered by successful range deletes.",
		},
	)

	reg.MustRegister(latencyHist)
	reg.MustRegister(requestsTotal)
	reg.MustRegister(objectsDeleted)

	return &ObjectStoreMetrics{
		LatencyHistogram: latencyHist,
		RequestsTotal:    requestsTotal,
		ObjectsDeleted:   objectsDeleted,
	}
}

// RecordOperation records an object store operation latency and increments the request counter.
func (m *ObjectStoreMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDeleteRange records a range delete operation.
func (m *ObjectStoreMetrics) RecordDeleteRange(durationSeconds float64, success bool, objects int64) {
	m.RecordOperation(OpObjDeleteRange, durationSeconds, success)
	if success && objects > 0 {
		m.ObjectsDeleted.Add(float64(objects))
	}
}

// RecordDeleteObject records a single-object delete operation.
func (m *ObjectStoreMetrics) RecordDeleteObject(durationSeconds float64, success bool) {
	m.RecordOperation(OpObjDeleteObject, durationSeconds, success)
}
