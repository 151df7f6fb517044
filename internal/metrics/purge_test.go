package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestNewPurgeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("expected non-nil PurgeMetrics")
	}

	// Counters and histograms only show up in Gather once touched.
	m.RecordItemExecuted(0, 0)
	m.RecordDeleteOp(OpKindRange)
	m.RecordOpFailure()
	m.RecordInFlight(0)
	m.RecordJournalPositions(0, 0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedMetrics := map[string]bool{
		"scour_purge_items_executed_total":    false,
		"scour_purge_executed_bytes_total":    false,
		"scour_purge_delete_ops_total":        false,
		"scour_purge_failed_ops_total":        false,
		"scour_purge_in_flight":               false,
		"scour_purge_execute_latency_seconds": false,
		"scour_journal_write_pos_bytes":       false,
		"scour_journal_expire_pos_bytes":      false,
	}

	for _, family := range families {
		name := family.GetName()
		if _, ok := expectedMetrics[name]; ok {
			expectedMetrics[name] = true
		}
	}

	for name, found := range expectedMetrics {
		if !found {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}

func TestPurgeMetrics_RecordItemExecuted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	m.RecordItemExecuted(4096, 0.25)
	m.RecordItemExecuted(1<<20, 1.5)

	if v := getCounterValue(t, reg, "scour_purge_items_executed_total"); v != 2 {
		t.Errorf("expected 2 executed items, got %v", v)
	}
	if v := getCounterValue(t, reg, "scour_purge_executed_bytes_total"); v != 4096+1<<20 {
		t.Errorf("expected %d executed bytes, got %v", 4096+1<<20, v)
	}
}

func TestPurgeMetrics_RecordDeleteOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	m.RecordDeleteOp(OpKindRange)
	m.RecordDeleteOp(OpKindBacktrace)
	m.RecordDeleteOp(OpKindOldPool)
	m.RecordDeleteOp(OpKindOldPool)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	counts := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "scour_purge_delete_ops_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "kind" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}

	if counts[OpKindRange] != 1 {
		t.Errorf("expected 1 range op, got %v", counts[OpKindRange])
	}
	if counts[OpKindBacktrace] != 1 {
		t.Errorf("expected 1 backtrace op, got %v", counts[OpKindBacktrace])
	}
	if counts[OpKindOldPool] != 2 {
		t.Errorf("expected 2 old_pool ops, got %v", counts[OpKindOldPool])
	}
}

func TestPurgeMetrics_RecordOpFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	m.RecordOpFailure()
	m.RecordOpFailure()
	m.RecordOpFailure()

	if v := getCounterValue(t, reg, "scour_purge_failed_ops_total"); v != 3 {
		t.Errorf("expected 3 failed ops, got %v", v)
	}
}

func TestPurgeMetrics_RecordJournalPositions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	m.RecordJournalPositions(8192, 4096)

	if v := getGaugeValue(t, reg, "scour_journal_write_pos_bytes"); v != 8192 {
		t.Errorf("expected write pos 8192, got %v", v)
	}
	if v := getGaugeValue(t, reg, "scour_journal_expire_pos_bytes"); v != 4096 {
		t.Errorf("expected expire pos 4096, got %v", v)
	}

	// Expire must be able to catch up to write.
	m.RecordJournalPositions(8192, 8192)

	if v := getGaugeValue(t, reg, "scour_journal_expire_pos_bytes"); v != 8192 {
		t.Errorf("expected expire pos 8192, got %v", v)
	}
}

// mockPurgeStatsProvider implements PurgeStatsProvider for testing.
type mockPurgeStatsProvider struct {
	inFlight  int
	writePos  uint64
	expirePos uint64
}

func (m *mockPurgeStatsProvider) Stats() (int, uint64, uint64) {
	return m.inFlight, m.writePos, m.expirePos
}

func TestPurgeStatsScanner_ScanOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	provider := &mockPurgeStatsProvider{
		inFlight:  3,
		writePos:  65536,
		expirePos: 32768,
	}

	scanner := NewPurgeStatsScanner(m, provider, time.Hour) // Long interval to prevent auto-scan
	scanner.ScanOnce()

	if v := getGaugeValue(t, reg, "scour_purge_in_flight"); v != 3 {
		t.Errorf("expected 3 in-flight, got %v", v)
	}
	if v := getGaugeValue(t, reg, "scour_journal_write_pos_bytes"); v != 65536 {
		t.Errorf("expected write pos 65536, got %v", v)
	}
	if v := getGaugeValue(t, reg, "scour_journal_expire_pos_bytes"); v != 32768 {
		t.Errorf("expected expire pos 32768, got %v", v)
	}
}

func TestPurgeStatsScanner_StartStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPurgeMetricsWithRegistry(reg)

	provider := &mockPurgeStatsProvider{
		inFlight: 7,
		writePos: 1024,
	}

	scanner := NewPurgeStatsScanner(m, provider, 10*time.Millisecond)
	scanner.Start()

	// Wait for at least one scan to complete
	time.Sleep(50 * time.Millisecond)

	scanner.Stop()

	if v := getGaugeValue(t, reg, "scour_purge_in_flight"); v != 7 {
		t.Errorf("expected 7 in-flight from background scan, got %v", v)
	}
	if v := getGaugeValue(t, reg, "scour_journal_write_pos_bytes"); v != 1024 {
		t.Errorf("expected write pos 1024 from background scan, got %v", v)
	}
}

// getGaugeValue extracts the current value of a gauge metric from the registry.
func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, family := range families {
		if family.GetName() == name {
			metrics := family.GetMetric()
			if len(metrics) > 0 {
				return metrics[0].GetGauge().GetValue()
			}
		}
	}

	t.Fatalf("metric %s not found", name)
	return 0
}

// getCounterValue extracts the current value of a counter metric from the registry.
func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, family := range families {
		if family.GetName() == name {
			metrics := family.GetMetric()
			if len(metrics) > 0 {
				return metrics[0].GetCounter().GetValue()
			}
		}
	}

	t.Fatalf("metric %s not found", name)
	return 0
}

// Ensure mockPurgeStatsProvider implements PurgeStatsProvider
var _ PurgeStatsProvider = (*mockPurgeStatsProvider)(nil)

// Ensure io_prometheus_client is used (it's imported indirectly via prometheus)
var _ = io_prometheus_client.Metric{}
