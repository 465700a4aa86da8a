package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if NewMetrics(reg, "test") == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordConsumption(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordConsumption("generation", "monthly_30", "granted")
	m.RecordConsumption("generation", "monthly_30", "granted")
	m.RecordConsumption("generation", "monthly_30", "denied")

	got := counterValue(t, reg, "test_consumption_total", map[string]string{
		"kind": "generation", "tier": "monthly_30", "outcome": "granted",
	})
	if got != 2 {
		t.Errorf("granted counter = %v, want 2", got)
	}
}

func TestRecordConsumption_EmptyTierLabeledFree(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordConsumption("generation", "", "denied")

	got := counterValue(t, reg, "test_consumption_total", map[string]string{
		"kind": "generation", "tier": "free", "outcome": "denied",
	})
	if got != 1 {
		t.Errorf("free-tier counter = %v, want 1", got)
	}
}

func TestRecordReset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordReset("generation", "daily")
	m.RecordReset("generation", "monthly")

	if got := counterValue(t, reg, "test_usage_resets_total", map[string]string{
		"kind": "generation", "cycle": "daily",
	}); got != 1 {
		t.Errorf("daily reset counter = %v, want 1", got)
	}
}

func TestRecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("debit", 5*time.Millisecond, nil)
	m.RecordStorageOperation("debit", 5*time.Millisecond, errors.New("boom"))

	if got := counterValue(t, reg, "test_storage_operation_errors_total", map[string]string{
		"operation": "debit",
	}); got != 1 {
		t.Errorf("error counter = %v, want 1 (successes must not count)", got)
	}
}

func TestRecordCompensationFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCompensationFailure("generation")

	if got := counterValue(t, reg, "test_compensation_failures_total", map[string]string{
		"kind": "generation",
	}); got != 1 {
		t.Errorf("compensation failure counter = %v, want 1", got)
	}
}

func TestRecordPolicyResolution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordPolicyResolution("generation", 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "test_policy_resolution_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("expected policy resolution histogram to be registered")
	}
}
