package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics()

	m.SetPoolSize(4)
	if got := testutil.ToFloat64(m.StatePoolSize); got != 4 {
		t.Errorf("pool size gauge = %v, want 4", got)
	}
	m.SetPoolSize(2)
	if got := testutil.ToFloat64(m.StatePoolSize); got != 2 {
		t.Errorf("pool size gauge = %v, want 2 after refresh", got)
	}

	m.SetBreakerState(1)
	if got := testutil.ToFloat64(m.BreakerState); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordValidation("smoke", "fail")
	if got := testutil.ToFloat64(m.ValidationFails.WithLabelValues("smoke")); got != 1 {
		t.Errorf("validation failures = %v, want 1", got)
	}

	m.RecordSecurityEvent("api_access", "high")
	if got := testutil.ToFloat64(m.SecurityEvents.WithLabelValues("api_access", "high")); got != 1 {
		t.Errorf("security events = %v, want 1", got)
	}
}
