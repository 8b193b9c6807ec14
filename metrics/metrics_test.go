package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDispatch(t *testing.T) {
	m := New()
	m.ObserveDispatch(1, "OK", 3*time.Millisecond)
	m.ObserveDispatch(1, "OK", time.Millisecond)
	m.ObserveDispatch(1, "INVALID_DATA", time.Millisecond)

	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("1", "OK")); got != 2 {
		t.Errorf("dispatch OK = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("1", "INVALID_DATA")); got != 1 {
		t.Errorf("dispatch INVALID_DATA = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.dispatchDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestRateAndAdmission(t *testing.T) {
	m := New()
	m.ObserveRateDecision(true, false)
	m.ObserveRateDecision(true, true)
	m.ObserveRateDecision(false, false)
	m.ObserveAdmission(false, true)

	if got := testutil.ToFloat64(m.rateDecisions.WithLabelValues("allowed", "true")); got != 1 {
		t.Errorf("allowed degraded = %v", got)
	}
	if got := testutil.ToFloat64(m.rateDecisions.WithLabelValues("denied", "false")); got != 1 {
		t.Errorf("denied = %v", got)
	}
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("rejected", "true")); got != 1 {
		t.Errorf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.degraded.WithLabelValues("rate_limit")); got != 1 {
		t.Errorf("degraded rate_limit = %v", got)
	}
	if got := testutil.ToFloat64(m.degraded.WithLabelValues("connections")); got != 1 {
		t.Errorf("degraded connections = %v", got)
	}
}

func TestConnectionsGauge(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestBreakerState(t *testing.T) {
	m := New()
	m.BreakerState("identity", 1, "open")
	m.BreakerState("identity", 2, "half_open")

	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("identity")); got != 2 {
		t.Errorf("state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.breakerChanges.WithLabelValues("identity", "open")); got != 1 {
		t.Errorf("transitions to open = %v", got)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch(1, "OK", time.Millisecond)
	m.ObserveRateDecision(true, true)
	m.ObserveAdmission(true, false)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.BreakerState("x", 0, "closed")
	m.Degraded("x")
	m.AuditDropped()
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.AuditDropped()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"gatekit_audit_dropped_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
