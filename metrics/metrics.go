// Package metrics exposes gateway counters and histograms to Prometheus.
//
// All methods are safe on a nil *Metrics, so components can take an
// optional collector without nil checks.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekit"

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	rateDecisions    *prometheus.CounterVec
	admissions       *prometheus.CounterVec
	connections      prometheus.Gauge
	breakerState     *prometheus.GaugeVec
	breakerChanges   *prometheus.CounterVec
	degraded         *prometheus.CounterVec
	auditDropped     prometheus.Counter
}

// New registers the gateway collectors plus Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_total",
			Help:      "Dispatched messages by type and status.",
		}, []string{"message_type", "status"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch latency including capability lookup and validation.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"message_type"}),
		rateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Sliding window decisions.",
		}, []string{"result", "degraded"}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "admissions_total",
			Help:      "Connection admission decisions.",
		}, []string{"result", "degraded"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Open WebSocket sessions on this instance.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		breakerChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Breaker state transitions by target state.",
		}, []string{"name", "to"}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_degraded_total",
			Help:      "Decisions taken without a healthy dependency.",
		}, []string{"dependency"}),
		auditDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit entries lost to a full queue or failed publish.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDispatch(messageTypeID int, status string, d time.Duration) {
	if m == nil {
		return
	}
	typ := strconv.Itoa(messageTypeID)
	m.dispatchTotal.WithLabelValues(typ, status).Inc()
	m.dispatchDuration.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) ObserveRateDecision(allowed, degraded bool) {
	if m == nil {
		return
	}
	m.rateDecisions.WithLabelValues(result(allowed, "allowed", "denied"), strconv.FormatBool(degraded)).Inc()
	if degraded {
		m.degraded.WithLabelValues("rate_limit").Inc()
	}
}

func (m *Metrics) ObserveAdmission(accepted, degraded bool) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result(accepted, "accepted", "rejected"), strconv.FormatBool(degraded)).Inc()
	if degraded {
		m.degraded.WithLabelValues("connections").Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// BreakerState records a transition. state is 0 closed, 1 open, 2 half-open.
func (m *Metrics) BreakerState(name string, state int, to string) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
	m.breakerChanges.WithLabelValues(name, to).Inc()
}

func (m *Metrics) Degraded(dependency string) {
	if m != nil {
		m.degraded.WithLabelValues(dependency).Inc()
	}
}

func (m *Metrics) AuditDropped() {
	if m != nil {
		m.auditDropped.Inc()
	}
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
