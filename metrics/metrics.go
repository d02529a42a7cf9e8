// Package metrics exposes Prometheus counters for gate decisions and lock
// transitions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the locking engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Gate decisions by outcome (allow, deny) and reason
	GateDecisions *prometheus.CounterVec

	// Unlock request transitions: requested, approved, approved_closed, rejected
	UnlockTransitions *prometheus.CounterVec

	// Month transitions: close, reopen
	MonthTransitions *prometheus.CounterVec

	// Aggregation latency by mode (single_unit, merged)
	AggregateLatency *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerlock_gate_decisions_total",
			Help: "Total write authorization decisions by outcome and reason",
		}, []string{"outcome", "reason"}),

		UnlockTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerlock_unlock_transitions_total",
			Help: "Total unlock request state transitions",
		}, []string{"transition"}),

		MonthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerlock_month_transitions_total",
			Help: "Total month close and reopen operations",
		}, []string{"transition"}),

		AggregateLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerlock_aggregate_duration_seconds",
			Help:    "Duration of month aggregation by mode",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"mode"}),
	}
}

// Registry returns the registry the metrics are registered on.
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

// IncrementGateDecision records an allow or deny.
func (m *Metrics) IncrementGateDecision(outcome, reason string) {
	if m != nil {
		m.GateDecisions.WithLabelValues(outcome, reason).Inc()
	}
}

func (m *Metrics) IncrementUnlockTransition(transition string) {
	if m != nil {
		m.UnlockTransitions.WithLabelValues(transition).Inc()
	}
}

func (m *Metrics) IncrementMonthTransition(transition string) {
	if m != nil {
		m.MonthTransitions.WithLabelValues(transition).Inc()
	}
}

// ObserveAggregateLatency records how long an aggregation took.
func (m *Metrics) ObserveAggregateLatency(mode string, d time.Duration) {
	if m != nil {
		m.AggregateLatency.WithLabelValues(mode).Observe(d.Seconds())
	}
}
