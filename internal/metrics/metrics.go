// ABOUTME: Prometheus collectors for tool invocations, quota rejections and transport sessions
// ABOUTME: Each Metrics owns its registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/toolgate/internal/store"
)

const namespace = "toolgate"

// Metrics collects gateway measurements.
//
// Invocations are labelled by tool name and outcome (success|failure|rejected).
// Calls naming an unknown tool share the tool label "unknown" so arbitrary
// caller input cannot grow the label set.
type Metrics struct {
	registry *prometheus.Registry

	// Invocations counts audited invocation attempts.
	// Labels: tool, outcome
	Invocations *prometheus.CounterVec

	// InvocationDuration measures time spent inside the dispatcher.
	// Labels: tool
	InvocationDuration *prometheus.HistogramVec

	// QuotaRejections counts calls refused by the daily budget.
	QuotaRejections prometheus.Counter

	// Unauthenticated counts calls made without a resolvable credential.
	Unauthenticated prometheus.Counter

	// ActiveSessions tracks open transport sessions.
	// Labels: transport (http|websocket|stdio|grpc)
	ActiveSessions *prometheus.GaugeVec

	// SessionsExpired counts sessions removed by the idle sweep.
	SessionsExpired prometheus.Counter
}

// New creates Metrics registered on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWithRegistry(reg)
}

func newWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Tool invocation attempts by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		InvocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_invocation_duration_seconds",
				Help:      "Duration of tool invocations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"tool"},
		),
		QuotaRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Invocations refused because the daily limit was reached",
		}),
		Unauthenticated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthenticated_calls_total",
			Help:      "Invocations refused for lack of a valid credential",
		}),
		ActiveSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Open transport sessions by transport",
			},
			[]string{"transport"},
		),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Idle sessions removed by the sweep",
		}),
	}
}

// ObserveInvocation records one audited attempt.
func (m *Metrics) ObserveInvocation(tool string, outcome store.Outcome, d time.Duration) {
	m.Invocations.WithLabelValues(tool, string(outcome)).Inc()
	m.InvocationDuration.WithLabelValues(tool).Observe(d.Seconds())
	if outcome == store.OutcomeRejected {
		m.QuotaRejections.Inc()
	}
}

// ObserveUnauthenticated records a call refused before dispatch.
func (m *Metrics) ObserveUnauthenticated() {
	m.Unauthenticated.Inc()
}

// SessionOpened increments the open-session gauge for transport.
func (m *Metrics) SessionOpened(transport string) {
	m.ActiveSessions.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the open-session gauge for transport.
func (m *Metrics) SessionClosed(transport string) {
	m.ActiveSessions.WithLabelValues(transport).Dec()
}

// SessionsSwept records n sessions removed for inactivity.
func (m *Metrics) SessionsSwept(n int) {
	m.SessionsExpired.Add(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
