package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process counters. Each instance owns its registry so tests stay isolated.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	Cycles           prometheus.Counter
	Actions          *prometheus.CounterVec
	CaptureFailures  *prometheus.CounterVec
	DegradedSessions prometheus.Gauge
	Tokens           *prometheus.CounterVec
	DecisionLatency  prometheus.Histogram
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmpilot", Name: "sessions_started_total",
			Help: "Sessions started.",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmpilot", Name: "sessions_finished_total",
			Help: "Sessions finished by terminal status.",
		}, []string{"status"}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmpilot", Name: "cycles_total",
			Help: "Perceive/decide/act cycles run.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmpilot", Name: "actions_total",
			Help: "Dispatched actions by tool and result status.",
		}, []string{"tool", "status"}),
		CaptureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmpilot", Name: "capture_failures_total",
			Help: "Failed capture attempts by path.",
		}, []string{"path"}),
		DegradedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmpilot", Name: "degraded_sessions",
			Help: "Sessions currently running on the secondary capture path.",
		}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmpilot", Name: "decision_tokens_total",
			Help: "Tokens consumed by the decision service.",
		}, []string{"model", "kind"}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vmpilot", Name: "decision_latency_seconds",
			Help:    "Decision service round trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	reg.MustRegister(
		m.SessionsStarted, m.SessionsFinished, m.Cycles, m.Actions,
		m.CaptureFailures, m.DegradedSessions, m.Tokens, m.DecisionLatency,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
