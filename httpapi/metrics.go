package httpapi

import (
	"net/http"
	"time"

	"github.com/berrydev/berry-mcp-go/elicit"
	"github.com/berrydev/berry-mcp-go/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process's Prometheus registry and the collectors for the
// tool surface.
type Metrics struct {
	reg *prometheus.Registry

	invocations       *prometheus.CounterVec
	invocationSeconds *prometheus.HistogramVec
	elicitations      *prometheus.CounterVec
}

// NewMetrics builds the metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "berrymcp_tool_invocations_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		invocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "berrymcp_tool_invocation_seconds",
			Help:    "Tool invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"tool"}),
		elicitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "berrymcp_elicitation_outcomes_total",
			Help: "Elicitation prompts by terminal outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.invocations, m.invocationSeconds, m.elicitations)
	return m
}

// TrackSessions registers an active-session gauge reading the store at
// scrape time.
func (m *Metrics) TrackSessions(store *sessions.Store) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "berrymcp_active_sessions",
		Help: "Currently live sessions.",
	}, func() float64 { return float64(store.Len()) }))
}

// ObserveInvocation records one completed tool invocation. It matches the
// server's invocation-observer callback shape.
func (m *Metrics) ObserveInvocation(tool string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.invocations.WithLabelValues(tool, outcome).Inc()
	m.invocationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveElicitation records one terminal elicitation outcome. It matches
// the elicitation engine's outcome-observer callback shape.
func (m *Metrics) ObserveElicitation(kind elicit.OutcomeKind) {
	m.elicitations.WithLabelValues(string(kind)).Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
