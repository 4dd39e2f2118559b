// Package metrics exposes Prometheus metrics for migration runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	ModelsTotal       *prometheus.CounterVec
	ModelAttempts     prometheus.Histogram
	AgentCallsTotal   *prometheus.CounterVec
	AgentCallDuration *prometheus.HistogramVec
	SnapshotWrites    *prometheus.CounterVec
	LLMRequestsTotal  *prometheus.CounterVec
	LLMDuration       prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbtmigrate_runs_total",
				Help: "Migration runs by outcome.",
			},
			[]string{"outcome"},
		),
		ModelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbtmigrate_models_total",
				Help: "Models that reached a final status.",
			},
			[]string{"status"},
		),
		ModelAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dbtmigrate_model_attempts",
				Help:    "Rebuild attempts consumed per finished model.",
				Buckets: []float64{0, 1, 2, 3, 5, 8},
			},
		),
		AgentCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbtmigrate_agent_calls_total",
				Help: "Agent invocations by role and outcome.",
			},
			[]string{"role", "outcome"},
		),
		AgentCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbtmigrate_agent_call_duration_seconds",
				Help:    "Agent call duration by role.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		SnapshotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbtmigrate_snapshot_writes_total",
				Help: "Snapshot writes by store and outcome.",
			},
			[]string{"store", "outcome"},
		),
		LLMRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbtmigrate_llm_requests_total",
				Help: "Language model requests by outcome.",
			},
			[]string{"outcome"},
		),
		LLMDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dbtmigrate_llm_request_duration_seconds",
				Help:    "Language model request duration.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RunsTotal)
	reg.MustRegister(m.ModelsTotal)
	reg.MustRegister(m.ModelAttempts)
	reg.MustRegister(m.AgentCallsTotal)
	reg.MustRegister(m.AgentCallDuration)
	reg.MustRegister(m.SnapshotWrites)
	reg.MustRegister(m.LLMRequestsTotal)
	reg.MustRegister(m.LLMDuration)

	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun increments the run counter.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// RecordModel counts a model reaching status after attempts rebuilds.
func (m *Metrics) RecordModel(status string, attempts int) {
	if m == nil {
		return
	}
	m.ModelsTotal.WithLabelValues(status).Inc()
	m.ModelAttempts.Observe(float64(attempts))
}

// ObserveAgentCall records one agent invocation.
func (m *Metrics) ObserveAgentCall(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AgentCallsTotal.WithLabelValues(role, outcome).Inc()
	m.AgentCallDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordSnapshotWrite counts a snapshot write.
func (m *Metrics) RecordSnapshotWrite(store, outcome string) {
	if m == nil {
		return
	}
	m.SnapshotWrites.WithLabelValues(store, outcome).Inc()
}

// ObserveLLM records one language model request.
func (m *Metrics) ObserveLLM(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(outcome).Inc()
	m.LLMDuration.Observe(d.Seconds())
}
