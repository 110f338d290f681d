package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for agent runs.
//
// All metrics are prefixed with "mailpilot_":
//   - mailpilot_phase_invocations_total{phase}
//   - mailpilot_phase_errors_total{phase}
//   - mailpilot_phase_duration_seconds{phase}
//   - mailpilot_instructions_total{kind,outcome}
//   - mailpilot_runs_total{outcome}
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PhaseInvocations *prometheus.CounterVec
	PhaseErrors      *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	Instructions     *prometheus.CounterVec
	Runs             *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry so that several
// instances (one per test, for example) never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PhaseInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpilot_phase_invocations_total",
				Help: "Total number of phase invocations",
			},
			[]string{"phase"},
		),
		PhaseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpilot_phase_errors_total",
				Help: "Total number of phase invocations that recorded an error",
			},
			[]string{"phase"},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailpilot_phase_duration_seconds",
				Help:    "Duration of phase invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),
		Instructions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpilot_instructions_total",
				Help: "Total number of instructions dispatched to the environment",
			},
			[]string{"kind", "outcome"}, // outcome: "success" or "failure"
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpilot_runs_total",
				Help: "Total number of finished runs by outcome",
			},
			[]string{"outcome"}, // "succeeded", "exited", "failed"
		),
	}
}

// ObservePhase records one phase invocation.
func (m *Metrics) ObservePhase(phase string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.PhaseInvocations.WithLabelValues(phase).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if failed {
		m.PhaseErrors.WithLabelValues(phase).Inc()
	}
}

// ObserveInstruction records one dispatched instruction.
func (m *Metrics) ObserveInstruction(kind string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Instructions.WithLabelValues(kind, outcome).Inc()
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer returns the underlying registry for inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
