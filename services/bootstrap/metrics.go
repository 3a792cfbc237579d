package bootstrap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

// NewMetrics creates collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentboard",
			Subsystem: "bootstrap",
			Name:      "steps_total",
			Help:      "Bootstrap step executions by step and outcome.",
		}, []string{"step", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentboard",
			Subsystem: "bootstrap",
			Name:      "step_duration_seconds",
			Help:      "Wall time spent in bootstrap step adapters.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentboard",
			Subsystem: "bootstrap",
			Name:      "runs_total",
			Help:      "Bootstrap run transitions by resulting status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) observeStep(step StepID, outcome Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(string(step), string(outcome)).Inc()
	m.duration.WithLabelValues(string(step)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}
