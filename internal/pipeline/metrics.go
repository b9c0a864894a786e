package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stratus_ci",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			// Stages span sub-second local work to multi-minute
			// provisioning runs.
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratus_ci",
			Name:      "stage_failures_total",
			Help:      "Number of failed executions per pipeline stage.",
		}, []string{"stage"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratus_ci",
			Name:      "runs_total",
			Help:      "Number of pipeline runs by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.stageDuration, m.stageFailures, m.runsTotal)
	return m
}

func (m *Metrics) observeStage(stage string, elapsed time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRun records the outcome of a whole pipeline run.
func (m *Metrics) ObserveRun(err error) {
	outcome := "passed"
	if err != nil {
		outcome = "failed"
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
}
