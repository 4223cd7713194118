package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ForwardTotal  *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SchedulerRuns *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ForwardTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_outbox_forward_total",
				Help: "Total financial actions forwarded to the wallet subsystem.",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accountant_outbox_sweep_duration_seconds",
				Help:    "Outbox sweep duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		SchedulerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_scheduler_runs_total",
				Help: "Total background sweep runs.",
			},
			[]string{"job", "status"},
		),
	}

	registry.MustRegister(m.ForwardTotal, m.SweepDuration, m.SchedulerRuns)
	return m
}

func (m *Metrics) incForward(status string) {
	if m == nil {
		return
	}
	m.ForwardTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) observeSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) incRun(job, status string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(job, status).Inc()
}
