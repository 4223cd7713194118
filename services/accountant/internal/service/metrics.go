package service

import (
	"time"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	ActionsCreated    *prometheus.CounterVec
	ReplayedTotal     *prometheus.CounterVec
	ProjectionPublish *prometheus.CounterVec
	ConfigLookups     *prometheus.CounterVec
	CacheRefreshDur   prometheus.Histogram
	CacheRefreshErrs  prometheus.Counter
	CacheSize         prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_events_total",
				Help: "Total order and trade events handled.",
			},
			[]string{"event_type", "outcome"},
		),
		EventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accountant_event_duration_seconds",
				Help:    "Event handling duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		ActionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_actions_created_total",
				Help: "Total financial actions recorded.",
			},
			[]string{"category"},
		),
		ReplayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_replayed_total",
				Help: "Total buffered events replayed.",
			},
			[]string{"outcome"},
		),
		ProjectionPublish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_projection_publish_total",
				Help: "Total rich order and trade projections published.",
			},
			[]string{"status"},
		),
		ConfigLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accountant_config_lookups_total",
				Help: "Total pair config lookups.",
			},
			[]string{"source"},
		),
		CacheRefreshDur: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accountant_config_cache_refresh_duration_seconds",
				Help:    "Pair config cache refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheRefreshErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "accountant_config_cache_refresh_errors_total",
				Help: "Total failed pair config cache refreshes.",
			},
		),
		CacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accountant_config_cache_size",
				Help: "Number of pair configs cached.",
			},
		),
	}

	registry.MustRegister(
		m.EventsTotal,
		m.EventDuration,
		m.ActionsCreated,
		m.ReplayedTotal,
		m.ProjectionPublish,
		m.ConfigLookups,
		m.CacheRefreshDur,
		m.CacheRefreshErrs,
		m.CacheSize,
	)
	return m
}

func (m *Metrics) observeEvent(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.EventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) addActions(actions []model.FinancialAction) {
	if m == nil {
		return
	}
	for _, a := range actions {
		m.ActionsCreated.WithLabelValues(string(a.Category)).Inc()
	}
}

func (m *Metrics) incReplay(outcome string) {
	if m == nil {
		return
	}
	m.ReplayedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incProjection(status string) {
	if m == nil {
		return
	}
	m.ProjectionPublish.WithLabelValues(status).Inc()
}

func (m *Metrics) incConfigLookup(source string) {
	if m == nil {
		return
	}
	m.ConfigLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveRefresh(duration time.Duration) {
	if m == nil {
		return
	}
	m.CacheRefreshDur.Observe(duration.Seconds())
}

func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(size))
}

func (m *Metrics) IncRefreshError() {
	if m == nil {
		return
	}
	m.CacheRefreshErrs.Inc()
}
