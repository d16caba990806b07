// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	WritesTotal      *prometheus.CounterVec
	WriteDuration    *prometheus.HistogramVec
	SnapshotsTotal   *prometheus.CounterVec
	MalformedTotal   *prometheus.CounterVec
	PendingWrites    prometheus.Gauge
	PersistErrors    *prometheus.CounterVec
	TimerTransitions *prometheus.CounterVec
	RolloversTotal   prometheus.Counter
	StoreSizeBytes   prometheus.Gauge
	APIRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_writes_total",
				Help: "Total remote writes by entity type and result.",
			},
			[]string{"entity", "result"},
		),
		WriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomsync_write_duration_seconds",
				Help:    "Remote write duration including retries, by entity type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_snapshots_applied_total",
				Help: "Total remote snapshots merged, by sub-tree kind.",
			},
			[]string{"kind"},
		),
		MalformedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_malformed_entities_total",
				Help: "Remote entities skipped because they failed to decode.",
			},
			[]string{"kind"},
		),
		PendingWrites: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomsync_pending_writes",
				Help: "Local writes not yet confirmed by a remote snapshot.",
			},
		),
		PersistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_persist_errors_total",
				Help: "Local persistence failures by target.",
			},
			[]string{"target"},
		),
		TimerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_timer_transitions_total",
				Help: "Timer state transitions.",
			},
			[]string{"from", "to"},
		),
		RolloversTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roomsync_rollovers_total",
				Help: "Daily rollovers performed.",
			},
		),
		StoreSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomsync_store_size_bytes",
				Help: "Size of the local cache database.",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_api_requests_total",
				Help: "Local API requests by route and status.",
			},
			[]string{"route", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.WritesTotal)
	reg.MustRegister(m.WriteDuration)
	reg.MustRegister(m.SnapshotsTotal)
	reg.MustRegister(m.MalformedTotal)
	reg.MustRegister(m.PendingWrites)
	reg.MustRegister(m.PersistErrors)
	reg.MustRegister(m.TimerTransitions)
	reg.MustRegister(m.RolloversTotal)
	reg.MustRegister(m.StoreSizeBytes)
	reg.MustRegister(m.APIRequestsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordWrite counts a remote write attempt and its duration.
func (m *Metrics) RecordWrite(entity, result string, seconds float64) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(entity, result).Inc()
	m.WriteDuration.WithLabelValues(entity).Observe(seconds)
}

// RecordSnapshot counts a merged snapshot.
func (m *Metrics) RecordSnapshot(kind string) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(kind).Inc()
}

// RecordMalformed counts a skipped remote entity.
func (m *Metrics) RecordMalformed(kind string) {
	if m == nil {
		return
	}
	m.MalformedTotal.WithLabelValues(kind).Inc()
}

// SetPending sets the pending write gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingWrites.Set(float64(n))
}

// RecordPersistError counts a local persistence failure.
func (m *Metrics) RecordPersistError(target string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(target).Inc()
}

// RecordTimerTransition counts a timer phase change.
func (m *Metrics) RecordTimerTransition(from, to string) {
	if m == nil {
		return
	}
	m.TimerTransitions.WithLabelValues(from, to).Inc()
}

// RecordRollover counts a daily rollover.
func (m *Metrics) RecordRollover() {
	if m == nil {
		return
	}
	m.RolloversTotal.Inc()
}

// SetStoreSize sets the cache database size.
func (m *Metrics) SetStoreSize(bytes int64) {
	if m == nil {
		return
	}
	m.StoreSizeBytes.Set(float64(bytes))
}

// RecordAPIRequest counts a local API request.
func (m *Metrics) RecordAPIRequest(route, status string) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(route, status).Inc()
}
