package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
type Metrics struct {
	Applies        *prometheus.CounterVec
	Malformed      *prometheus.CounterVec
	Publishes      *prometheus.CounterVec
	LagDrops       *prometheus.CounterVec
	Archived       *prometheus.CounterVec
	Evicted        *prometheus.CounterVec
	ArchiveSize    prometheus.Gauge
	LiveSessions   prometheus.Gauge
	FeedReconnects *prometheus.CounterVec
	FeedHealthy    *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_applies_total",
			Help: "Book messages applied, by instrument and kind.",
		}, []string{"instrument", "kind"}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_malformed_levels_total",
			Help: "Book messages rejected for malformed levels.",
		}, []string{"instrument"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_publishes_total",
			Help: "States published to live subscribers.",
		}, []string{"instrument"}),
		LagDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_lag_dropped_total",
			Help: "Updates skipped by slow live subscribers.",
		}, []string{"instrument"}),
		Archived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_snapshots_archived_total",
			Help: "Snapshots written to the archive.",
		}, []string{"instrument"}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_snapshots_evicted_total",
			Help: "Snapshots removed by retention eviction.",
		}, []string{"instrument"}),
		ArchiveSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookreplay_archive_snapshots",
			Help: "Snapshots currently held in the archive.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bookreplay_live_sessions",
			Help: "Open live streaming sessions.",
		}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookreplay_feed_reconnects_total",
			Help: "Upstream feed reconnects.",
		}, []string{"instrument"}),
		FeedHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bookreplay_feed_healthy",
			Help: "1 when the instrument's feed is connected and fresh.",
		}, []string{"instrument"}),
	}
	reg.MustRegister(
		m.Applies, m.Malformed, m.Publishes, m.LagDrops, m.Archived,
		m.Evicted, m.ArchiveSize, m.LiveSessions, m.FeedReconnects, m.FeedHealthy,
	)
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveApply(instrument, kind string) {
	if m == nil {
		return
	}
	m.Applies.WithLabelValues(instrument, kind).Inc()
}

func (m *Metrics) ObserveMalformed(instrument string) {
	if m == nil {
		return
	}
	m.Malformed.WithLabelValues(instrument).Inc()
}

func (m *Metrics) ObservePublish(instrument string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(instrument).Inc()
}

func (m *Metrics) ObserveLag(instrument string, skipped uint64) {
	if m == nil {
		return
	}
	m.LagDrops.WithLabelValues(instrument).Add(float64(skipped))
}

func (m *Metrics) ObserveArchive(instrument string, evicted int) {
	if m == nil {
		return
	}
	m.Archived.WithLabelValues(instrument).Inc()
	if evicted > 0 {
		m.Evicted.WithLabelValues(instrument).Add(float64(evicted))
	}
}

func (m *Metrics) SetArchiveSize(n int) {
	if m == nil {
		return
	}
	m.ArchiveSize.Set(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.LiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.LiveSessions.Dec()
}

func (m *Metrics) ObserveReconnect(instrument string) {
	if m == nil {
		return
	}
	m.FeedReconnects.WithLabelValues(instrument).Inc()
}

func (m *Metrics) SetFeedHealthy(instrument string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.FeedHealthy.WithLabelValues(instrument).Set(v)
}
