// Package metrics exposes Prometheus counters and histograms for tile
// serving and rendering, in the same register-on-construction style as
// the rest of the example corpus's Prometheus usage.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tilerenderd"

// Metrics holds every counter/histogram the serving frontend and render
// daemon update. Construct one with New and register it on its own
// registry so tests never collide with the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	tileRequests       *prometheus.CounterVec
	tileRequestLatency *prometheus.HistogramVec
	renderDuration     *prometheus.HistogramVec
	renderFailures     *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	throttled          *prometheus.CounterVec
	bytesServed        *prometheus.CounterVec
}

func register[K prometheus.Collector](logger *slog.Logger, reg *prometheus.Registry, metric K) K {
	if err := reg.Register(metric); err != nil {
		logger.Warn("failed to register metric", "error", err)
	}
	return metric
}

// New creates the metric set and registers every collector.
func New(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()

	return &Metrics{
		registry: reg,

		tileRequests: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_requests_total",
			Help:      "Tile requests served, labeled by style, zoom, and tile state (current/old/veryold/missing).",
		}, []string{"style", "zoom", "state"})),

		tileRequestLatency: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_request_duration_seconds",
			Help:      "End-to-end latency of a tile request, including any on-demand render wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"style", "state"})),

		renderDuration: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering a metatile through the renderer.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"style"})),

		renderFailures: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Render or storage-write failures, labeled by style and error kind.",
		}, []string{"style", "kind"})),

		queueDepth: register(logger, reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current render queue length by priority class.",
		}, []string{"priority"})),

		throttled: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_requests_total",
			Help:      "Requests rejected by the per-IP throttle pool.",
		}, []string{"style"})),

		bytesServed: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_served_total",
			Help:      "Tile response bytes served, labeled by style.",
		}, []string{"style"})),
	}
}

// Handler returns the /metrics HTTP handler for this metric set's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTileRequest records one served tile request.
func (m *Metrics) ObserveTileRequest(style, zoom, state string, elapsed time.Duration, size int) {
	m.tileRequests.WithLabelValues(style, zoom, state).Inc()
	m.tileRequestLatency.WithLabelValues(style, state).Observe(elapsed.Seconds())
	m.bytesServed.WithLabelValues(style).Add(float64(size))
}

// ObserveRender records one render attempt's outcome.
func (m *Metrics) ObserveRender(style string, elapsed time.Duration, err error) {
	m.renderDuration.WithLabelValues(style).Observe(elapsed.Seconds())
	if err != nil {
		m.renderFailures.WithLabelValues(style, kindLabel(err)).Inc()
	}
}

// ObserveThrottled records one request rejected by the throttle pool.
func (m *Metrics) ObserveThrottled(style string) {
	m.throttled.WithLabelValues(style).Inc()
}

// SetQueueDepth publishes the current length of one priority class.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}
