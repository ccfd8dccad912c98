package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the chat service.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	windowFetches   *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	generateLatency prometheus.Histogram
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "debatechat_turns_total",
			Help: "Chat turns processed, by outcome.",
		}, []string{"status"}),
		windowFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "debatechat_window_fetches_total",
			Help: "Window reads by result: hit, miss, degraded.",
		}, []string{"result"}),
		storeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "debatechat_store_seconds",
			Help:    "Latency of durable store operations.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		generateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "debatechat_generate_seconds",
			Help:    "Latency of reply generation.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		}),
	}
}

// RecordTurn records a completed chat turn.
func (m *Metrics) RecordTurn(status string) {
	m.turnsTotal.WithLabelValues(status).Inc()
}

// RecordWindowFetch records the result of a window read: "hit" when the
// cache served it, "miss" when it was rehydrated, "degraded" when the cache
// was unavailable and the durable log served it directly.
func (m *Metrics) RecordWindowFetch(result string) {
	m.windowFetches.WithLabelValues(result).Inc()
}

// RecordStoreOp records the duration of one durable store call.
func (m *Metrics) RecordStoreOp(op string, d time.Duration) {
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordGeneration records the duration of one reply generation.
func (m *Metrics) RecordGeneration(d time.Duration) {
	m.generateLatency.Observe(d.Seconds())
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
