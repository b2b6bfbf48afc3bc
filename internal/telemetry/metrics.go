// Package telemetry collects system statistics for the host UI and exposes
// Prometheus metrics on the remote HTTP surface.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's Prometheus collectors.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	StreamEvents    *prometheus.CounterVec
	RateLimitDenies *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "commands_total",
			Help:      "Total dispatched commands.",
		}, []string{"cmd", "status"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "lumen",
			Name:                           "command_duration_seconds",
			Help:                           "Command handling duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"cmd"}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "stream_events_total",
			Help:      "Total stream events emitted.",
		}, []string{"event"}),

		RateLimitDenies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "rate_limit_denies_total",
			Help:      "Total requests denied by the rate limiter.",
		}, []string{"cmd"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "http_requests_total",
			Help:      "Total requests on the remote HTTP surface.",
		}, []string{"method", "path", "status"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lumen",
			Name:      "active_streams",
			Help:      "Streaming commands currently in flight.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.StreamEvents,
		m.RateLimitDenies,
		m.HTTPRequests,
		m.ActiveStreams,
	)
	return m
}
