// Package metrics provides Prometheus metrics collection for the Q-ALGO
// terminal. It defines the request, live feed, storage and control-write
// metrics exposed on the metrics server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the API process and the
// terminal client.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec   // Requests by route, method and status code
	HTTPDuration *prometheus.HistogramVec // Request latency by route

	// Live feed metrics
	FeedClients     prometheus.Gauge   // Connected WebSocket subscribers
	FeedBroadcasts  prometheus.Counter // Ticks published to the hub
	FeedReconnects  prometheus.Counter // Client-side reconnect attempts
	FeedMessages    prometheus.Counter // Client-side messages received
	FeedParseErrors prometheus.Counter // Messages that did not decode as ticks

	// Resource metrics
	StoreReadErrors prometheus.Counter     // Reads that failed for reasons other than absence
	RecordsSkipped  prometheus.Counter     // Malformed JSON-Lines records dropped
	ControlWrites   *prometheus.CounterVec // Control writes by resource
	ResourceAge     *prometheus.GaugeVec   // Seconds since each resource was written

	// Poller metrics
	PollErrors *prometheus.CounterVec // Failed polls by hook

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_clients",
			Help: "Number of connected live feed subscribers",
		}),
		FeedBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_broadcasts_total",
			Help: "Total number of ticks broadcast to subscribers",
		}),
		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of live feed reconnect attempts",
		}),
		FeedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_messages_total",
			Help: "Total number of live feed messages received",
		}),
		FeedParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_parse_errors_total",
			Help: "Total number of live feed messages that failed to parse",
		}),
		StoreReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "store_read_errors_total",
			Help: "Total number of resource reads that failed",
		}),
		RecordsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "records_skipped_total",
			Help: "Total number of malformed records skipped",
		}),
		ControlWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "control_writes_total",
			Help: "Total number of control writes by resource",
		}, []string{"resource"}),
		ResourceAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resource_age_seconds",
			Help: "Seconds since each resource was last written",
		}, []string{"resource"}),
		PollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_errors_total",
			Help: "Total number of failed polls by hook",
		}, []string{"hook"}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
