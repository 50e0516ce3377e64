// Package metrics exposes Prometheus gauges and counters for the
// Reactor's internal state: event pool occupancy, reconnect activity,
// directory service counts, and router queue depth. Grounded on the
// global-var-plus-init()-registration pattern the retrieval pack's
// cuemby-warren/pkg/metrics uses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ommreactor_event_pool_size",
		Help: "Current number of pooled (free-listed) event objects.",
	})

	EventQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ommreactor_event_queue_depth",
		Help: "Current depth of the dispatch/worker event queues.",
	}, []string{"queue"})

	ChannelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ommreactor_channel_state",
		Help: "Current state of a channel, 1 for the active state and 0 otherwise.",
	}, []string{"channel", "state"})

	ReconnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ommreactor_reconnect_attempts_total",
		Help: "Total number of reconnect attempts made by a channel.",
	}, []string{"channel"})

	ReconnectSuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ommreactor_reconnect_success_total",
		Help: "Total number of successful reconnects.",
	}, []string{"channel"})

	DirectoryServicesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ommreactor_directory_services_total",
		Help: "Current number of non-deleted aggregated services.",
	})

	RouterPendingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ommreactor_router_pending_depth",
		Help: "Current number of items on the router's pending-request list.",
	})

	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ommreactor_token_refresh_total",
		Help: "Total number of OAuth token refresh attempts by outcome.",
	}, []string{"outcome"})

	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ommreactor_dispatch_latency_seconds",
		Help:    "Time spent inside one Dispatch() call.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		EventPoolSize,
		EventQueueDepth,
		ChannelState,
		ReconnectAttemptsTotal,
		ReconnectSuccessTotal,
		DirectoryServicesTotal,
		RouterPendingDepth,
		TokenRefreshTotal,
		DispatchLatency,
	)
}

// Handler returns the Prometheus scrape handler for wiring onto
// ReactorConfig.MetricsAddr.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram via
// ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
