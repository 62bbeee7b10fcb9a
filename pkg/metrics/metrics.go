// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ExchangeDuration tracks one send from request to terminal event.
	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_exchange_duration_seconds",
			Help:    "Duration of one prompt/answer exchange",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "outcome"},
	)

	// ExchangesTotal counts exchanges by terminal outcome (done, error, canceled).
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_exchanges_total",
			Help: "Total exchanges by outcome",
		},
		[]string{"model", "outcome"},
	)

	// ErrorsTotal counts raised taxonomy errors.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Errors raised by conversation models",
		},
		[]string{"model", "kind"},
	)

	// EventsTotal counts normalized status events.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_status_events_total",
			Help: "Normalized status events emitted",
		},
		[]string{"model", "type"},
	)

	// TokenRefreshes counts auth token retrievals.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_token_refreshes_total",
			Help: "Auth token retrievals by reason",
		},
		[]string{"service", "reason"},
	)

	// ThreadsPurged counts threads dropped by validation.
	ThreadsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_threads_purged_total",
			Help: "Threads removed because their metadata failed validation",
		},
		[]string{"model"},
	)

	// StoreOps counts thread store operations.
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_store_operations_total",
			Help: "Thread store operations",
		},
		[]string{"op", "status"},
	)

	// UpstreamRequests counts outbound requests to conversation backends.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_upstream_requests_total",
			Help: "Outbound backend requests by host and status",
		},
		[]string{"host", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordExchange records the outcome of one exchange.
func RecordExchange(model, outcome string, duration float64) {
	ExchangeDuration.WithLabelValues(model, outcome).Observe(duration)
	ExchangesTotal.WithLabelValues(model, outcome).Inc()
}

// RecordStoreOp records a thread store operation.
func RecordStoreOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOps.WithLabelValues(op, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
