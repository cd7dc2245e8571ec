package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// OptimizeDuration records optimize wall time by outcome
	OptimizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "route_optimize_duration_seconds", Help: "Route optimization duration in seconds.", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}},
		[]string{"outcome"},
	)
	// UnassignedTasks counts tasks left unassigned by reason
	UnassignedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_unassigned_tasks_total", Help: "Tasks left unassigned by optimization, by reason."},
		[]string{"reason"},
	)
	// ProviderCalls counts external provider calls by provider, operation and outcome
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_calls_total", Help: "External provider calls by outcome (ok, error, degraded, cache_hit)."},
		[]string{"provider", "op", "outcome"},
	)
	// StopTransitions counts progress updates by target status
	StopTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_stop_transitions_total", Help: "Stop status transitions applied."},
		[]string{"status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(OptimizeDuration)
		Registry.MustRegister(UnassignedTasks)
		Registry.MustRegister(ProviderCalls)
		Registry.MustRegister(StopTransitions)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
