package metrics

import (
	"sync"
	"time"

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

	// OptimizationRuns counts runs by requested strategy and outcome
	// (optimal, heuristic, time_bounded, infeasible, invalid, busy, error).
	OptimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimization_runs_total", Help: "Optimization runs by strategy and outcome."},
		[]string{"strategy", "outcome"},
	)
	// OptimizationDuration tracks wall-clock solve time in seconds
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimization_duration_seconds", Help: "Optimization run duration in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}},
		[]string{"strategy"},
	)
	// SearchNodes records branch-and-bound nodes explored per exact run
	SearchNodes = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "optimization_search_nodes", Help: "Branch-and-bound nodes explored per run.", Buckets: prometheus.ExponentialBuckets(1, 4, 10)},
	)
	// ActiveRuns is the number of runs currently holding a session
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimization_active_runs", Help: "Optimization runs in progress."},
	)
	// WebhookDeliveries counts run notification attempts by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event"},
	)
	// EventSubscribers is the number of open run-event streams
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optimization_event_subscribers", Help: "Open SSE and WebSocket run-event streams."},
	)
)

// ObserveRun records one finished optimization run.
func ObserveRun(strategy, outcome string, elapsed time.Duration, nodes int) {
	OptimizationRuns.WithLabelValues(strategy, outcome).Inc()
	OptimizationDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	if nodes > 0 {
		SearchNodes.Observe(float64(nodes))
	}
}

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizationRuns)
		Registry.MustRegister(OptimizationDuration)
		Registry.MustRegister(SearchNodes)
		Registry.MustRegister(ActiveRuns)
		Registry.MustRegister(EventSubscribers)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
