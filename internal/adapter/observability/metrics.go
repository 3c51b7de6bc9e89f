package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"type"},
	)
	TasksClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_claimed_total",
			Help: "Total number of successful task claims",
		},
	)
	TaskClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "task_claim_conflicts_total",
			Help: "Total number of claim attempts that lost the race",
		},
	)
	TasksTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_terminal_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)
	AutomationTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_triggered_total",
			Help: "Total number of tasks created by column automation",
		},
	)
	AutomationRoutingSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_routing_skipped_total",
			Help: "Total number of terminal tasks whose card routing was skipped",
		},
	)

	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_by_status",
			Help: "Number of registered workers per liveness status",
		},
		[]string{"status"},
	)

	EventBusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_dropped_total",
			Help: "Total number of events dropped from full subscriber queues",
		},
		[]string{"topic"},
	)
	EventStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_stream_clients",
			Help: "Number of connected event stream clients",
		},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all collectors with the default registry. Call once
// per process before serving /metrics.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			TasksCreatedTotal,
			TasksClaimedTotal,
			TaskClaimConflictsTotal,
			TasksTerminalTotal,
			AutomationTriggeredTotal,
			AutomationRoutingSkippedTotal,
			WorkersByStatus,
			EventBusDroppedTotal,
			EventStreamClients,
		)
	})
}

// EventBusDropped records one dropped event on topic.
func EventBusDropped(topic string) {
	EventBusDroppedTotal.WithLabelValues(topic).Inc()
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
