// Package observability provides logging, metrics, and tracing setup for
// the prompt dispatch service, integrating with OpenTelemetry and
// Prometheus.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// QueueDepth is a gauge of jobs waiting/active, by list name. It is
	// registered by InitMetrics; no component in this module sets it.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs in the waiting/active lists",
		},
		[]string{"list"},
	)
	// JobsEnqueuedTotal counts jobs enqueued.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"}, // "single" or "bulk"
	)
	// JobsCompletedTotal counts jobs completed.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"outcome"}, // "success" or "empty"
	)
	// JobsFailedTotal counts jobs failed, by reason class.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"reason"},
	)
	// DispatchAttemptsTotal counts dispatcher attempts against a worker, by
	// worker index and outcome kind.
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of worker search attempts by outcome",
		},
		[]string{"worker", "outcome"},
	)
	// DispatchDuration records how long a full dispatch (possibly spanning
	// several worker attempts) took.
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Duration of a full dispatch loop",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	// WorkerHealthy is a gauge, 1 if the worker last reported free, else 0.
	WorkerHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_healthy",
			Help: "1 if the worker is currently free (ok && !busy && ready != false)",
		},
		[]string{"worker"},
	)
	// BatchJobsTotal is a gauge of jobs within a batch, by status bucket. It
	// is registered by InitMetrics; no component in this module sets it.
	BatchJobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_jobs",
			Help: "Jobs within queried batches by status",
		},
		[]string{"status"},
	)

	// CircuitBreakerStatus tracks per-worker circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(WorkerHealthy)
	prometheus.MustRegister(BatchJobsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordCircuitBreakerStatus records circuit breaker state for a worker.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
