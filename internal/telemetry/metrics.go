package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_transitions_total", Help: "Accepted status transitions",
	}, []string{"to", "role", "override"})
	TransitionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_transition_rejections_total", Help: "Rejected status transitions by reason",
	}, []string{"reason"})
	BatchEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_batches_total", Help: "Batch lifecycle events",
	}, []string{"event"})
	BatchesOverdue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "custody_batches_overdue", Help: "Dispatched batches past their expected return date",
	})
	TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_tasks_enqueued_total", Help: "Background tasks enqueued",
	}, []string{"kind"})
	TaskResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_tasks_total", Help: "Background task outcomes",
	}, []string{"kind", "result"})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "custody_queue_depth", Help: "Background tasks ready to run",
	})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "custody_scan_rate_limit_rejects_total", Help: "Scans rejected by the rate limiter",
	})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "custody_http_request_duration_seconds", Help: "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			TransitionRejects,
			BatchEvents,
			BatchesOverdue,
			TasksEnqueued,
			TaskResults,
			QueueDepth,
			RateLimitRejects,
			HTTPDuration,
		)
	})
	return promhttp.Handler()
}
