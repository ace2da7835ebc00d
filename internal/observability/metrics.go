package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "jobs_submitted_total", Help: "Total optimization jobs submitted"})
	JobsDuplicate = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "jobs_duplicate_total", Help: "Submissions rejected by idempotency key"})
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "jobs_completed_total", Help: "Optimization jobs that reached COMPLETED"})
	JobsFailed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "jobs_failed_total", Help: "Optimization jobs that reached FAILED"})

	RidesAssigned   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "rides_assigned_total", Help: "Rides assigned across all batches"})
	RidesUnassigned = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "rides_unassigned_total", Help: "Rides left unassigned across all batches"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "medtransport",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of one assignment batch",
		Buckets:   prometheus.DefBuckets,
	})

	WebhookFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "medtransport", Name: "webhook_failures_total", Help: "Webhook deliveries that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "medtransport", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medtransport",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
