package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stayrender_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Admission Metrics
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_admission_decisions_total",
			Help: "Admission outcomes by stage",
		},
		[]string{"stage", "outcome"},
	)

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_rate_limit_rejections_total",
			Help: "Rate limit rejections by endpoint and dimension",
		},
		[]string{"endpoint", "dimension"},
	)

	IdempotencyOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_idempotency_outcomes_total",
			Help: "Idempotency reservation outcomes",
		},
		[]string{"state"},
	)

	QuotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_quota_decisions_total",
			Help: "Quota check-and-increment outcomes",
		},
		[]string{"outcome"},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stayrender_jobs_created_total",
			Help: "Total number of render jobs created",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_jobs_completed_total",
			Help: "Total number of render jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stayrender_jobs_in_progress",
			Help: "Render jobs currently between queued and delivered",
		},
	)

	// Render Provider Metrics
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_provider_calls_total",
			Help: "Calls to the external render provider",
		},
		[]string{"operation", "status"},
	)

	ProviderCancelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_provider_cancels_total",
			Help: "Best-effort provider cancellation deliveries",
		},
		[]string{"outcome"},
	)

	ProviderCancelDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stayrender_provider_cancels_dropped_total",
			Help: "Provider cancellations dropped due to a full buffer",
		},
	)

	// Storage Metrics
	StorageCleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stayrender_storage_cleanup_deleted_total",
			Help: "Objects removed by retention cleanup",
		},
		[]string{"bucket"},
	)

	StoragePathViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stayrender_storage_path_violations_total",
			Help: "Storage paths rejected by the security gateway",
		},
	)
)
