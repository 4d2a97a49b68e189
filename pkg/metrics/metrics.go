package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// User-service metrics
	UserServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uds_user_services_total",
			Help: "User services by state and cache level",
		},
		[]string{"state", "level"},
	)

	ServiceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_service_transitions_total",
			Help: "User-service state transitions by target state",
		},
		[]string{"to"},
	)

	ServiceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_service_errors_total",
			Help: "User services entering error state, by pool",
		},
		[]string{"pool"},
	)

	// Cache updater metrics
	CacheActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_cache_actions_total",
			Help: "Cache reconciliation actions by kind (grow_l1, grow_l2, promote, demote, reduce_l1, reduce_l2)",
		},
		[]string{"action"},
	)

	PoolsRestrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uds_pools_restrained_total",
			Help: "Pool ticks skipped because the pool was restrained",
		},
	)

	// Scheduler metrics
	JobsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_jobs_executed_total",
			Help: "Scheduled job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uds_job_duration_seconds",
			Help:    "Scheduled job run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uds_jobs_recovered_total",
			Help: "Stuck scheduler rows reclaimed from dead executors",
		},
	)

	// Deferred deletion metrics
	DeletionQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uds_deletion_queue_depth",
			Help: "Entries per deferred-deletion queue",
		},
		[]string{"queue"},
	)

	DeletionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uds_deletions_completed_total",
			Help: "Machines fully deleted by the deferred worker",
		},
	)

	DeletionsAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uds_deletions_abandoned_total",
			Help: "Deferred deletions abandoned after exhausting retries",
		},
	)

	// Allocator metrics
	AllocatorCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uds_uniqueid_collisions_total",
			Help: "Unique-id allocation retries caused by concurrent allocators",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uds_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(UserServicesTotal)
	prometheus.MustRegister(ServiceTransitions)
	prometheus.MustRegister(ServiceErrors)
	prometheus.MustRegister(CacheActions)
	prometheus.MustRegister(PoolsRestrained)
	prometheus.MustRegister(JobsExecuted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsRecovered)
	prometheus.MustRegister(DeletionQueueDepth)
	prometheus.MustRegister(DeletionsCompleted)
	prometheus.MustRegister(DeletionsAbandoned)
	prometheus.MustRegister(AllocatorCollisions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
