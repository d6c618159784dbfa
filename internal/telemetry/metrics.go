package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs accepted per queue"}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that reached the failed state"}, []string{"queue"})
	JobRetries    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_job_retries_total", Help: "Handler attempts that will be retried"}, []string{"queue"})
	LeasesExpired = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_job_leases_expired_total", Help: "Active jobs failed by the sweeper after their lease lapsed"}, []string{"queue"})
	JobDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_seconds",
		Help:    "Wall time from dequeue to terminal state",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"queue"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_jobs", Help: "Jobs per queue and state"}, []string{"queue", "state"})

	RateLimitRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by the tiered limiter"}, []string{"tier", "endpoint"})
	RateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_fail_open_total", Help: "Checks allowed because tier resolution or the counter store failed"})

	CacheLookups       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_cache_lookups_total", Help: "Cache reads by namespace and result"}, []string{"namespace", "result"})
	CacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_cache_invalidations_total", Help: "Whole-user cache invalidations"})
	CacheStaleWrites   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_cache_stale_writes_total", Help: "Cache writes dropped because the user was invalidated meanwhile"}, []string{"namespace"})

	CompletionCalls    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_completion_calls_total", Help: "Completion calls by model and outcome"}, []string{"model", "outcome"})
	CompletionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_completion_duration_seconds",
		Help:    "Completion call latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
	}, []string{"model"})
	CompletionTokens = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_completion_tokens_total", Help: "Tokens consumed by direction"}, []string{"model", "direction"})
	CompletionCost   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_completion_cost_usd_total", Help: "Estimated spend in USD"}, []string{"model"})
	MetricsDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_metrics_dropped_total", Help: "Completion metrics dropped because the buffer was full"})

	CircuitBreakerState       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"}, []string{"name"})
	CircuitBreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_circuit_breaker_transitions_total", Help: "Breaker state changes"}, []string{"name", "from", "to"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobRetries,
			LeasesExpired,
			JobDuration,
			QueueDepth,
			RateLimitRejects,
			RateLimitFailOpen,
			CacheLookups,
			CacheInvalidations,
			CacheStaleWrites,
			CompletionCalls,
			CompletionDuration,
			CompletionTokens,
			CompletionCost,
			MetricsDropped,
			CircuitBreakerState,
			CircuitBreakerTransitions,
		)
	})
	return promhttp.Handler()
}
