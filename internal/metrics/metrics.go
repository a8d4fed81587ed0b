package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	ExtractionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_memory_extraction_runs_total",
		Help: "Memory extraction runs started.",
	})

	ExtractionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_memory_extraction_failures_total",
		Help: "Memory extraction runs that failed after retries.",
	})

	ExtractionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_memory_extraction_retries_total",
		Help: "Individual extraction model calls that were retried.",
	})

	ExtractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_memory_extraction_duration_seconds",
		Help:    "Wall time of a full extraction run.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	MemoriesSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_memories_saved_total",
		Help: "Extracted memories persisted, by type.",
	}, []string{"type"})

	SummaryRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_summary_runs_total",
		Help: "Conversation summary generations.",
	})

	SummaryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_summary_failures_total",
		Help: "Conversation summary generations that failed.",
	})

	ModelCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_model_cost_usd_total",
		Help: "Accumulated model spend in USD, by model name.",
	}, []string{"model"})
)
