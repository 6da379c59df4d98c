package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_route_decisions_total",
			Help: "Total number of route decisions",
		},
		[]string{"method", "effective_domain"},
	)

	RouteOverrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_route_overrides_total",
			Help: "Route decisions where the routed domain replaced the requested one",
		},
		[]string{"requested_domain", "routed_domain"},
	)

	ClassifierLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragrouter_classifier_latency_seconds",
			Help:    "LLM intent classification latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Retrieval metrics
	RetrievalRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_retrieval_runs_total",
			Help: "Total number of retrieval runs",
		},
		[]string{"strategy", "outcome"},
	)

	RetrievalRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragrouter_retrieval_run_duration_seconds",
			Help:    "Retrieval run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 60},
		},
		[]string{"strategy"},
	)

	PlanSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragrouter_plan_size",
			Help:    "Number of runs per execution plan",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
		},
	)

	// Aggregation metrics
	AggregationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_aggregation_outcomes_total",
			Help: "Aggregation outcomes (ranked, promoted, synthesized, failed)",
		},
		[]string{"outcome"},
	)

	// Streaming metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_stream_events_total",
			Help: "Total number of stream events emitted",
		},
		[]string{"status"},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragrouter_streams_active",
			Help: "Number of open streaming connections",
		},
	)

	StreamDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragrouter_stream_disconnects_total",
			Help: "Streams cancelled by client disconnect",
		},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragrouter_generation_duration_seconds",
			Help:    "Answer generation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"status"},
	)

	// Background job metrics
	BackgroundJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_background_jobs_total",
			Help: "Background jobs by coordinator and outcome",
		},
		[]string{"coordinator", "outcome"},
	)

	BackgroundJobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragrouter_background_jobs_in_flight",
			Help: "Background jobs currently tracked by a coordinator",
		},
		[]string{"coordinator"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// Vector DB metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragrouter_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragrouter_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Rate limiting
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragrouter_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
		[]string{"endpoint"},
	)
)

// RecordRouteDecision records one completed route decision
func RecordRouteDecision(method, requested, routed, effective string) {
	RouteDecisions.WithLabelValues(method, effective).Inc()
	if requested != "" && routed != "" && requested != routed && effective == routed {
		RouteOverrides.WithLabelValues(requested, routed).Inc()
	}
}

// RecordRetrievalRun records metrics for one dispatched run
func RecordRetrievalRun(strategy, outcome string, durationSeconds float64) {
	RetrievalRuns.WithLabelValues(strategy, outcome).Inc()
	RetrievalRunDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordBackgroundJob records a finished background job
func RecordBackgroundJob(coordinator, outcome string) {
	BackgroundJobs.WithLabelValues(coordinator, outcome).Inc()
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
