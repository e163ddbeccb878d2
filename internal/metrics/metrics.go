// Package metrics provides Prometheus metrics for the retrieval core
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the retrieval core
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Retrieval metrics
	QueriesTotal          *prometheus.CounterVec
	QueryDuration         prometheus.Histogram
	QueryCandidates       prometheus.Histogram
	QueryResultsTotal     prometheus.Counter
	KeywordFallbacksTotal prometheus.Counter
	EmptyResultsTotal     prometheus.Counter

	// Ingestion metrics
	DocumentsIngestedTotal  prometheus.Counter
	DuplicatesSkippedTotal  prometheus.Counter
	FamiliesCreatedTotal    prometheus.Counter
	FamilyJoinsTotal        prometheus.Counter
	FamilyAssignFailsTotal  prometheus.Counter

	// Embedding metrics
	EmbeddingJobsTotal    *prometheus.CounterVec
	EmbeddingJobDuration  prometheus.Histogram
	EmbeddingJobsInFlight prometheus.Gauge
	EmbeddingWaitersTotal prometheus.Counter
	EmbeddingRetriesTotal prometheus.Counter

	// Store metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbDocumentsTotal    prometheus.Gauge
	DbFamiliesTotal     prometheus.Gauge
	DbChunksTotal       prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// HTTP request metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policycore_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"path", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policycore_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policycore_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Retrieval metrics
	m.QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policycore_queries_total",
			Help: "Total number of retrieval queries by classified intent",
		},
		[]string{"intent"},
	)

	m.QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policycore_query_duration_seconds",
			Help:    "End-to-end duration of retrieval queries in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	m.QueryCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policycore_query_candidates",
			Help:    "Number of candidate documents after access and intent filtering",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	m.QueryResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_query_results_total",
			Help: "Total number of ranked results returned",
		},
	)

	m.KeywordFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_keyword_fallbacks_total",
			Help: "Total number of documents scored keyword-only because embeddings were unavailable",
		},
	)

	m.EmptyResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_empty_results_total",
			Help: "Total number of queries that returned no accessible or matching documents",
		},
	)

	// Ingestion metrics
	m.DocumentsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_documents_ingested_total",
			Help: "Total number of documents ingested",
		},
	)

	m.DuplicatesSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_duplicates_skipped_total",
			Help: "Total number of exact-duplicate documents skipped at ingestion",
		},
	)

	m.FamiliesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_families_created_total",
			Help: "Total number of new document families created",
		},
	)

	m.FamilyJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_family_joins_total",
			Help: "Total number of documents joined to existing families",
		},
	)

	m.FamilyAssignFailsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_family_assign_failures_total",
			Help: "Total number of family assignment failures degraded to singleton families",
		},
	)

	// Embedding metrics
	m.EmbeddingJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policycore_embedding_jobs_total",
			Help: "Total number of embedding computations by outcome",
		},
		[]string{"status"},
	)

	m.EmbeddingJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policycore_embedding_job_duration_seconds",
			Help:    "Duration of embedding computations in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.EmbeddingJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policycore_embedding_jobs_in_flight",
			Help: "Number of embedding computations currently running",
		},
	)

	m.EmbeddingWaitersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_embedding_waiters_total",
			Help: "Total number of callers that waited on another caller's in-flight embedding job",
		},
	)

	m.EmbeddingRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policycore_embedding_retries_total",
			Help: "Total number of embedding retries after failure",
		},
	)

	// Store metrics
	m.DbOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policycore_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policycore_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.DbDocumentsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policycore_db_documents_total",
			Help: "Total number of documents in the store",
		},
	)

	m.DbFamiliesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policycore_db_families_total",
			Help: "Total number of document families in the store",
		},
	)

	m.DbChunksTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policycore_db_chunks_total",
			Help: "Total number of embedded chunks in the store",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policycore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP API request with its status
func (m *Metrics) RecordHTTPRequest(path string, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordQuery records a completed retrieval query
func (m *Metrics) RecordQuery(intent string, candidates, results int, duration time.Duration) {
	m.QueriesTotal.WithLabelValues(intent).Inc()
	m.QueryDuration.Observe(duration.Seconds())
	m.QueryCandidates.Observe(float64(candidates))
	m.QueryResultsTotal.Add(float64(results))
}

// RecordEmbeddingJob records an embedding computation with its outcome
func (m *Metrics) RecordEmbeddingJob(status string, duration time.Duration) {
	m.EmbeddingJobsTotal.WithLabelValues(status).Inc()
	m.EmbeddingJobDuration.Observe(duration.Seconds())
}

// RecordDbOperation records a database operation
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateStoreStats updates store statistics
func (m *Metrics) UpdateStoreStats(docCount, familyCount, chunkCount int64) {
	m.DbDocumentsTotal.Set(float64(docCount))
	m.DbFamiliesTotal.Set(float64(familyCount))
	m.DbChunksTotal.Set(float64(chunkCount))
}
