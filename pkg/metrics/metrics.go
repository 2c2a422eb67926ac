package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IMAP connection pool metrics
var (
	IMAPConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_imap_connect_attempts_total",
			Help: "IMAP connection establishment attempts by result",
		},
		[]string{"account", "result"},
	)

	IMAPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailingest_imap_connections_active",
			Help: "Live pooled IMAP sessions",
		},
	)

	IMAPConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailingest_imap_connect_duration_seconds",
			Help:    "Time to dial and authenticate an IMAP session",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	IMAPStaleEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailingest_imap_stale_evictions_total",
			Help: "Pooled sessions dropped after a failed liveness check",
		},
	)
)

// Ingestion pipeline metrics
var (
	IngestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_ingest_runs_total",
			Help: "Pipeline runs by result",
		},
		[]string{"account", "result"},
	)

	IngestStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailingest_ingest_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_messages_processed_total",
			Help: "Messages seen by the pipeline by outcome (saved, failed, duplicate, parse_failed)",
		},
		[]string{"account", "outcome"},
	)

	DedupeChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_dedupe_checks_total",
			Help: "Duplicate checks by source (cache, store) and result",
		},
		[]string{"source", "result"},
	)

	UpsertBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_upsert_batches_total",
			Help: "Sub-batch upserts by status",
		},
		[]string{"status"},
	)
)

// Attachment metrics
var (
	AttachmentUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_attachment_uploads_total",
			Help: "Attachment uploads by status (success, retry, failed, rejected)",
		},
		[]string{"status"},
	)

	AttachmentBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailingest_attachment_bytes_total",
			Help: "Bytes of attachments stored",
		},
	)
)

// Cache and scheduler metrics
var (
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_cache_operations_total",
			Help: "Cache lookups and evictions by cache name",
		},
		[]string{"cache", "result"},
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailingest_cache_entries",
			Help: "Entries currently held per cache",
		},
		[]string{"cache"},
	)

	SchedulerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailingest_scheduler_in_flight",
			Help: "Tasks currently executing per scheduler",
		},
		[]string{"scheduler"},
	)

	SchedulerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_scheduler_tasks_total",
			Help: "Completed scheduler tasks by result",
		},
		[]string{"scheduler", "result"},
	)
)

// Storage backend metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailingest_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailingest_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailingest_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailingest_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailingest_component_health",
			Help: "Component health (0 healthy, 1 degraded, 2 unhealthy, 3 unreachable)",
		},
		[]string{"component"},
	)
)
