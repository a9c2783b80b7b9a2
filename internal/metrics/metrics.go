// Package metrics defines every Prometheus instrument once, with a fixed
// label schema. Labels are bounded by construction: component, stream, group,
// reason, provider, state. Per-post or per-channel labels are not allowed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_published_total",
		Help: "Entries appended to a stream, by stream and outcome.",
	}, []string{"stream", "outcome"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_consumed_total",
		Help: "Entries handled by a consumer group, by stream, group and outcome.",
	}, []string{"stream", "group", "outcome"})

	EventsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_claimed_total",
		Help: "Pending entries claimed from other consumers.",
	}, []string{"stream", "group"})

	DLQDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bus_dlq_backlog",
		Help: "Unprocessed entries sitting in a DLQ stream.",
	}, []string{"stream"})

	DLQWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_dlq_written_total",
		Help: "Entries dead-lettered, by base stream and error code.",
	}, []string{"stream", "error_code"})

	HandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consumer_handle_seconds",
		Help:    "Wall time spent handling one stream entry.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stream", "group"})

	TaskRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_task_restarts_total",
		Help: "Task restarts performed by the supervisor.",
	}, []string{"task"})

	TaskState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supervisor_task_up",
		Help: "1 when the task is running, 0 otherwise.",
	}, []string{"task"})

	IngestBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "Ingested batches by outcome (saved, skipped reason, error).",
	}, []string{"outcome"})

	IngestPosts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_posts_inserted_total",
		Help: "New post rows inserted.",
	})

	MediaBytesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_bytes_stored_total",
		Help: "Bytes written to the content-addressed store.",
	})

	MediaQuotaDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_quota_denied_total",
		Help: "Uploads rejected by the per-tenant storage quota.",
	})

	VisionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_requests_total",
		Help: "Vision provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	VisionSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vision_skips_total",
		Help: "Media skipped by the policy or budget gates, by reason.",
	}, []string{"reason"})

	VisionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vision_cache_hits_total",
		Help: "Vision analyses answered from the artifact cache.",
	})

	AlbumsAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albums_assembled_total",
		Help: "Albums that reached the assembled state.",
	})

	AlbumsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albums_expired_total",
		Help: "Albums that ran out their assembly TTL incomplete.",
	})

	AlbumAssemblyLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "album_assembly_lag_seconds",
		Help:    "Time from first sighting to assembly.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 18),
	})

	CrawlResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_results_total",
		Help: "Crawl attempts by result category.",
	}, []string{"category"})

	CrawlSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_skips_total",
		Help: "Crawls skipped before fetch, by reason.",
	}, []string{"reason"})

	TagsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tags_generated_total",
		Help: "Tag generations by trigger.",
	}, []string{"trigger"})

	IndexWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "index_writes_total",
		Help: "Index writes by backend (vector, graph) and outcome.",
	}, []string{"backend", "outcome"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Breaker state per provider: 0 closed, 1 half-open, 2 open.",
	}, []string{"provider"})

	BudgetDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "budget_denied_total",
		Help: "Operations denied by a budget counter, by budget name.",
	}, []string{"budget"})

	StorageUsageGB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storage_bucket_usage_gb",
		Help: "Reconciled per-tenant object storage usage in GB.",
	}, []string{"tenant"})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_rows",
		Help: "Event outbox rows awaiting publication.",
	})
)
