// Package metrics defines the Prometheus instruments for the dispatch
// pipeline. All collectors are registered on the default registry via
// promauto and exposed through promhttp in the binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowcatalyst"

// Process pool instruments. pool_code labels carry the configured pool code;
// result is one of success, error_config, error_process, error_connection,
// rate_limited, batch_group_failed.
var (
	PoolMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "messages_processed_total",
		Help:      "Messages processed by a pool, by outcome.",
	}, []string{"pool_code", "result"})

	PoolProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "processing_duration_seconds",
		Help:      "Mediator call duration per pool.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"pool_code"})

	PoolActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active_workers",
		Help:      "Workers currently holding a concurrency permit.",
	}, []string{"pool_code"})

	PoolAvailablePermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "available_permits",
		Help:      "Unused concurrency permits.",
	}, []string{"pool_code"})

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Messages waiting in per-group queues.",
	}, []string{"pool_code"})

	PoolMessageGroups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "message_groups",
		Help:      "Live message-group workers.",
	}, []string{"pool_code"})

	PoolRateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "rate_limit_rejections_total",
		Help:      "Messages fast-failed by the pool rate limiter.",
	}, []string{"pool_code"})

	PoolBatchGroupFastFails = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "batch_group_fast_fails_total",
		Help:      "Messages fast-failed because their batch+group already failed.",
	}, []string{"pool_code"})
)

// Mediator instruments.
var (
	MediatorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "requests_total",
		Help:      "Outbound webhook requests, by HTTP status class.",
	}, []string{"status_class"})

	MediatorCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per target host (0=closed 1=half-open 2=open).",
	}, []string{"host"})
)

// Scheduler instruments.
var (
	SchedulerJobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "jobs_dispatched_total",
		Help:      "Jobs published to the broker and marked QUEUED.",
	})

	SchedulerDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatch_failures_total",
		Help:      "Publish attempts that failed and left the job PENDING.",
	})

	SchedulerBlockedGroupSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "blocked_group_skips_total",
		Help:      "Jobs withheld because their group carries ERROR jobs.",
	})

	SchedulerStaleJobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "stale_jobs_recovered_total",
		Help:      "QUEUED jobs reset to PENDING by the stale poller.",
	})

	SchedulerActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "active_groups",
		Help:      "Message groups with queued or in-flight jobs in the group dispatcher.",
	})
)

// Queue instruments.
var (
	QueueMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "messages_published_total",
		Help:      "Messages published to the broker.",
	}, []string{"backend"})

	QueueMessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "messages_consumed_total",
		Help:      "Messages fetched from the broker.",
	}, []string{"backend"})

	QueueAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "acks_total",
		Help:      "Messages acknowledged (removed).",
	}, []string{"backend"})

	QueueNacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "nacks_total",
		Help:      "Messages nacked for redelivery.",
	}, []string{"backend"})

	QueuePendingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "pending_depth",
		Help:      "Visible messages waiting in the broker.",
	}, []string{"backend"})

	QueueInvisibleDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "invisible_depth",
		Help:      "Leased (in-flight) messages in the broker.",
	}, []string{"backend"})
)

// Router / manager instruments.
var (
	RouterPipelineSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "pipeline_size",
		Help:      "Messages currently tracked in the in-pipeline registry.",
	})

	RouterUnknownPoolFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "unknown_pool_fallbacks_total",
		Help:      "Messages routed to the default pool because their pool code was unknown.",
	})

	RouterConsumerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "consumer_restarts_total",
		Help:      "Consumers restarted by the stall watchdog.",
	})

	RouterConsumerStalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "consumer_stalls_total",
		Help:      "Stall events detected (no poll activity within the threshold).",
	})

	RouterPoisonMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "poison_messages_total",
		Help:      "Malformed envelopes acked without routing.",
	})

	RouterRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "redeliveries_total",
		Help:      "Broker redeliveries of messages already in the pipeline.",
	})

	RouterVisibilityExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "visibility_extensions_total",
		Help:      "Visibility extensions applied to in-flight messages.",
	})
)
