package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_events_ingested_total",
			Help: "Total number of events accepted at the ingest boundary",
		},
		[]string{"format"},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_events_processed_total",
			Help: "Total number of events evaluated by the stream matcher",
		},
		[]string{"partition"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_event_processing_duration_seconds",
			Help:    "Time taken to evaluate one event against the rule snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	DuplicateEventsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_duplicate_events_suppressed_total",
			Help: "Events dropped by the at-least-once delivery dedup cache",
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"severity"},
	)

	AlertNotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_alert_notify_failures_total",
			Help: "Fire-and-forget alert notification failures",
		},
	)

	StateStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_state_store_errors_total",
			Help: "Stateful store operation failures",
		},
		[]string{"op"},
	)

	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_scheduled_runs_total",
			Help: "Scheduled rule run outcomes",
		},
		[]string{"result"}, // ok, query, store, timeout, skipped
	)

	ScheduledRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_scheduled_run_duration_seconds",
			Help:    "Duration of one scheduled rule run",
			Buckets: prometheus.DefBuckets,
		},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_rule_errors_total",
			Help: "Per-rule runtime errors by reason; rules are never auto-disabled",
		},
		[]string{"rule_id", "reason"},
	)

	RuleSnapshotSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_rule_snapshot_size",
			Help: "Number of rules in the active snapshot",
		},
		[]string{"engine"},
	)

	RuleSnapshotAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_rule_snapshot_age_seconds",
			Help: "Age of the stream matcher's rule snapshot",
		},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_worker_pool_active_workers",
			Help: "Configured workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_worker_pool_queue_size",
			Help: "Queued tasks per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_worker_pool_tasks_processed_total",
			Help: "Tasks completed per pool",
		},
		[]string{"pool"},
	)

	EventWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_event_write_failures_total",
			Help: "Durable event store batch insert failures",
		},
	)
)
