package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for tempus.
// Using promauto for automatic registration with default registry.
var (
	// --- Job Metrics ---

	// JobsCreated counts jobs accepted by the planner.
	JobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total number of jobs created by schedule type",
		},
		[]string{"schedule_type"},
	)

	// ExecutionsTotal counts finalized attempts by outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "executions",
			Name:      "total",
			Help:      "Total number of job executions by status",
		},
		[]string{"status", "job_type"},
	)

	// ExecutionDuration tracks attempt duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tempus",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"job_type", "status"},
	)

	// RetriesTotal counts retry envelopes enqueued.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "executions",
			Name:      "retries_total",
			Help:      "Total number of retry attempts enqueued",
		},
		[]string{"job_type"},
	)

	// OverlapSkips counts recurring fires dropped because the previous
	// attempt was still running.
	OverlapSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "executions",
			Name:      "overlap_skips_total",
			Help:      "Total recurring fires skipped due to a running attempt",
		},
	)

	// --- Scheduler Metrics ---

	// DispatchLag measures delay between planned instant and dispatch.
	DispatchLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tempus",
			Subsystem: "scheduler",
			Name:      "dispatch_lag_seconds",
			Help:      "Delay between an attempt's planned instant and its dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	// EnvelopesPromoted counts delayed envelopes made visible.
	EnvelopesPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "scheduler",
			Name:      "envelopes_promoted_total",
			Help:      "Total delayed envelopes promoted into priority bands",
		},
	)

	// FiresMaterialized counts recurring firings turned into envelopes.
	FiresMaterialized = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "scheduler",
			Name:      "fires_materialized_total",
			Help:      "Total recurring firings materialized as envelopes",
		},
	)

	// OrphansReaped counts executions finalized as lost by the reconciler.
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "scheduler",
			Name:      "orphans_reaped_total",
			Help:      "Total orphaned executions finalized by reconciliation",
		},
	)

	// LogsSwept counts audit lines dropped by the retention sweep.
	LogsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "scheduler",
			Name:      "logs_swept_total",
			Help:      "Total job log lines removed by retention",
		},
	)

	// --- Queue Metrics ---

	// QueueDepth tracks visible envelopes per priority band.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tempus",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of visible envelopes per priority band",
		},
		[]string{"band"},
	)

	// DelayedDepth tracks envelopes waiting on visibility time.
	DelayedDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tempus",
			Subsystem: "queue",
			Name:      "delayed",
			Help:      "Number of envelopes awaiting their visibility time",
		},
	)

	// RepeatableDepth tracks installed recurring registrations.
	RepeatableDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tempus",
			Subsystem: "queue",
			Name:      "repeatables",
			Help:      "Number of installed repeatable registrations",
		},
	)

	// --- Worker Metrics ---

	// WorkerInflight tracks concurrent attempts on this worker.
	WorkerInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tempus",
			Subsystem: "worker",
			Name:      "inflight",
			Help:      "Number of attempts currently running on this worker",
		},
	)

	// DispatchThrottled counts pops deferred by the rate limiter.
	DispatchThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "worker",
			Name:      "dispatch_throttled_total",
			Help:      "Total dispatches deferred by the rate limiter",
		},
	)

	// HeartbeatsSent counts liveness heartbeats sent by this worker.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// ActiveWorkers tracks registered workers fleet-wide.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tempus",
			Subsystem: "cluster",
			Name:      "active_workers",
			Help:      "Number of workers with a live registration",
		},
	)

	// --- Notifier Metrics ---

	// NotificationsTotal counts notification deliveries by event and outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tempus",
			Subsystem: "notifier",
			Name:      "events_total",
			Help:      "Total notification events by type and delivery outcome",
		},
		[]string{"event", "outcome"},
	)
)

// RecordExecution records metrics for a finalized attempt.
func RecordExecution(jobType, status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(status, jobType).Inc()
	ExecutionDuration.WithLabelValues(jobType, status).Observe(durationSeconds)
}

// RecordDispatch records an attempt beginning execution.
func RecordDispatch(lagSeconds float64) {
	DispatchLag.Observe(lagSeconds)
}
