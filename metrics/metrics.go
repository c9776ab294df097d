package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts playbook executions by playbook and terminal status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_playbook_executions_total",
			Help: "Total number of playbook executions by status",
		},
		[]string{"playbook_id", "status"},
	)

	// ExecutionDuration tracks end-to-end playbook execution time.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orthrus_playbook_execution_duration_seconds",
			Help:    "Time taken to execute playbooks",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"playbook_id"},
	)

	// StepFailures counts failed step executions.
	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_playbook_step_failures_total",
			Help: "Total number of failed playbook steps",
		},
		[]string{"playbook_id", "step_id", "action"},
	)

	// ActionInvocations counts action invocations by action name and outcome.
	ActionInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_action_invocations_total",
			Help: "Total number of action invocations by outcome",
		},
		[]string{"action", "outcome"},
	)

	// StepRetries counts step retry attempts by action name.
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_step_retries_total",
			Help: "Total number of step retry attempts",
		},
		[]string{"action", "error_type"},
	)

	// QueueDepth is the number of jobs waiting in the run queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orthrus_queue_depth",
			Help: "Number of playbook run jobs waiting for dispatch",
		},
	)

	// RunningExecutions is the number of executions currently running per organization.
	RunningExecutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orthrus_running_executions",
			Help: "Number of executions currently running",
		},
		[]string{"organization_id"},
	)

	// EnqueueRejections counts enqueue requests rejected at validation.
	EnqueueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_enqueue_rejections_total",
			Help: "Total number of rejected enqueue requests",
		},
		[]string{"reason"},
	)

	// TriggerMatches counts trigger events matched to playbooks.
	TriggerMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_trigger_matches_total",
			Help: "Total number of trigger events matched to playbooks",
		},
		[]string{"trigger_type"},
	)

	// AuditEventsDropped counts audit events lost to sink failures.
	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orthrus_audit_events_dropped_total",
			Help: "Total number of audit events dropped due to sink failures",
		},
	)

	// WorkerPoolActiveWorkers tracks configured workers per pool.
	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orthrus_worker_pool_active_workers",
			Help: "Number of active workers per pool (-1 indicates leaked shutdown)",
		},
		[]string{"pool_type"},
	)

	// WorkerPoolQueueSize tracks queued tasks per pool.
	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orthrus_worker_pool_queue_size",
			Help: "Number of queued tasks per pool",
		},
		[]string{"pool_type"},
	)

	// WorkerPoolTasksProcessed counts completed tasks per pool.
	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orthrus_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool_type"},
	)
)
