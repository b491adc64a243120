package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "helmsman"
)

var (
	// PipelineRuns counts pipeline executions
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs",
		},
		[]string{"status"}, // success/error
	)

	// PipelineDuration measures pipeline run latency
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Pipeline run latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	// MessagesDispatched counts messages written to participant queues
	MessagesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total number of messages dispatched to participants",
		},
	)

	// StateModelViolations counts replicas observed in unknown states
	StateModelViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_model_violations_total",
			Help:      "Total number of state model violations observed",
		},
		[]string{"resource"},
	)

	// PendingTransitions tracks in-flight transitions per run
	PendingTransitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transitions",
			Help:      "In-flight state transitions observed by the last pipeline run",
		},
	)

	// RecoveryPartitions tracks partitions classified as recovering
	RecoveryPartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_partitions",
			Help:      "Partitions in recovery in the last pipeline run",
		},
	)

	// SnapshotRefreshFailures counts failed cluster cache refreshes
	SnapshotRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_refresh_failures_total",
			Help:      "Total number of failed cluster snapshot refreshes",
		},
	)

	// MessagesHandled counts participant message executions
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Total number of messages handled by the participant",
		},
		[]string{"type", "status"}, // type: message type, status: success/error
	)

	// TransitionDuration measures handler latency
	TransitionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "State transition handler latency in seconds",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
		},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
)
