// Package monitor exposes prometheus metrics for the controller pipeline and
// the participant executor, and serves them over HTTP.
package monitor

import (
	"time"

	"github.com/helmsman-io/helmsman/internal/model"
)

// Monitor records pipeline and executor observations into the prometheus
// collectors. It satisfies both the pipeline sink and the participant sink.
type Monitor struct{}

func New() *Monitor { return &Monitor{} }

func (m *Monitor) PipelineRunFinished(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PipelineRuns.WithLabelValues(status).Inc()
	PipelineDuration.Observe(duration.Seconds())
}

func (m *Monitor) MessagesDispatched(count int) {
	MessagesDispatched.Add(float64(count))
}

func (m *Monitor) StateModelViolation(resource string) {
	StateModelViolations.WithLabelValues(resource).Inc()
}

func (m *Monitor) PendingTransitions(count int) {
	PendingTransitions.Set(float64(count))
}

func (m *Monitor) RecoveryPartitions(count int) {
	RecoveryPartitions.Set(float64(count))
}

func (m *Monitor) SnapshotRefreshFailed() {
	SnapshotRefreshFailures.Inc()
}

func (m *Monitor) MessageHandled(t model.MessageType, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	MessagesHandled.WithLabelValues(string(t), status).Inc()
	if t == model.MsgStateTransition {
		TransitionDuration.Observe(duration.Seconds())
	}
}
