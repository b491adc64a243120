package pipeline

import (
	"context"

	"github.com/helmsman-io/helmsman/internal/model"
)

// CurrentStateOutput is the per-(resource, partition, instance) fold of
// participant current-state reports and outstanding messages.
type CurrentStateOutput struct {
	currentStates   map[string]map[string]map[string]string
	requestedStates map[string]map[string]map[string]string
	infos           map[string]map[string]map[string]string
	pending         map[string]map[string]map[string]*model.Message
	cancels         map[string]map[string]map[string]*model.Message
}

func NewCurrentStateOutput() *CurrentStateOutput {
	return &CurrentStateOutput{
		currentStates:   make(map[string]map[string]map[string]string),
		requestedStates: make(map[string]map[string]map[string]string),
		infos:           make(map[string]map[string]map[string]string),
		pending:         make(map[string]map[string]map[string]*model.Message),
		cancels:         make(map[string]map[string]map[string]*model.Message),
	}
}

func setMsg(m map[string]map[string]map[string]*model.Message, resource, partition, instance string, msg *model.Message) {
	byPartition, ok := m[resource]
	if !ok {
		byPartition = make(map[string]map[string]*model.Message)
		m[resource] = byPartition
	}
	byInstance, ok := byPartition[partition]
	if !ok {
		byInstance = make(map[string]*model.Message)
		byPartition[partition] = byInstance
	}
	byInstance[instance] = msg
}

func set3(m map[string]map[string]map[string]string, resource, partition, instance, value string) {
	byPartition, ok := m[resource]
	if !ok {
		byPartition = make(map[string]map[string]string)
		m[resource] = byPartition
	}
	byInstance, ok := byPartition[partition]
	if !ok {
		byInstance = make(map[string]string)
		byPartition[partition] = byInstance
	}
	byInstance[instance] = value
}

func get3(m map[string]map[string]map[string]string, resource, partition, instance string) string {
	return m[resource][partition][instance]
}

func (o *CurrentStateOutput) SetCurrentState(resource, partition, instance, state string) {
	set3(o.currentStates, resource, partition, instance, state)
}

func (o *CurrentStateOutput) CurrentState(resource, partition, instance string) string {
	return get3(o.currentStates, resource, partition, instance)
}

func (o *CurrentStateOutput) SetRequestedState(resource, partition, instance, state string) {
	set3(o.requestedStates, resource, partition, instance, state)
}

func (o *CurrentStateOutput) RequestedState(resource, partition, instance string) string {
	return get3(o.requestedStates, resource, partition, instance)
}

func (o *CurrentStateOutput) SetInfo(resource, partition, instance, info string) {
	set3(o.infos, resource, partition, instance, info)
}

func (o *CurrentStateOutput) SetPendingMessage(resource, partition, instance string, msg *model.Message) {
	setMsg(o.pending, resource, partition, instance, msg)
}

func (o *CurrentStateOutput) SetPendingCancellation(resource, partition, instance string, msg *model.Message) {
	setMsg(o.cancels, resource, partition, instance, msg)
}

// PendingCancellation returns the outstanding cancellation for a replica,
// nil if none.
func (o *CurrentStateOutput) PendingCancellation(resource, partition, instance string) *model.Message {
	return o.cancels[resource][partition][instance]
}

// PendingMessage returns the outstanding transition message for a replica,
// nil if none.
func (o *CurrentStateOutput) PendingMessage(resource, partition, instance string) *model.Message {
	return o.pending[resource][partition][instance]
}

// CurrentStateMap returns instance->state for one partition. The returned
// map is shared; callers must not mutate it.
func (o *CurrentStateOutput) CurrentStateMap(resource, partition string) map[string]string {
	return o.currentStates[resource][partition]
}

// PendingMessages returns instance->message for one partition.
func (o *CurrentStateOutput) PendingMessages(resource, partition string) map[string]*model.Message {
	return o.pending[resource][partition]
}

// EffectiveStateMap folds pending to-states over current states: the state
// each replica will reach if every outstanding message completes.
func (o *CurrentStateOutput) EffectiveStateMap(resource, partition string) map[string]string {
	out := make(map[string]string)
	for instance, state := range o.currentStates[resource][partition] {
		out[instance] = state
	}
	for instance, msg := range o.pending[resource][partition] {
		if msg.Type() == model.MsgStateTransition {
			out[instance] = msg.ToState()
		}
	}
	return out
}

// CurrentStateComputationStage folds per-participant reports and queued
// messages into a CurrentStateOutput. Only records scoped by each
// instance's live session are present in the snapshot, so stale sessions
// are excluded by construction.
type CurrentStateComputationStage struct{}

func (s *CurrentStateComputationStage) Name() string { return "CurrentStateComputation" }

func (s *CurrentStateComputationStage) Process(ctx context.Context, run *RunContext) error {
	out := NewCurrentStateOutput()
	snap := run.Snapshot

	for instance, byResource := range snap.CurrentStates {
		for resource, cs := range byResource {
			if _, tracked := run.Resources[resource]; !tracked {
				continue
			}
			for partition, state := range cs.PartitionStates() {
				out.SetCurrentState(resource, partition, instance, state)
				if req := cs.RequestedState(partition); req != "" {
					out.SetRequestedState(resource, partition, instance, req)
				}
				if info := cs.Info(partition); info != "" {
					out.SetInfo(resource, partition, instance, info)
				}
			}
		}
	}

	for instance, msgs := range snap.Messages {
		session := snap.InstanceSession(instance)
		for _, msg := range msgs {
			if msg.Type() != model.MsgStateTransition && msg.Type() != model.MsgCancellation {
				continue
			}
			// Messages addressed to a dead session will never execute; they
			// are invisible here and cleaned up during message selection.
			if msg.TgtSessionID() != session {
				continue
			}
			if _, tracked := run.Resources[msg.ResourceName()]; !tracked {
				continue
			}
			if msg.Type() == model.MsgCancellation {
				out.SetPendingCancellation(msg.ResourceName(), msg.PartitionName(), instance, msg)
			} else {
				out.SetPendingMessage(msg.ResourceName(), msg.PartitionName(), instance, msg)
			}
		}
	}

	run.CurrentStates = out
	return nil
}
