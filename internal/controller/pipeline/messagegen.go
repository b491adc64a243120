package pipeline

import (
	"context"
	"sort"

	"github.com/helmsman-io/helmsman/internal/model"
)

// MessageGenerationStage diffs the intermediate assignment against the
// reported current states and emits one state-transition message per replica
// that must move. Replicas with a message already in flight are left alone;
// superseded pending transitions become cancellation messages.
type MessageGenerationStage struct{}

func (s *MessageGenerationStage) Name() string { return "MessageGeneration" }

func (s *MessageGenerationStage) Process(ctx context.Context, run *RunContext) error {
	snap := run.Snapshot
	var messages []*model.Message

	for _, name := range sortedResourceNames(run.Resources) {
		resource := run.Resources[name]
		def := snap.StateModelDef(resource.StateModelDef)
		assignment := run.Intermediate[name]
		if assignment == nil {
			continue
		}
		for _, partition := range resource.Partitions {
			for _, instance := range sortedKeys(assignment[partition]) {
				desired := assignment[partition][instance]
				current := run.CurrentStates.CurrentState(name, partition, instance)
				if current == "" {
					current = def.InitialState()
				}
				if desired == current {
					continue
				}
				// One in-flight message per replica. The pending to-state is
				// already folded into the assignment, so a remaining diff
				// here means the replica is mid-flight, not under-messaged.
				if run.CurrentStates.PendingMessage(name, partition, instance) != nil {
					continue
				}
				session := snap.InstanceSession(instance)
				if session == "" {
					continue
				}
				messages = append(messages, model.NewStateTransitionMessage(
					run.ControllerName, instance, session,
					name, partition, resource.StateModelDef,
					current, desired,
				))
			}
		}
	}

	var cancellations []*model.Message
	for _, c := range run.cancelCandidates {
		cancellations = append(cancellations, model.NewCancellationMessage(c.Pending, run.ControllerName))
	}

	run.Messages = messages
	run.Cancellations = cancellations
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
