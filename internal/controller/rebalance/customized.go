package rebalance

import "github.com/helmsman-io/helmsman/internal/model"

// Customized takes the ideal state's per-partition instance->state maps as
// authoritative, filtered to instances that can actually host the replica.
type Customized struct{}

func (Customized) Compute(in Input) (Assignment, error) {
	out := make(Assignment, len(in.Partitions))
	for _, partition := range in.Partitions {
		declared := in.IdealState.InstanceStateMap(partition)
		assigned := make(map[string]string, len(declared))
		for instance, state := range declared {
			if !in.assignable(instance, partition) {
				continue
			}
			if in.CurrentAssignment[partition][instance] == model.StateError {
				if in.StateModelDef.IsTransitionValid(model.StateError, in.StateModelDef.InitialState()) {
					assigned[instance] = in.StateModelDef.InitialState()
				}
				continue
			}
			assigned[instance] = state
		}
		for instance, state := range in.CurrentAssignment[partition] {
			if _, ok := assigned[instance]; ok || state == model.StateDropped {
				continue
			}
			assigned[instance] = model.StateDropped
		}
		out[partition] = assigned
	}
	return out, nil
}
