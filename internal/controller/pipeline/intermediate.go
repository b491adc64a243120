package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/controller/rebalance"
	"github.com/helmsman-io/helmsman/internal/model"
)

// transition is one proposed replica move.
type transition struct {
	instance string
	from     string
	to       string
}

// partitionPlan is the per-partition work unit of the intermediate stage.
type partitionPlan struct {
	resource   string
	partition  string
	class      balanceClass
	violation  bool
	candidates []transition
}

// cancelCandidate marks a pending message superseded by a changed target.
type cancelCandidate struct {
	Resource  string
	Partition string
	Instance  string
	Pending   *model.Message
}

// IntermediateStateStage throttles the best-possible step into the next
// legal one: every emitted change is a valid state-model edge, per-state
// upper bounds hold on every configuration reachable from the emitted set,
// and recovery partitions consume budget before load-balance ones.
type IntermediateStateStage struct{}

func (s *IntermediateStateStage) Name() string { return "IntermediateState" }

func (s *IntermediateStateStage) Process(ctx context.Context, run *RunContext) error {
	snap := run.Snapshot
	thr := newThrottler(snap.ClusterConfig.ThrottleConfigs())
	cancelEnabled := snap.ClusterConfig.TransitionCancellationEnabled()

	// Build all plans first so pending transitions are charged before any
	// new transition competes for budget.
	var plans []*partitionPlan
	recoveryCount := 0
	pendingCount := 0
	for _, name := range sortedResourceNames(run.Resources) {
		resource := run.Resources[name]
		def := snap.StateModelDef(resource.StateModelDef)
		target := run.BestPossible[name]
		if target == nil {
			continue
		}
		for _, partition := range resource.Partitions {
			plan := buildPlan(run, resource, def, partition, target[partition])
			if plan.class == classRecovery {
				recoveryCount++
			}
			if plan.violation {
				run.Sink.StateModelViolation(name)
				run.Logger.Warn("unknown replica state, skipping partition",
					zap.String("resource", name), zap.String("partition", partition))
			}
			for instance, msg := range run.CurrentStates.PendingMessages(name, partition) {
				if msg.Type() == model.MsgStateTransition {
					thr.charge(name, instance, plan.class)
					pendingCount++
				}
			}
			plans = append(plans, plan)
		}
	}
	run.Sink.PendingTransitions(pendingCount)
	run.Sink.RecoveryPartitions(recoveryCount)

	// Recovery before load balance; deterministic order inside each class.
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].class != plans[j].class {
			return plans[i].class == classRecovery
		}
		if plans[i].resource != plans[j].resource {
			return plans[i].resource < plans[j].resource
		}
		return plans[i].partition < plans[j].partition
	})

	out := make(map[string]rebalance.Assignment, len(run.Resources))
	for name := range run.Resources {
		out[name] = make(rebalance.Assignment)
	}
	var cancels []cancelCandidate

	for _, plan := range plans {
		assigned := run.CurrentStates.EffectiveStateMap(plan.resource, plan.partition)
		if !plan.violation {
			for _, tr := range plan.candidates {
				if !thr.TryCharge(plan.resource, tr.instance, plan.class) {
					continue
				}
				assigned[tr.instance] = tr.to
			}
			if cancelEnabled {
				cancels = append(cancels, cancelCandidates(run, plan)...)
			}
		}
		out[plan.resource][plan.partition] = assigned
	}

	run.Intermediate = out
	run.cancelCandidates = cancels
	return nil
}

// buildPlan classifies a partition and selects its bound-safe transitions
// toward the best-possible target.
func buildPlan(run *RunContext, resource *Resource, def *model.StateModelDefinition, partition string, target map[string]string) *partitionPlan {
	name := resource.Name
	snap := run.Snapshot
	current := run.CurrentStates.CurrentStateMap(name, partition)
	effective := run.CurrentStates.EffectiveStateMap(name, partition)

	plan := &partitionPlan{resource: name, partition: partition, class: classLoadBalance}

	// Unknown states route the partition through error handling: no
	// transitions are planned for it this run.
	for _, state := range current {
		if !def.ContainsState(state) && state != model.StateDropped {
			plan.violation = true
			plan.class = classRecovery
			return plan
		}
	}

	live := len(snap.LiveInstances)
	replicas := resource.IdealState.ReplicaCount(live)
	plan.class = classify(def, resource.IdealState, current, live, replicas)

	plan.candidates = selectTransitions(def, effective, target, live, replicas)
	return plan
}

// classify marks a partition recovery when its top-state replicas are below
// the state model's bound, any replica is in ERROR, or fewer than
// min-active replicas are alive.
func classify(def *model.StateModelDefinition, is *model.IdealState, current map[string]string, live, replicas int) balanceClass {
	top := def.TopState()
	expectedTop := def.StateUpperBound(top, live, replicas)
	if expectedTop < 0 || expectedTop > replicas {
		expectedTop = replicas
	}

	topCount, active := 0, 0
	for _, state := range current {
		if state == model.StateError {
			return classRecovery
		}
		if state == top {
			topCount++
		}
		if state != model.StateDropped && state != def.InitialState() {
			active++
		}
	}
	if topCount < expectedTop {
		return classRecovery
	}
	if min := is.MinActiveReplicas(); min >= 0 && active < min {
		return classRecovery
	}
	return classLoadBalance
}

// selectTransitions returns the next-hop moves toward target whose to-state
// bounds hold even if any subset of the returned set completes: counts are
// only ever incremented, so no move relies on another vacating a state.
func selectTransitions(def *model.StateModelDefinition, effective, target map[string]string, live, replicas int) []transition {
	type candidate struct {
		instance string
		from     string
		to       string
		upward   bool
		rank     int
	}

	counts := make(map[string]int)
	for _, state := range effective {
		counts[state]++
	}

	// Replicas absent from target already carry a DROPPED entry from the
	// rebalancer, so iterating the target covers every replica that moves.
	var candidates []candidate
	for instance, want := range target {
		have, reported := effective[instance]
		if !reported {
			have = def.InitialState()
		}
		if have == want {
			continue
		}
		next := def.NextState(have, want)
		if next == "" {
			continue
		}
		wantRank := def.StatePriorityIndex(want)
		haveRank := def.StatePriorityIndex(have)
		candidates = append(candidates, candidate{
			instance: instance,
			from:     have,
			to:       next,
			upward:   wantRank < haveRank,
			rank:     def.StatePriorityIndex(next),
		})
	}

	// Moves toward the top state first: they are what unblocks recovery.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].upward != candidates[j].upward {
			return candidates[i].upward
		}
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return candidates[i].instance < candidates[j].instance
	})

	var out []transition
	for _, c := range candidates {
		bound := def.StateUpperBound(c.to, live, replicas)
		if bound >= 0 && counts[c.to] >= bound {
			continue
		}
		counts[c.to]++
		out = append(out, transition{instance: c.instance, from: c.from, to: c.to})
	}
	return out
}

// cancelCandidates finds pending transitions whose to-state the target no
// longer wants.
func cancelCandidates(run *RunContext, plan *partitionPlan) []cancelCandidate {
	target := run.BestPossible[plan.resource][plan.partition]
	var out []cancelCandidate
	for instance, msg := range run.CurrentStates.PendingMessages(plan.resource, plan.partition) {
		if msg.Type() != model.MsgStateTransition {
			continue
		}
		if target[instance] == msg.ToState() {
			continue
		}
		if run.CurrentStates.PendingCancellation(plan.resource, plan.partition, instance) != nil {
			continue
		}
		out = append(out, cancelCandidate{
			Resource:  plan.resource,
			Partition: plan.partition,
			Instance:  instance,
			Pending:   msg,
		})
	}
	return out
}
