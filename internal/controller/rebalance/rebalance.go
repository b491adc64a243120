// Package rebalance computes best-possible assignments for resources. One
// rebalancer variant is selected per resource by its rebalance mode;
// USER_DEFINED variants are looked up in a plugin registry by name.
package rebalance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/helmsman-io/helmsman/internal/controller/cache"
	"github.com/helmsman-io/helmsman/internal/model"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Assignment maps partition -> instance -> target state.
type Assignment map[string]map[string]string

// Input carries everything a rebalancer may consult. CurrentAssignment is the
// aggregated observed state (pending to-states folded in) used for stickiness
// and for marking orphaned replicas DROPPED.
type Input struct {
	Snapshot          *cache.Snapshot
	IdealState        *model.IdealState
	StateModelDef     *model.StateModelDefinition
	Partitions        []string
	CurrentAssignment map[string]map[string]string

	// EligibleInstances are the instances placement may use, after tag
	// filtering and delayed-rebalance adjustment, sorted for determinism.
	EligibleInstances []string
}

// Rebalancer computes the best-possible assignment for one resource,
// ignoring throttles.
type Rebalancer interface {
	Compute(in Input) (Assignment, error)
}

// assignable reports whether placement may use an instance for a partition.
// Eligibility already folds in liveness, the enabled flag, tag matching and
// the delayed-rebalance window; only the per-partition disable remains.
func (in Input) assignable(instance, partition string) bool {
	eligible := false
	for _, e := range in.EligibleInstances {
		if e == instance {
			eligible = true
			break
		}
	}
	if !eligible {
		return false
	}
	cfg, ok := in.Snapshot.InstanceConfigs[instance]
	return !ok || !cfg.PartitionDisabled(in.IdealState.ResourceName(), partition)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Rebalancer)
)

// Register installs a USER_DEFINED rebalancer plugin under a name.
func Register(name string, r Rebalancer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = r
}

// ForResource selects the rebalancer for an ideal state.
func ForResource(is *model.IdealState) (Rebalancer, error) {
	switch is.RebalanceMode() {
	case model.RebalanceModeSemiAuto:
		return SemiAuto{}, nil
	case model.RebalanceModeFullAuto:
		return FullAuto{}, nil
	case model.RebalanceModeCustomized:
		return Customized{}, nil
	case model.RebalanceModeUserDefined:
		registryMu.RLock()
		r, ok := registry[is.RebalancerClassName()]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: user-defined rebalancer %q not registered",
				herrors.ErrConfigInvalid, is.RebalancerClassName())
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown rebalance mode %q",
			herrors.ErrConfigInvalid, is.RebalanceMode())
	}
}

// assignStatesByPreference fills state-model upper bounds top-down along a
// preference list, skipping instances that are not assignable or whose
// replica sits in ERROR. Instances holding the partition but absent from the
// final assignment are marked DROPPED so the participant releases them.
func assignStatesByPreference(in Input, partition string, preference []string) map[string]string {
	def := in.StateModelDef
	live := len(in.Snapshot.LiveInstances)
	replicas := in.IdealState.ReplicaCount(live)

	current := in.CurrentAssignment[partition]
	assigned := make(map[string]string)

	eligible := make([]string, 0, len(preference))
	for _, instance := range preference {
		if !in.assignable(instance, partition) {
			continue
		}
		if current[instance] == model.StateError {
			// ERROR replicas are recovered via ERROR->OFFLINE, not reassigned.
			if def.IsTransitionValid(model.StateError, def.InitialState()) {
				assigned[instance] = def.InitialState()
			}
			continue
		}
		eligible = append(eligible, instance)
	}

	idx, total := 0, 0
	for _, state := range def.StatesPriorityList() {
		if state == model.StateError || state == model.StateDropped {
			continue
		}
		bound := def.StateUpperBound(state, live, replicas)
		if bound < 0 {
			bound = replicas - total
		}
		for n := 0; n < bound && idx < len(eligible) && total < replicas; n++ {
			assigned[eligible[idx]] = state
			idx++
			total++
		}
		if idx >= len(eligible) || total >= replicas {
			break
		}
	}

	// Orphaned replicas: reported on instances the assignment no longer uses.
	for instance, state := range current {
		if _, ok := assigned[instance]; ok {
			continue
		}
		if state == model.StateDropped {
			continue
		}
		assigned[instance] = model.StateDropped
	}
	return assigned
}

// SortedPartitions returns partitions in deterministic order.
func SortedPartitions(a Assignment) []string {
	out := make([]string, 0, len(a))
	for p := range a {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
