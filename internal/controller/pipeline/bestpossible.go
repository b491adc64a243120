package pipeline

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/controller/rebalance"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// BestPossibleStage computes, per resource, the assignment the cluster
// should converge to, ignoring throttles. Each resource delegates to the
// rebalancer its ideal state selects; a failing resource is skipped so the
// rest of the cluster keeps converging.
type BestPossibleStage struct{}

func (s *BestPossibleStage) Name() string { return "BestPossibleState" }

func (s *BestPossibleStage) Process(ctx context.Context, run *RunContext) error {
	snap := run.Snapshot
	out := make(map[string]rebalance.Assignment, len(run.Resources))

	for _, name := range sortedResourceNames(run.Resources) {
		resource := run.Resources[name]
		rb, err := rebalance.ForResource(resource.IdealState)
		if err != nil {
			if errors.Is(err, herrors.ErrConfigInvalid) {
				run.Logger.Warn("skipping resource", zap.String("resource", name), zap.Error(err))
				continue
			}
			return err
		}

		in := rebalance.Input{
			Snapshot:          snap,
			IdealState:        resource.IdealState,
			StateModelDef:     snap.StateModelDef(resource.StateModelDef),
			Partitions:        resource.Partitions,
			CurrentAssignment: currentAssignment(run, resource),
			EligibleInstances: rebalance.EligibleInstances(snap, resource.IdealState, run.Now),
		}
		assignment, err := rb.Compute(in)
		if err != nil {
			run.Logger.Error("rebalancer failed", zap.String("resource", name), zap.Error(err))
			continue
		}
		out[name] = assignment
	}

	run.BestPossible = out
	return nil
}

// currentAssignment extracts the effective (pending-folded) states per
// partition for stickiness and orphan detection.
func currentAssignment(run *RunContext, resource *Resource) map[string]map[string]string {
	out := make(map[string]map[string]string, len(resource.Partitions))
	for _, partition := range resource.Partitions {
		out[partition] = run.CurrentStates.EffectiveStateMap(resource.Name, partition)
	}
	return out
}

func sortedResourceNames(resources map[string]*Resource) []string {
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
