package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ResourceComputationStage enumerates resources and their partitions from the
// ideal states. Resources referencing an unregistered state model are skipped
// and reported; one bad resource never stalls the others.
type ResourceComputationStage struct{}

func (s *ResourceComputationStage) Name() string { return "ResourceComputation" }

func (s *ResourceComputationStage) Process(ctx context.Context, run *RunContext) error {
	snap := run.Snapshot
	if snap == nil {
		return fmt.Errorf("no snapshot")
	}

	resources := make(map[string]*Resource, len(snap.IdealStates))
	for name, is := range snap.IdealStates {
		defName := is.StateModelDefRef()
		if snap.StateModelDef(defName) == nil {
			run.Logger.Warn("skipping resource with unknown state model",
				zap.String("resource", name), zap.String("stateModel", defName))
			continue
		}
		resources[name] = &Resource{
			Name:          name,
			Partitions:    is.Partitions(),
			StateModelDef: defName,
			IdealState:    is,
		}
	}
	run.Resources = resources
	return nil
}
