package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/controller/rebalance"
	"github.com/helmsman-io/helmsman/internal/model"
)

// ExternalViewStage publishes the aggregated current states as each
// resource's external view, removes views of dropped resources, and
// optionally persists computed assignments back onto the ideal states.
type ExternalViewStage struct{}

func (s *ExternalViewStage) Name() string { return "ExternalView" }

func (s *ExternalViewStage) Process(ctx context.Context, run *RunContext) error {
	snap := run.Snapshot

	for _, name := range sortedResourceNames(run.Resources) {
		resource := run.Resources[name]
		path := run.Keys.ExternalView(name)
		_, err := run.Accessor.UpdateRecord(ctx, path, name, func(rec *model.Record) error {
			rec.MapFields = make(map[string]map[string]string, len(resource.Partitions))
			ev := &model.ExternalView{Record: rec}
			for _, partition := range resource.Partitions {
				states := run.CurrentStates.CurrentStateMap(name, partition)
				if len(states) == 0 {
					continue
				}
				copied := make(map[string]string, len(states))
				for instance, state := range states {
					copied[instance] = state
				}
				ev.SetStateMap(partition, copied)
			}
			return nil
		})
		if err != nil {
			run.Logger.Error("external view update failed", zap.String("resource", name), zap.Error(err))
		}
	}

	// Views of resources whose ideal state is gone are stale.
	for name := range snap.ExternalViews {
		if _, tracked := run.Resources[name]; !tracked {
			if err := run.Accessor.Delete(ctx, run.Keys.ExternalView(name)); err != nil {
				run.Logger.Error("stale external view delete failed", zap.String("resource", name), zap.Error(err))
			}
		}
	}

	if snap.ClusterConfig.PersistBestPossibleAssignment() {
		s.persistAssignments(ctx, run, run.BestPossible)
	} else if snap.ClusterConfig.PersistIntermediateAssignment() {
		s.persistAssignments(ctx, run, run.Intermediate)
	}
	return nil
}

// persistAssignments writes computed instance-state maps onto each ideal
// state, making the controller's placement decisions inspectable.
func (s *ExternalViewStage) persistAssignments(ctx context.Context, run *RunContext, assignments map[string]rebalance.Assignment) {
	for _, name := range sortedResourceNames(run.Resources) {
		assignment := assignments[name]
		if assignment == nil {
			continue
		}
		path := run.Keys.IdealState(name)
		_, err := run.Accessor.UpdateRecord(ctx, path, name, func(rec *model.Record) error {
			is := &model.IdealState{Record: rec}
			for partition, states := range assignment {
				is.SetInstanceStateMap(partition, states)
			}
			return nil
		})
		if err != nil {
			run.Logger.Error("assignment persist failed", zap.String("resource", name), zap.Error(err))
		}
	}
}
