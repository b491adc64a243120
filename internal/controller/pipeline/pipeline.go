// Package pipeline implements the staged computation that turns one cluster
// snapshot into dispatched state-transition messages: resource enumeration,
// current-state aggregation, best-possible and intermediate (throttled)
// assignment, message generation, selection and dispatch, and the external
// view update.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/controller/cache"
	"github.com/helmsman-io/helmsman/internal/controller/rebalance"
	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
)

// Resource is one partitioned resource derived from its ideal state.
type Resource struct {
	Name          string
	Partitions    []string
	StateModelDef string
	IdealState    *model.IdealState
}

// Sink receives pipeline observations. The controller owns the concrete
// monitor; stages only ever see this interface.
type Sink interface {
	PipelineRunFinished(duration time.Duration, err error)
	MessagesDispatched(count int)
	StateModelViolation(resource string)
	PendingTransitions(count int)
	RecoveryPartitions(count int)
	SnapshotRefreshFailed()
}

// NopSink discards all observations.
type NopSink struct{}

func (NopSink) PipelineRunFinished(time.Duration, error) {}
func (NopSink) MessagesDispatched(int)                   {}
func (NopSink) StateModelViolation(string)               {}
func (NopSink) PendingTransitions(int)                   {}
func (NopSink) RecoveryPartitions(int)                   {}
func (NopSink) SnapshotRefreshFailed()                   {}

// RunContext carries one run's inputs and accumulated stage outputs.
type RunContext struct {
	Snapshot       *cache.Snapshot
	Accessor       *store.Accessor
	Keys           store.KeyBuilder
	Logger         *zap.Logger
	Sink           Sink
	ControllerName string
	Now            time.Time

	// Stage outputs, in stage order.
	Resources     map[string]*Resource
	CurrentStates *CurrentStateOutput
	BestPossible  map[string]rebalance.Assignment
	Intermediate  map[string]rebalance.Assignment

	// Messages selected for dispatch and pending messages to cancel.
	Messages      []*model.Message
	Cancellations []*model.Message

	// Pending transitions the intermediate stage marked as superseded;
	// message generation turns these into cancellation messages.
	cancelCandidates []cancelCandidate

	// Queue entries addressed to expired sessions, deleted at dispatch.
	staleMessagePaths []string
}

// Stage is one step of the pipeline. Stages read earlier outputs from the
// RunContext and add their own; only the dispatch and external-view stages
// touch the store.
type Stage interface {
	Name() string
	Process(ctx context.Context, run *RunContext) error
}

// Pipeline runs stages in order, stopping at the first failure or at a
// context cancellation on a stage boundary.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger
}

func New(logger *zap.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{stages: stages, logger: logger.Named("pipeline")}
}

// Default assembles the standard stage order.
func Default(logger *zap.Logger) *Pipeline {
	return New(logger,
		&ResourceComputationStage{},
		&CurrentStateComputationStage{},
		&BestPossibleStage{},
		&IntermediateStateStage{},
		&MessageGenerationStage{},
		&MessageSelectionStage{},
		&MessageDispatchStage{},
		&ExternalViewStage{},
	)
}

// Run executes all stages against the run context's snapshot.
func (p *Pipeline) Run(ctx context.Context, run *RunContext) error {
	if run.Sink == nil {
		run.Sink = NopSink{}
	}
	if run.Logger == nil {
		run.Logger = zap.NewNop()
	}
	if run.Now.IsZero() {
		run.Now = time.Now()
	}

	start := time.Now()
	var err error
	for _, stage := range p.stages {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			break
		}
		if err = stage.Process(ctx, run); err != nil {
			err = fmt.Errorf("stage %s: %w", stage.Name(), err)
			break
		}
	}
	run.Sink.PipelineRunFinished(time.Since(start), err)
	return err
}
