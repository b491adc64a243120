package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
)

// MessageDispatchStage commits the run to the store. For every transition it
// first stamps REQUESTED_STATE on the replica's current-state record, then
// creates the message nodes in one batch. A replica whose requested state was
// claimed by someone else is abandoned, and an annotation whose message node
// failed to create is cleared again, so a message on a queue always has a
// matching requested state behind it.
type MessageDispatchStage struct{}

func (s *MessageDispatchStage) Name() string { return "MessageDispatch" }

func (s *MessageDispatchStage) Process(ctx context.Context, run *RunContext) error {
	if len(run.staleMessagePaths) > 0 {
		run.Accessor.DeleteBatch(ctx, run.staleMessagePaths)
		run.Logger.Info("purged expired-session messages",
			zap.Int("count", len(run.staleMessagePaths)))
	}

	var toCreate []*model.Message
	for _, msg := range run.Messages {
		if err := s.annotateRequestedState(ctx, run, msg); err != nil {
			run.Logger.Warn("abandoning transition",
				zap.String("instance", msg.TgtName()),
				zap.String("resource", msg.ResourceName()),
				zap.String("partition", msg.PartitionName()),
				zap.Error(err))
			continue
		}
		toCreate = append(toCreate, msg)
	}
	annotated := len(toCreate)
	toCreate = append(toCreate, run.Cancellations...)

	if len(toCreate) == 0 {
		run.Sink.MessagesDispatched(0)
		return nil
	}

	paths := make([]string, len(toCreate))
	records := make([]*model.Record, len(toCreate))
	for i, msg := range toCreate {
		paths[i] = run.Keys.Message(msg.TgtName(), msg.ID())
		records[i] = msg.Record
	}

	results, _ := run.Accessor.CreateRecordsBatch(ctx, paths, records, store.Persistent)
	dispatched := 0
	for i, res := range results {
		if res.Err == nil {
			dispatched++
			continue
		}
		run.Logger.Error("message create failed", zap.String("path", res.Path), zap.Error(res.Err))
		if i < annotated {
			s.clearRequestedState(ctx, run, toCreate[i])
		}
	}

	run.Sink.MessagesDispatched(dispatched)
	run.Logger.Debug("dispatched messages",
		zap.Int("transitions", annotated),
		zap.Int("cancellations", len(run.Cancellations)),
		zap.Int("created", dispatched))
	return nil
}

// annotateRequestedState CAS-writes the message's to-state as the replica's
// requested state. A different requested state already present means another
// message is in flight for the replica.
func (s *MessageDispatchStage) annotateRequestedState(ctx context.Context, run *RunContext, msg *model.Message) error {
	path := run.Keys.CurrentState(msg.TgtName(), msg.TgtSessionID(), msg.ResourceName())
	_, err := run.Accessor.UpdateRecord(ctx, path, msg.ResourceName(), func(rec *model.Record) error {
		cs := &model.CurrentState{Record: rec}
		if cs.SessionID() == "" {
			cs.SetSessionID(msg.TgtSessionID())
			cs.SetStateModelDef(msg.StateModelDef())
		}
		if req := cs.RequestedState(msg.PartitionName()); req != "" && req != msg.ToState() {
			return fmt.Errorf("requested state already %s", req)
		}
		cs.SetRequestedState(msg.PartitionName(), msg.ToState())
		return nil
	})
	return err
}

// clearRequestedState undoes an annotation whose message never made it onto
// the queue. Best effort: a leftover annotation is cleared by the participant
// when the partition next reports.
func (s *MessageDispatchStage) clearRequestedState(ctx context.Context, run *RunContext, msg *model.Message) {
	path := run.Keys.CurrentState(msg.TgtName(), msg.TgtSessionID(), msg.ResourceName())
	_, err := run.Accessor.UpdateRecord(ctx, path, msg.ResourceName(), func(rec *model.Record) error {
		cs := &model.CurrentState{Record: rec}
		if cs.RequestedState(msg.PartitionName()) == msg.ToState() {
			cs.SetRequestedState(msg.PartitionName(), "")
		}
		return nil
	})
	if err != nil {
		run.Logger.Warn("requested-state cleanup failed",
			zap.String("instance", msg.TgtName()), zap.Error(err))
	}
}
