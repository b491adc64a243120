package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
)

// MessageSelectionStage is the last gate before dispatch: it drops messages
// whose target went away between snapshot and now, enforces the one in-flight
// message per replica rule, and marks queue entries addressed to expired
// sessions for deletion.
type MessageSelectionStage struct{}

func (s *MessageSelectionStage) Name() string { return "MessageSelection" }

func (s *MessageSelectionStage) Process(ctx context.Context, run *RunContext) error {
	snap := run.Snapshot

	selected := run.Messages[:0]
	claimed := make(map[[3]string]bool)
	for _, msg := range run.Messages {
		instance := msg.TgtName()
		if !snap.IsInstanceLive(instance) || snap.InstanceSession(instance) != msg.TgtSessionID() {
			run.Logger.Debug("dropping message for gone session",
				zap.String("instance", instance), zap.String("msg", msg.ID()))
			continue
		}
		key := [3]string{msg.ResourceName(), msg.PartitionName(), instance}
		if claimed[key] {
			continue
		}
		claimed[key] = true
		selected = append(selected, msg)
	}
	run.Messages = selected

	// Queue entries addressed to a session that no longer exists will never
	// be consumed; collect them so the dispatch stage can delete them.
	for instance, msgs := range snap.Messages {
		session := snap.InstanceSession(instance)
		for _, msg := range msgs {
			if msg.Type() == model.MsgStateTransition || msg.Type() == model.MsgCancellation {
				if msg.TgtSessionID() != session {
					run.staleMessagePaths = append(run.staleMessagePaths, run.Keys.Message(instance, msg.ID()))
				}
			}
		}
	}
	return nil
}
