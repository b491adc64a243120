package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// inflight tracks one executing transition so cancellation messages can reach
// it.
type inflight struct {
	transition Transition
	handler    Handler
	cancel     context.CancelFunc
}

// executor consumes the participant's message queue: it validates, routes to
// the keyed dispatcher, runs handlers and publishes resulting current states.
type executor struct {
	p *Participant

	dispatcher *dispatcher

	mu        sync.Mutex
	seen      map[string]bool
	inflights map[string]*inflight
	// cancelled holds ids of transitions cancelled before they started; the
	// dispatcher drops them on dequeue.
	cancelled map[string]bool
}

func newExecutor(p *Participant) *executor {
	return &executor{
		p:          p,
		dispatcher: newDispatcher(p.cfg.PoolSize),
		seen:       make(map[string]bool),
		inflights:  make(map[string]*inflight),
		cancelled:  make(map[string]bool),
	}
}

func (e *executor) close() {
	e.dispatcher.Close()
}

// poll lists the message queue and routes every unseen message.
func (e *executor) poll(ctx context.Context) {
	msgsPath := e.p.keys.Messages(e.p.cfg.Name)
	children, err := e.p.store.GetChildren(ctx, msgsPath)
	if err != nil {
		if !errors.Is(err, herrors.ErrNoNode) {
			e.p.logger.Warn("message list failed", zap.Error(err))
		}
		return
	}

	for _, id := range children {
		e.mu.Lock()
		dup := e.seen[id]
		e.seen[id] = true
		e.mu.Unlock()
		if dup {
			continue
		}

		rec, err := e.p.accessor.GetRecord(ctx, e.p.keys.Message(e.p.cfg.Name, id))
		if err != nil {
			if !errors.Is(err, herrors.ErrNoNode) {
				e.p.logger.Warn("message read failed", zap.String("msg", id), zap.Error(err))
			}
			e.forget(id)
			continue
		}
		e.route(&model.Message{Record: rec})
	}
}

func (e *executor) forget(id string) {
	e.mu.Lock()
	delete(e.seen, id)
	e.mu.Unlock()
}

func (e *executor) route(msg *model.Message) {
	switch msg.Type() {
	case model.MsgStateTransition:
		key := msg.ResourceName() + "/" + msg.PartitionName()
		if !e.dispatcher.Submit(key, func() { e.runTransition(msg) }) {
			e.forget(msg.ID())
		}
	case model.MsgCancellation:
		// Cancellations bypass the keyed queue: their target is either
		// in flight right now or still queued behind this very key.
		e.handleCancellation(msg)
	case model.MsgNoOp:
		e.deleteMessage(msg)
		e.p.sink.MessageHandled(model.MsgNoOp, 0, nil)
	case model.MsgShutdown:
		e.deleteMessage(msg)
		e.p.sink.MessageHandled(model.MsgShutdown, 0, nil)
		e.p.logger.Info("shutdown message received")
		e.p.requestShutdown()
	default:
		e.p.logger.Warn("ignoring message of unknown type",
			zap.String("msg", msg.ID()), zap.String("type", string(msg.Type())))
	}
}

// handleCancellation cancels the pending transition named by the message's
// subtype, whether it is queued or already running.
func (e *executor) handleCancellation(msg *model.Message) {
	targetID := msg.SubType()

	e.mu.Lock()
	fl, running := e.inflights[targetID]
	if !running {
		e.cancelled[targetID] = true
	}
	e.mu.Unlock()

	if running {
		fl.cancel()
		if ca, ok := fl.handler.(CancelAware); ok {
			ca.OnCancel(fl.transition)
		}
		e.p.logger.Info("cancelled in-flight transition",
			zap.String("msg", targetID),
			zap.String("resource", fl.transition.Resource),
			zap.String("partition", fl.transition.Partition))
	}
	e.deleteMessage(msg)
	e.p.sink.MessageHandled(model.MsgCancellation, 0, nil)
}

// runTransition executes one state-transition message end to end on a
// dispatcher slot.
func (e *executor) runTransition(msg *model.Message) {
	start := time.Now()
	err := e.executeTransition(msg)
	e.p.sink.MessageHandled(model.MsgStateTransition, time.Since(start), err)
	if err != nil {
		e.p.logger.Warn("transition failed",
			zap.String("resource", msg.ResourceName()),
			zap.String("partition", msg.PartitionName()),
			zap.String("to", msg.ToState()),
			zap.Error(err))
	}
}

func (e *executor) executeTransition(msg *model.Message) error {
	resource, partition := msg.ResourceName(), msg.PartitionName()

	e.mu.Lock()
	preCancelled := e.cancelled[msg.ID()]
	delete(e.cancelled, msg.ID())
	e.mu.Unlock()

	if preCancelled {
		e.abandonMessage(msg, "cancelled before start")
		return nil
	}
	if msg.TgtSessionID() != e.p.session() {
		e.abandonMessage(msg, "session mismatch")
		return herrors.ErrStaleMessage
	}
	cur := e.p.localState(resource, partition)
	if cur == "" {
		cur = e.p.initialState(msg.StateModelDef())
	}
	if cur != msg.FromState() {
		e.abandonMessage(msg, fmt.Sprintf("from-state mismatch, have %q", cur))
		return herrors.ErrStaleMessage
	}

	handler, err := e.p.handlers.handlerFor(msg.StateModelDef(), resource, partition)
	if err != nil {
		e.markError(msg, err)
		return err
	}

	transition := Transition{
		Resource:  resource,
		Partition: partition,
		From:      msg.FromState(),
		To:        msg.ToState(),
		MessageID: msg.ID(),
	}
	info, err := e.invoke(handler, transition, msg.Timeout())
	if err != nil {
		if ea, ok := handler.(ErrorAware); ok {
			ea.OnError(partition, err)
		}
		e.markError(msg, err)
		return err
	}

	if perr := e.p.publishState(msg, msg.ToState(), info); perr != nil {
		return fmt.Errorf("publish state: %w", perr)
	}
	if msg.ToState() == model.StateDropped {
		e.p.handlers.dispose(resource, partition)
	}
	e.deleteMessage(msg)
	return nil
}

// invoke runs the handler with the message timeout, recovering panics and
// promoting a handler that ignores cancellation to ERROR after the grace
// period.
func (e *executor) invoke(handler Handler, t Transition, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	e.inflights[t.MessageID] = &inflight{transition: t, handler: handler, cancel: cancel}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflights, t.MessageID)
		e.mu.Unlock()
	}()

	type outcome struct {
		info string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		info, err := handler.OnTransition(ctx, t)
		done <- outcome{info: info, err: err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case out := <-done:
		return out.info, out.err
	case <-timeoutCh:
	}

	// Deadline passed: cancel cooperatively, then give the handler a grace
	// period before declaring it wedged.
	cancel()
	grace := time.NewTimer(e.p.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case out := <-done:
		if out.err == nil {
			out.err = herrors.ErrHandlerTimeout
		}
		return out.info, out.err
	case <-grace.C:
		return "", fmt.Errorf("%w: no response within grace period", herrors.ErrHandlerTimeout)
	}
}

// markError records the partition as ERROR and removes the message; the
// controller recovers the replica from there.
func (e *executor) markError(msg *model.Message, cause error) {
	if perr := e.p.publishState(msg, model.StateError, cause.Error()); perr != nil {
		e.p.logger.Error("error-state publish failed",
			zap.String("resource", msg.ResourceName()),
			zap.String("partition", msg.PartitionName()),
			zap.Error(perr))
	}
	e.deleteMessage(msg)
}

// abandonMessage removes a message without running its handler, clearing the
// requested-state annotation the controller stamped for it.
func (e *executor) abandonMessage(msg *model.Message, reason string) {
	e.p.logger.Info("abandoning message",
		zap.String("msg", msg.ID()),
		zap.String("resource", msg.ResourceName()),
		zap.String("partition", msg.PartitionName()),
		zap.String("reason", reason))
	e.p.clearRequestedState(msg)
	e.deleteMessage(msg)
}

func (e *executor) deleteMessage(msg *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.p.accessor.Delete(ctx, e.p.keys.Message(e.p.cfg.Name, msg.ID())); err != nil {
		e.p.logger.Warn("message delete failed", zap.String("msg", msg.ID()), zap.Error(err))
	}
}
