// Package participant implements the participant runtime: session
// registration, message consumption through a keyed dispatcher, user handler
// execution and current-state publication.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Sink receives executor observations.
type Sink interface {
	MessageHandled(t model.MessageType, duration time.Duration, err error)
}

// NopSink discards all observations.
type NopSink struct{}

func (NopSink) MessageHandled(model.MessageType, time.Duration, error) {}

// Config configures one participant process.
type Config struct {
	Cluster string
	Name    string

	// PoolSize bounds concurrently executing handlers across all partitions.
	PoolSize int

	// GracePeriod is how long a cancelled handler may keep running before its
	// partition is marked ERROR.
	GracePeriod time.Duration

	// PollInterval bounds how long a missed watch event can delay message
	// pickup.
	PollInterval time.Duration

	Logger *zap.Logger
	Sink   Sink
}

// DefaultConfig returns a config with sane defaults; Cluster and Name must
// still be set by the caller.
func DefaultConfig() Config {
	return Config{
		PoolSize:     40,
		GracePeriod:  10 * time.Second,
		PollInterval: 30 * time.Second,
	}
}

// Participant hosts replicas on one process: it holds the live-instance
// ephemeral, consumes its message queue and reports current states.
type Participant struct {
	cfg      Config
	store    store.Store
	accessor *store.Accessor
	keys     store.KeyBuilder
	logger   *zap.Logger
	sink     Sink

	handlers *handlerCache
	exec     *executor

	// localStates mirrors what this participant has published, used for
	// from-state validation without a store round trip.
	mu          sync.RWMutex
	localStates map[string]map[string]string
	defs        map[string]*model.StateModelDefinition

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	watchCancel store.CancelFunc
}

// New builds a participant over an open store connection. The caller owns the
// connection's lifetime.
func New(st store.Store, cfg Config) (*Participant, error) {
	if cfg.Cluster == "" || cfg.Name == "" {
		return nil, herrors.ErrConfigInvalid
	}
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}

	p := &Participant{
		cfg:         cfg,
		store:       st,
		accessor:    store.NewAccessor(st),
		keys:        store.NewKeyBuilder(cfg.Cluster),
		logger:      cfg.Logger.Named("participant").With(zap.String("instance", cfg.Name)),
		sink:        cfg.Sink,
		handlers:    newHandlerCache(),
		localStates: make(map[string]map[string]string),
		defs:        make(map[string]*model.StateModelDefinition),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	p.exec = newExecutor(p)
	return p, nil
}

// RegisterStateModel binds a handler factory to a state-model name. Must be
// called before Start for every state model the participant's resources use.
func (p *Participant) RegisterStateModel(name string, factory HandlerFactory) {
	p.handlers.registerFactory(name, factory)
}

// Start registers the live-instance ephemeral and begins consuming messages.
// The instance must already be configured in the cluster.
func (p *Participant) Start(ctx context.Context) error {
	ok, _, err := p.store.Exists(ctx, p.keys.ParticipantConfig(p.cfg.Name))
	if err != nil {
		return fmt.Errorf("check instance config: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: instance %s not configured in cluster %s",
			herrors.ErrConfigInvalid, p.cfg.Name, p.cfg.Cluster)
	}

	li := model.NewLiveInstance(p.cfg.Name, p.session())
	if _, err := p.accessor.CreateRecord(ctx, p.keys.LiveInstance(p.cfg.Name), li.Record, store.Ephemeral); err != nil {
		if errors.Is(err, herrors.ErrNodeExists) {
			return fmt.Errorf("%w: live instance %s already registered", herrors.ErrNodeExists, p.cfg.Name)
		}
		return fmt.Errorf("register live instance: %w", err)
	}

	events, cancel, err := p.store.WatchChildren(p.keys.Messages(p.cfg.Name))
	if err != nil {
		_ = p.accessor.Delete(ctx, p.keys.LiveInstance(p.cfg.Name))
		return fmt.Errorf("watch messages: %w", err)
	}
	p.watchCancel = cancel

	p.wg.Add(1)
	go p.messageLoop(events)

	p.logger.Info("participant started", zap.String("session", p.session()))
	return nil
}

// Done is closed when the participant asks to be shut down, e.g. after a
// SHUTDOWN message or session loss. The owner must then call Stop.
func (p *Participant) Done() <-chan struct{} {
	return p.doneCh
}

// Stop drains in-flight handlers, resets them and removes the live-instance
// node.
func (p *Participant) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.watchCancel != nil {
		p.watchCancel()
	}
	p.wg.Wait()
	p.exec.close()
	p.handlers.disposeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.accessor.Delete(ctx, p.keys.LiveInstance(p.cfg.Name))
	p.logger.Info("participant stopped")
	p.requestShutdown()
}

func (p *Participant) requestShutdown() {
	p.doneOnce.Do(func() { close(p.doneCh) })
}

func (p *Participant) session() string { return p.store.SessionID() }

func (p *Participant) messageLoop(events <-chan store.Event) {
	defer p.wg.Done()

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	p.pollOnce()
	for {
		select {
		case <-p.stopCh:
			return
		case <-poll.C:
			p.pollOnce()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == store.EventSessionLost {
				p.logger.Warn("session lost, shutting down")
				p.requestShutdown()
				return
			}
			p.pollOnce()
		}
	}
}

func (p *Participant) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.exec.poll(ctx)
}

// localState returns the last state this participant published for a replica,
// "" if it never reported.
func (p *Participant) localState(resource, partition string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localStates[resource][partition]
}

func (p *Participant) setLocalState(resource, partition, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byPartition, ok := p.localStates[resource]
	if !ok {
		byPartition = make(map[string]string)
		p.localStates[resource] = byPartition
	}
	if state == "" {
		delete(byPartition, partition)
	} else {
		byPartition[partition] = state
	}
}

// initialState resolves the initial state of a state model, reading and
// caching its definition from the store.
func (p *Participant) initialState(stateModel string) string {
	p.mu.RLock()
	def, ok := p.defs[stateModel]
	p.mu.RUnlock()
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rec, err := p.accessor.GetRecord(ctx, p.keys.StateModelDef(stateModel))
		if err != nil {
			p.logger.Warn("state model def read failed", zap.String("stateModel", stateModel), zap.Error(err))
			return ""
		}
		def = &model.StateModelDefinition{Record: rec}
		p.mu.Lock()
		p.defs[stateModel] = def
		p.mu.Unlock()
	}
	return def.InitialState()
}

// publishState writes the replica's new state into the session-scoped
// current-state record and clears the requested-state annotation.
func (p *Participant) publishState(msg *model.Message, state, info string) error {
	resource, partition := msg.ResourceName(), msg.PartitionName()
	path := p.keys.CurrentState(p.cfg.Name, p.session(), resource)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.accessor.UpdateRecord(ctx, path, resource, func(rec *model.Record) error {
		cs := &model.CurrentState{Record: rec}
		if cs.SessionID() == "" {
			cs.SetSessionID(p.session())
			cs.SetStateModelDef(msg.StateModelDef())
		}
		if state == model.StateDropped {
			cs.DropPartition(partition)
			return nil
		}
		cs.SetState(partition, state)
		cs.SetInfo(partition, info)
		cs.SetRequestedState(partition, "")
		return nil
	})
	if err != nil {
		return err
	}

	if state == model.StateDropped {
		p.setLocalState(resource, partition, "")
	} else {
		p.setLocalState(resource, partition, state)
	}
	return nil
}

// clearRequestedState drops the annotation for a message that will never run.
func (p *Participant) clearRequestedState(msg *model.Message) {
	path := p.keys.CurrentState(p.cfg.Name, msg.TgtSessionID(), msg.ResourceName())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.accessor.UpdateRecord(ctx, path, msg.ResourceName(), func(rec *model.Record) error {
		cs := &model.CurrentState{Record: rec}
		if cs.RequestedState(msg.PartitionName()) == msg.ToState() {
			cs.SetRequestedState(msg.PartitionName(), "")
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("requested-state clear failed", zap.String("msg", msg.ID()), zap.Error(err))
	}
}
