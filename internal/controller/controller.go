// Package controller implements the cluster controller: leader election over
// the coordination store, change-driven cache refresh, and the rebalance
// pipeline that converges participant state onto the ideal states.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/controller/cache"
	"github.com/helmsman-io/helmsman/internal/controller/pipeline"
	"github.com/helmsman-io/helmsman/internal/controller/rebalance"
	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Config configures one controller process.
type Config struct {
	Cluster string
	Name    string

	// RefreshInterval bounds how stale the cache may get when change
	// notifications are missed.
	RefreshInterval time.Duration

	// LeaderRetryInterval paces leadership acquisition attempts while
	// another controller holds the lock.
	LeaderRetryInterval time.Duration

	Logger *zap.Logger
	Sink   pipeline.Sink
}

// DefaultConfig returns a config with sane defaults; Cluster and Name must
// still be set by the caller.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:     30 * time.Second,
		LeaderRetryInterval: 2 * time.Second,
	}
}

// Controller drives one cluster. Exactly one controller instance is active
// per cluster at a time, guarded by an ephemeral leader node.
type Controller struct {
	cfg      Config
	store    store.Store
	accessor *store.Accessor
	keys     store.KeyBuilder
	cache    *cache.Cache
	pipe     *pipeline.Pipeline
	logger   *zap.Logger
	sink     pipeline.Sink

	// triggerCh coalesces change notifications: at most one pipeline run is
	// queued, no matter how many events arrive while one is in flight.
	triggerCh chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	leader         bool
	epoch          int64
	watchCancels   []store.CancelFunc
	instanceWatch  map[string][]store.CancelFunc
	watchedSession map[string]string
}

// New builds a controller over an open store connection. The caller owns the
// connection's lifetime.
func New(st store.Store, cfg Config) (*Controller, error) {
	if cfg.Cluster == "" || cfg.Name == "" {
		return nil, herrors.ErrConfigInvalid
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = pipeline.NopSink{}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if cfg.LeaderRetryInterval <= 0 {
		cfg.LeaderRetryInterval = DefaultConfig().LeaderRetryInterval
	}

	logger := cfg.Logger.Named("controller").With(zap.String("cluster", cfg.Cluster))
	accessor := store.NewAccessor(st)
	return &Controller{
		cfg:            cfg,
		store:          st,
		accessor:       accessor,
		keys:           store.NewKeyBuilder(cfg.Cluster),
		cache:          cache.New(accessor, cfg.Cluster, cfg.Logger),
		pipe:           pipeline.Default(cfg.Logger),
		logger:         logger,
		sink:           cfg.Sink,
		triggerCh:      make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		instanceWatch:  make(map[string][]store.CancelFunc),
		watchedSession: make(map[string]string),
	}, nil
}

// Start begins leadership acquisition and returns immediately. The controller
// runs until Stop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.leaderLoop()
}

// Stop relinquishes leadership and waits for all controller goroutines.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	c.teardownWatchesLocked()
	leader := c.leader
	c.leader = false
	c.mu.Unlock()

	if leader {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.accessor.Delete(ctx, c.keys.ControllerLeader())
	}
}

// IsLeader reports whether this instance currently holds the leader node.
func (c *Controller) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

// Trigger queues a pipeline run. Safe from any goroutine; redundant triggers
// collapse into one.
func (c *Controller) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

func (c *Controller) leaderLoop() {
	defer c.wg.Done()

	retry := time.NewTicker(c.cfg.LeaderRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		acquired, err := c.tryAcquireLeadership()
		if err != nil {
			c.logger.Warn("leadership attempt failed", zap.Error(err))
		}
		if acquired {
			c.logger.Info("acquired leadership", zap.Int64("epoch", c.epoch))
			c.runAsLeader()
			c.logger.Info("lost leadership")
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-retry.C:
		}
	}
}

// tryAcquireLeadership creates the ephemeral leader node. The epoch is the
// previous leader's epoch plus one, so fencing tokens are monotonic across
// controller generations.
func (c *Controller) tryAcquireLeadership() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := c.keys.ControllerLeader()
	epoch := int64(0)
	if rec, err := c.accessor.GetRecord(ctx, path); err == nil {
		prev := &model.LiveInstance{Record: rec}
		if prev.SessionID() == c.store.SessionID() {
			// Our own stale node, e.g. after a fast restart on the same
			// session. Treat it as held.
			return c.becomeLeader(prev.ControllerEpoch())
		}
		return false, nil
	} else if !errors.Is(err, herrors.ErrNoNode) {
		return false, err
	}

	rec, err := c.accessor.GetRecord(ctx, c.keys.Controller())
	if err == nil {
		epoch = rec.GetInt64Field(model.FieldLastLeaderEpoch, 0)
	}

	li := model.NewLiveInstance(c.cfg.Name, c.store.SessionID())
	li.SetControllerEpoch(epoch + 1)
	if _, err := c.accessor.CreateRecord(ctx, path, li.Record, store.Ephemeral); err != nil {
		if errors.Is(err, herrors.ErrNodeExists) {
			return false, nil
		}
		return false, err
	}

	// Record the epoch high-water mark on the persistent parent.
	_, err = c.accessor.UpdateRecord(ctx, c.keys.Controller(), "CONTROLLER", func(r *model.Record) error {
		if r.GetInt64Field(model.FieldLastLeaderEpoch, 0) < epoch+1 {
			r.SetInt64Field(model.FieldLastLeaderEpoch, epoch+1)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("epoch high-water update failed", zap.Error(err))
	}
	return c.becomeLeader(epoch + 1)
}

func (c *Controller) becomeLeader(epoch int64) (bool, error) {
	c.mu.Lock()
	c.leader = true
	c.epoch = epoch
	c.mu.Unlock()
	return true, nil
}

// runAsLeader wires watches and runs the pipeline loop until leadership or
// the controller itself is stopped.
func (c *Controller) runAsLeader() {
	lost := make(chan struct{})
	var lostOnce sync.Once
	signalLost := func() { lostOnce.Do(func() { close(lost) }) }

	c.mu.Lock()
	c.setupClusterWatchesLocked(signalLost)
	c.mu.Unlock()

	c.cache.Invalidate(cache.ScopeAll, "")
	c.Trigger()

	refresh := time.NewTicker(c.cfg.RefreshInterval)
	defer refresh.Stop()

	// delayTimer fires when the earliest delayed-rebalance window expires.
	delayTimer := time.NewTimer(time.Hour)
	if !delayTimer.Stop() {
		<-delayTimer.C
	}
	defer delayTimer.Stop()

	defer func() {
		c.mu.Lock()
		c.teardownWatchesLocked()
		c.leader = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case <-lost:
			return
		case <-refresh.C:
			c.cache.Invalidate(cache.ScopeAll, "")
			c.Trigger()
		case <-delayTimer.C:
			c.Trigger()
		case <-c.triggerCh:
			snap := c.runPipeline()
			if snap != nil {
				c.syncInstanceWatches(snap, signalLost)
				c.armDelayTimer(delayTimer, snap)
			}
		}
	}
}

// runPipeline refreshes the cache and executes one pipeline run. Returns the
// snapshot used, nil if the refresh failed.
func (c *Controller) runPipeline() *cache.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	snap, err := c.cache.Refresh(ctx)
	if err != nil {
		c.logger.Error("cache refresh failed", zap.Error(err))
		c.sink.SnapshotRefreshFailed()
		// A retry will come from the periodic ticker; also requeue so a
		// transient store hiccup does not stall the cluster for a full period.
		c.Trigger()
		return nil
	}

	c.gcStaleSessions(ctx, snap)

	if snap.ClusterConfig.PipelineTriggersDisabled() {
		c.logger.Debug("pipeline triggers disabled, skipping run")
		return snap
	}

	run := &pipeline.RunContext{
		Snapshot:       snap,
		Accessor:       c.accessor,
		Keys:           c.keys,
		Logger:         c.logger,
		Sink:           c.sink,
		ControllerName: c.cfg.Name,
	}
	if err := c.pipe.Run(ctx, run); err != nil {
		c.logger.Error("pipeline run failed", zap.Error(err))
	}
	return snap
}

// gcStaleSessions deletes current-state directories left behind by expired
// participant sessions.
func (c *Controller) gcStaleSessions(ctx context.Context, snap *cache.Snapshot) {
	for _, path := range snap.StaleSessionPaths {
		if err := c.accessor.DeleteRecursive(ctx, path); err != nil {
			c.logger.Warn("stale session gc failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// armDelayTimer schedules a run for the earliest delayed-rebalance expiry.
func (c *Controller) armDelayTimer(t *time.Timer, snap *cache.Snapshot) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if expiry, ok := rebalance.NextDelayExpiry(snap, time.Now()); ok {
		t.Reset(time.Until(expiry))
	}
}

// setupClusterWatchesLocked registers the cluster-level watches. Each event
// marks the matching cache scope dirty and queues a run.
func (c *Controller) setupClusterWatchesLocked(signalLost func()) {
	type watch struct {
		path     string
		children bool
		scope    cache.Scope
	}
	watches := []watch{
		{c.keys.LiveInstances(), true, cache.ScopeLiveInstances},
		{c.keys.IdealStates(), true, cache.ScopeIdealStates},
		{c.keys.ParticipantConfigs(), true, cache.ScopeInstanceConfigs},
		{c.keys.StateModelDefs(), true, cache.ScopeStateModelDefs},
		{c.keys.ClusterConfig(), false, cache.ScopeClusterConfig},
	}
	for _, w := range watches {
		cancel, err := c.watchInto(w.path, w.children, w.scope, "", signalLost)
		if err != nil {
			c.logger.Error("watch setup failed", zap.String("path", w.path), zap.Error(err))
			continue
		}
		c.watchCancels = append(c.watchCancels, cancel)
	}

	// Losing the leader node means another controller may take over.
	cancel, err := c.watchLeaderNode(signalLost)
	if err != nil {
		c.logger.Error("leader watch setup failed", zap.Error(err))
	} else {
		c.watchCancels = append(c.watchCancels, cancel)
	}
}

func (c *Controller) watchInto(path string, children bool, scope cache.Scope, instance string, signalLost func()) (store.CancelFunc, error) {
	var (
		events <-chan store.Event
		cancel store.CancelFunc
		err    error
	)
	if children {
		events, cancel, err = c.store.WatchChildren(path)
	} else {
		events, cancel, err = c.store.WatchData(path)
	}
	if err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == store.EventSessionLost {
					c.logger.Warn("store session lost")
					signalLost()
					return
				}
				c.cache.Invalidate(scope, instance)
				c.Trigger()
			}
		}
	}()
	return cancel, nil
}

func (c *Controller) watchLeaderNode(signalLost func()) (store.CancelFunc, error) {
	events, cancel, err := c.store.WatchData(c.keys.ControllerLeader())
	if err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == store.EventDeleted || ev.Type == store.EventSessionLost {
					signalLost()
					return
				}
			}
		}
	}()
	return cancel, nil
}

// syncInstanceWatches keeps one message watch and one current-state watch per
// live instance, re-registering when an instance's session changes.
func (c *Controller) syncInstanceWatches(snap *cache.Snapshot, signalLost func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for instance := range c.instanceWatch {
		li, live := snap.LiveInstances[instance]
		if live && c.watchedSession[instance] == li.SessionID() {
			continue
		}
		for _, cancel := range c.instanceWatch[instance] {
			cancel()
		}
		delete(c.instanceWatch, instance)
		delete(c.watchedSession, instance)
	}

	for instance, li := range snap.LiveInstances {
		if _, ok := c.instanceWatch[instance]; ok {
			continue
		}
		var cancels []store.CancelFunc
		paths := []string{
			c.keys.Messages(instance),
			c.keys.CurrentStates(instance, li.SessionID()),
		}
		for _, path := range paths {
			cancel, err := c.watchInto(path, true, cache.ScopeInstanceState, instance, signalLost)
			if err != nil {
				c.logger.Warn("instance watch setup failed",
					zap.String("instance", instance), zap.String("path", path), zap.Error(err))
				continue
			}
			cancels = append(cancels, cancel)
		}
		c.instanceWatch[instance] = cancels
		c.watchedSession[instance] = li.SessionID()
	}
}

func (c *Controller) teardownWatchesLocked() {
	for _, cancel := range c.watchCancels {
		cancel()
	}
	c.watchCancels = nil
	for _, cancels := range c.instanceWatch {
		for _, cancel := range cancels {
			cancel()
		}
	}
	c.instanceWatch = make(map[string][]store.CancelFunc)
	c.watchedSession = make(map[string]string)
}
