// Package cache maintains the cluster data cache: an immutable snapshot of
// every pipeline input, refreshed selectively on change notifications and
// published by atomic swap.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

// Scope names an invalidatable subtree of the cache.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeClusterConfig
	ScopeInstanceConfigs
	ScopeLiveInstances
	ScopeIdealStates
	ScopeStateModelDefs
	// ScopeInstanceState covers one instance's current states and messages.
	ScopeInstanceState
)

// Cache loads and publishes snapshots. Refresh is serialized; readers take
// the current snapshot reference without locking.
type Cache struct {
	accessor *store.Accessor
	keys     store.KeyBuilder
	logger   *zap.Logger

	mu      sync.Mutex // serializes Refresh
	current atomic.Pointer[Snapshot]

	// dirty subtrees since the last refresh
	dirtyMu        sync.Mutex
	dirtyAll       bool
	dirtyScopes    map[Scope]bool
	dirtyInstances map[string]bool

	// offlineSince survives refreshes; it is controller-local knowledge.
	offlineSince map[string]time.Time
}

func New(accessor *store.Accessor, cluster string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		accessor:       accessor,
		keys:           store.NewKeyBuilder(cluster),
		logger:         logger.Named("cache"),
		dirtyAll:       true,
		dirtyScopes:    make(map[Scope]bool),
		dirtyInstances: make(map[string]bool),
		offlineSince:   make(map[string]time.Time),
	}
}

// Current returns the last published snapshot, nil before the first refresh.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Invalidate marks a subtree dirty. instance is only meaningful for
// ScopeInstanceState.
func (c *Cache) Invalidate(scope Scope, instance string) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	switch scope {
	case ScopeAll:
		c.dirtyAll = true
	case ScopeInstanceState:
		c.dirtyInstances[instance] = true
	default:
		c.dirtyScopes[scope] = true
	}
}

func (c *Cache) takeDirty() (bool, map[Scope]bool, map[string]bool) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	all := c.dirtyAll
	scopes := c.dirtyScopes
	instances := c.dirtyInstances
	c.dirtyAll = false
	c.dirtyScopes = make(map[Scope]bool)
	c.dirtyInstances = make(map[string]bool)
	return all, scopes, instances
}

func (c *Cache) restoreDirty(all bool, scopes map[Scope]bool, instances map[string]bool) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	c.dirtyAll = c.dirtyAll || all
	for s := range scopes {
		c.dirtyScopes[s] = true
	}
	for i := range instances {
		c.dirtyInstances[i] = true
	}
}

// Refresh reloads dirty subtrees and publishes a new snapshot. If any
// required subtree fails to load the previous snapshot stays published, the
// dirty marks are restored and ErrSnapshotIncomplete is returned.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, scopes, instances := c.takeDirty()
	prev := c.current.Load()
	if prev == nil {
		all = true
	}

	snap, err := c.load(ctx, prev, all, scopes, instances)
	if err != nil {
		c.restoreDirty(all, scopes, instances)
		return nil, fmt.Errorf("%w: %v", herrors.ErrSnapshotIncomplete, err)
	}

	c.trackOffline(snap)
	c.current.Store(snap)
	return snap, nil
}

func (c *Cache) load(ctx context.Context, prev *Snapshot, all bool, scopes map[Scope]bool, dirtyInstances map[string]bool) (*Snapshot, error) {
	snap := &Snapshot{
		ClusterName: c.keys.Cluster()[1:],
		CreatedAt:   time.Now(),
	}

	var err error
	if all || scopes[ScopeClusterConfig] {
		snap.ClusterConfig, err = c.loadClusterConfig(ctx)
	} else {
		snap.ClusterConfig = prev.ClusterConfig
	}
	if err != nil {
		return nil, err
	}

	if all || scopes[ScopeInstanceConfigs] {
		snap.InstanceConfigs, err = c.loadInstanceConfigs(ctx)
	} else {
		snap.InstanceConfigs = prev.InstanceConfigs
	}
	if err != nil {
		return nil, err
	}

	if all || scopes[ScopeLiveInstances] {
		snap.LiveInstances, err = c.loadLiveInstances(ctx)
	} else {
		snap.LiveInstances = prev.LiveInstances
	}
	if err != nil {
		return nil, err
	}

	if all || scopes[ScopeIdealStates] {
		snap.IdealStates, err = c.loadIdealStates(ctx)
		if err == nil {
			snap.ExternalViews, err = c.loadExternalViews(ctx)
		}
	} else {
		snap.IdealStates = prev.IdealStates
		snap.ExternalViews = prev.ExternalViews
	}
	if err != nil {
		return nil, err
	}

	if all || scopes[ScopeStateModelDefs] {
		snap.StateModelDefs, err = c.loadStateModelDefs(ctx)
	} else {
		snap.StateModelDefs = prev.StateModelDefs
	}
	if err != nil {
		return nil, err
	}

	// Per-instance state: live-instance membership changes force a full
	// reload because sessions gate which current states are valid.
	liveChanged := all || scopes[ScopeLiveInstances]
	snap.CurrentStates = make(map[string]map[string]*model.CurrentState)
	snap.Messages = make(map[string]map[string]*model.Message)
	for instance, li := range snap.LiveInstances {
		reload := all || liveChanged || dirtyInstances[instance] || prev == nil
		if !reload {
			if cs, ok := prev.CurrentStates[instance]; ok {
				snap.CurrentStates[instance] = cs
				snap.Messages[instance] = prev.Messages[instance]
				continue
			}
		}
		states, stalePaths, err := c.loadCurrentStates(ctx, instance, li.SessionID())
		if err != nil {
			return nil, err
		}
		snap.CurrentStates[instance] = states
		snap.StaleSessionPaths = append(snap.StaleSessionPaths, stalePaths...)

		msgs, err := c.loadMessages(ctx, instance)
		if err != nil {
			return nil, err
		}
		snap.Messages[instance] = msgs
	}

	return snap, nil
}

func (c *Cache) loadClusterConfig(ctx context.Context) (*model.ClusterConfig, error) {
	rec, err := c.accessor.GetRecord(ctx, c.keys.ClusterConfig())
	if err != nil {
		return nil, fmt.Errorf("load cluster config: %w", err)
	}
	return &model.ClusterConfig{Record: rec}, nil
}

func (c *Cache) loadInstanceConfigs(ctx context.Context) (map[string]*model.InstanceConfig, error) {
	recs, err := c.accessor.ChildRecords(ctx, c.keys.ParticipantConfigs())
	if err != nil {
		return nil, fmt.Errorf("load instance configs: %w", err)
	}
	out := make(map[string]*model.InstanceConfig, len(recs))
	for name, rec := range recs {
		out[name] = &model.InstanceConfig{Record: rec}
	}
	return out, nil
}

func (c *Cache) loadLiveInstances(ctx context.Context) (map[string]*model.LiveInstance, error) {
	recs, err := c.accessor.ChildRecords(ctx, c.keys.LiveInstances())
	if err != nil {
		return nil, fmt.Errorf("load live instances: %w", err)
	}
	out := make(map[string]*model.LiveInstance, len(recs))
	for name, rec := range recs {
		out[name] = &model.LiveInstance{Record: rec}
	}
	return out, nil
}

func (c *Cache) loadIdealStates(ctx context.Context) (map[string]*model.IdealState, error) {
	recs, err := c.accessor.ChildRecords(ctx, c.keys.IdealStates())
	if err != nil {
		return nil, fmt.Errorf("load ideal states: %w", err)
	}
	out := make(map[string]*model.IdealState, len(recs))
	for name, rec := range recs {
		out[name] = &model.IdealState{Record: rec}
	}
	return out, nil
}

// loadExternalViews tracks which views exist so runs can drop views of
// deleted resources; the view contents themselves are pipeline output.
func (c *Cache) loadExternalViews(ctx context.Context) (map[string]*model.ExternalView, error) {
	recs, err := c.accessor.ChildRecords(ctx, c.keys.ExternalViews())
	if err != nil {
		return nil, fmt.Errorf("load external views: %w", err)
	}
	out := make(map[string]*model.ExternalView, len(recs))
	for name, rec := range recs {
		out[name] = &model.ExternalView{Record: rec}
	}
	return out, nil
}

func (c *Cache) loadStateModelDefs(ctx context.Context) (map[string]*model.StateModelDefinition, error) {
	recs, err := c.accessor.ChildRecords(ctx, c.keys.StateModelDefs())
	if err != nil {
		return nil, fmt.Errorf("load state model defs: %w", err)
	}
	out := make(map[string]*model.StateModelDefinition, len(recs))
	for name, rec := range recs {
		out[name] = &model.StateModelDefinition{Record: rec}
	}
	return out, nil
}

// loadCurrentStates reads the instance's current states under its live
// session and reports stale session directories for GC.
func (c *Cache) loadCurrentStates(ctx context.Context, instance, session string) (map[string]*model.CurrentState, []string, error) {
	sessionsPath := c.keys.CurrentStateSessions(instance)
	sessions, err := c.accessor.Store().GetChildren(ctx, sessionsPath)
	if err != nil && !isNoNode(err) {
		return nil, nil, fmt.Errorf("list current-state sessions for %s: %w", instance, err)
	}

	var stale []string
	for _, s := range sessions {
		if s != session {
			stale = append(stale, sessionsPath+"/"+s)
		}
	}

	recs, err := c.accessor.ChildRecords(ctx, c.keys.CurrentStates(instance, session))
	if err != nil {
		return nil, nil, fmt.Errorf("load current states for %s: %w", instance, err)
	}
	out := make(map[string]*model.CurrentState, len(recs))
	for resource, rec := range recs {
		out[resource] = &model.CurrentState{Record: rec}
	}
	return out, stale, nil
}

func (c *Cache) loadMessages(ctx context.Context, instance string) (map[string]*model.Message, error) {
	recs, err := c.accessor.ChildRecords(ctx, c.keys.Messages(instance))
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", instance, err)
	}
	out := make(map[string]*model.Message, len(recs))
	for id, rec := range recs {
		out[id] = &model.Message{Record: rec}
	}
	return out, nil
}

// trackOffline updates offline-since bookkeeping and stamps it into the
// snapshot for the delayed rebalancer.
func (c *Cache) trackOffline(snap *Snapshot) {
	now := time.Now()
	for instance := range snap.InstanceConfigs {
		if _, live := snap.LiveInstances[instance]; live {
			delete(c.offlineSince, instance)
			continue
		}
		if _, seen := c.offlineSince[instance]; !seen {
			c.offlineSince[instance] = now
		}
	}
	snap.OfflineSince = make(map[string]time.Time, len(c.offlineSince))
	for instance, since := range c.offlineSince {
		snap.OfflineSince[instance] = since
	}
}

func isNoNode(err error) bool {
	return errors.Is(err, herrors.ErrNoNode)
}
