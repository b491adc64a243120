package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helmsman-io/helmsman/internal/model"
	"github.com/helmsman-io/helmsman/internal/store"
	"github.com/helmsman-io/helmsman/internal/store/memstore"
	herrors "github.com/helmsman-io/helmsman/pkg/errors"
)

func seedCluster(t *testing.T, a *store.Accessor, keys store.KeyBuilder) {
	t.Helper()
	ctx := context.Background()
	for _, p := range keys.ClusterPaths() {
		_, err := a.CreateRecursive(ctx, p, nil, store.Persistent)
		require.NoError(t, err)
	}
	_, err := a.CreateRecord(ctx, keys.ClusterConfig(), model.NewClusterConfig("test").Record, store.Persistent)
	require.NoError(t, err)
	for _, def := range model.BuiltInStateModels() {
		_, err := a.CreateRecord(ctx, keys.StateModelDef(def.Name()), def.Record, store.Persistent)
		require.NoError(t, err)
	}
}

func TestCache_RefreshLoadsEverything(t *testing.T) {
	ctx := context.Background()
	a := store.NewAccessor(memstore.New().Connect())
	keys := store.NewKeyBuilder("test")
	seedCluster(t, a, keys)

	_, err := a.CreateRecord(ctx, keys.ParticipantConfig("i1"), model.NewInstanceConfig("i1").Record, store.Persistent)
	require.NoError(t, err)
	_, err = a.CreateRecord(ctx, keys.LiveInstance("i1"), model.NewLiveInstance("i1", "s1").Record, store.Persistent)
	require.NoError(t, err)

	is := model.NewIdealState("db")
	is.SetStateModelDefRef("MasterSlave")
	is.SetNumPartitions(2)
	_, err = a.CreateRecord(ctx, keys.IdealState("db"), is.Record, store.Persistent)
	require.NoError(t, err)

	cs := model.NewCurrentState("db", "s1", "MasterSlave")
	cs.SetState("db_0", "SLAVE")
	_, err = a.CreateRecord(ctx, keys.CurrentState("i1", "s1", "db"), cs.Record, store.Persistent)
	require.NoError(t, err)

	c := New(a, "test", zap.NewNop())
	require.Nil(t, c.Current(), "no snapshot before the first refresh")

	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", snap.ClusterName)
	require.Contains(t, snap.LiveInstances, "i1")
	require.Contains(t, snap.IdealStates, "db")
	require.Len(t, snap.StateModelDefs, 3)
	require.Equal(t, "SLAVE", snap.CurrentState("i1", "db", "db_0"))
	require.Same(t, snap, c.Current())
}

func TestCache_SelectiveRefreshKeepsCleanSubtrees(t *testing.T) {
	ctx := context.Background()
	a := store.NewAccessor(memstore.New().Connect())
	keys := store.NewKeyBuilder("test")
	seedCluster(t, a, keys)

	c := New(a, "test", zap.NewNop())
	first, err := c.Refresh(ctx)
	require.NoError(t, err)

	// A new ideal state lands, but only the ideal-state scope is dirty.
	is := model.NewIdealState("db")
	is.SetStateModelDefRef("MasterSlave")
	is.SetNumPartitions(1)
	_, err = a.CreateRecord(ctx, keys.IdealState("db"), is.Record, store.Persistent)
	require.NoError(t, err)

	second, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Empty(t, second.IdealStates, "clean scope must not be reloaded")

	c.Invalidate(ScopeIdealStates, "")
	third, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Contains(t, third.IdealStates, "db")
	require.Same(t, first.ClusterConfig, third.ClusterConfig, "untouched scope is carried over")
}

func TestCache_StaleSessionPathsReported(t *testing.T) {
	ctx := context.Background()
	a := store.NewAccessor(memstore.New().Connect())
	keys := store.NewKeyBuilder("test")
	seedCluster(t, a, keys)

	_, err := a.CreateRecord(ctx, keys.ParticipantConfig("i1"), model.NewInstanceConfig("i1").Record, store.Persistent)
	require.NoError(t, err)
	_, err = a.CreateRecord(ctx, keys.LiveInstance("i1"), model.NewLiveInstance("i1", "s2").Record, store.Persistent)
	require.NoError(t, err)

	// A leftover directory from the previous session.
	old := model.NewCurrentState("db", "s1", "MasterSlave")
	old.SetState("db_0", "MASTER")
	_, err = a.CreateRecord(ctx, keys.CurrentState("i1", "s1", "db"), old.Record, store.Persistent)
	require.NoError(t, err)

	c := New(a, "test", zap.NewNop())
	snap, err := c.Refresh(ctx)
	require.NoError(t, err)

	require.Empty(t, snap.CurrentStates["i1"], "stale-session states must not surface")
	require.Equal(t, []string{keys.CurrentStateSessions("i1") + "/s1"}, snap.StaleSessionPaths)
}

func TestCache_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	a := store.NewAccessor(memstore.New().Connect())
	keys := store.NewKeyBuilder("test")
	seedCluster(t, a, keys)

	c := New(a, "test", zap.NewNop())
	first, err := c.Refresh(ctx)
	require.NoError(t, err)

	// Losing the cluster config makes the next full refresh fail.
	require.NoError(t, a.Delete(ctx, keys.ClusterConfig()))
	c.Invalidate(ScopeAll, "")
	_, err = c.Refresh(ctx)
	require.ErrorIs(t, err, herrors.ErrSnapshotIncomplete)
	require.Same(t, first, c.Current())

	// Restoring the config lets the retained dirty marks converge again.
	_, err = a.CreateRecord(ctx, keys.ClusterConfig(), model.NewClusterConfig("test").Record, store.Persistent)
	require.NoError(t, err)
	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.ClusterConfig)
}

func TestCache_TracksOfflineSince(t *testing.T) {
	ctx := context.Background()
	a := store.NewAccessor(memstore.New().Connect())
	keys := store.NewKeyBuilder("test")
	seedCluster(t, a, keys)

	_, err := a.CreateRecord(ctx, keys.ParticipantConfig("i1"), model.NewInstanceConfig("i1").Record, store.Persistent)
	require.NoError(t, err)

	c := New(a, "test", zap.NewNop())
	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.OfflineSince, "i1")
	firstSeen := snap.OfflineSince["i1"]

	// Still offline: the original timestamp is preserved.
	c.Invalidate(ScopeAll, "")
	snap, err = c.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, firstSeen, snap.OfflineSince["i1"])

	// Coming back online clears the entry.
	_, err = a.CreateRecord(ctx, keys.LiveInstance("i1"), model.NewLiveInstance("i1", "s1").Record, store.Persistent)
	require.NoError(t, err)
	c.Invalidate(ScopeLiveInstances, "")
	snap, err = c.Refresh(ctx)
	require.NoError(t, err)
	require.NotContains(t, snap.OfflineSince, "i1")
}
