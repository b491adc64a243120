package admin

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

func newAdmin(t *testing.T) (*Admin, *store.Accessor) {
	t.Helper()
	conn := memstore.New().Connect()
	return New(conn, zap.NewNop()), store.NewAccessor(conn)
}

func TestCreateCluster(t *testing.T) {
	ctx := context.Background()
	adm, a := newAdmin(t)

	require.NoError(t, adm.CreateCluster(ctx, "c1"))

	keys := store.NewKeyBuilder("c1")
	for _, path := range keys.ClusterPaths() {
		ok, _, err := a.Store().Exists(ctx, path)
		require.NoError(t, err)
		require.True(t, ok, "missing %s", path)
	}

	rec, err := a.GetRecord(ctx, keys.ClusterConfig())
	require.NoError(t, err)
	require.Equal(t, "c1", rec.ID)

	defs, err := a.ChildRecords(ctx, keys.StateModelDefs())
	require.NoError(t, err)
	require.Len(t, defs, 3)
	for _, name := range []string{"MasterSlave", "OnlineOffline", "LeaderStandby"} {
		require.Contains(t, defs, name)
	}

	require.ErrorIs(t, adm.CreateCluster(ctx, "c1"), herrors.ErrNodeExists)
}

func TestDropCluster(t *testing.T) {
	ctx := context.Background()
	adm, a := newAdmin(t)

	require.NoError(t, adm.CreateCluster(ctx, "c1"))
	require.NoError(t, adm.DropCluster(ctx, "c1"))

	ok, _, err := a.Store().Exists(ctx, store.NewKeyBuilder("c1").Cluster())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	adm, a := newAdmin(t)
	keys := store.NewKeyBuilder("c1")
	require.NoError(t, adm.CreateCluster(ctx, "c1"))

	cfg := model.NewInstanceConfig("i1")
	cfg.SetHost("host-1")
	cfg.SetPort(7001)
	require.NoError(t, adm.AddInstance(ctx, "c1", cfg))

	rec, err := a.GetRecord(ctx, keys.ParticipantConfig("i1"))
	require.NoError(t, err)
	got := &model.InstanceConfig{Record: rec}
	require.Equal(t, "host-1", got.Host())
	require.True(t, got.Enabled())

	require.NoError(t, adm.SetInstanceEnabled(ctx, "c1", "i1", false))
	rec, err = a.GetRecord(ctx, keys.ParticipantConfig("i1"))
	require.NoError(t, err)
	require.False(t, (&model.InstanceConfig{Record: rec}).Enabled())

	// A live instance cannot be dropped.
	li := model.NewLiveInstance("i1", "sess-1")
	_, err = a.CreateRecord(ctx, keys.LiveInstance("i1"), li.Record, store.Persistent)
	require.NoError(t, err)
	require.ErrorIs(t, adm.DropInstance(ctx, "c1", "i1"), herrors.ErrConfigInvalid)

	require.NoError(t, a.Delete(ctx, keys.LiveInstance("i1")))
	require.NoError(t, adm.DropInstance(ctx, "c1", "i1"))
	ok, _, err := a.Store().Exists(ctx, keys.ParticipantConfig("i1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddResourceValidation(t *testing.T) {
	ctx := context.Background()
	adm, a := newAdmin(t)
	require.NoError(t, adm.CreateCluster(ctx, "c1"))

	is := model.NewIdealState("db")
	is.SetNumPartitions(4)
	require.ErrorIs(t, adm.AddResource(ctx, "c1", is), herrors.ErrConfigInvalid,
		"missing state model ref")

	is.SetStateModelDefRef("NoSuchModel")
	require.ErrorIs(t, adm.AddResource(ctx, "c1", is), herrors.ErrConfigInvalid,
		"unregistered state model")

	is.SetStateModelDefRef("MasterSlave")
	is.SetNumPartitions(0)
	require.ErrorIs(t, adm.AddResource(ctx, "c1", is), herrors.ErrConfigInvalid,
		"no partitions")

	is.SetNumPartitions(4)
	is.SetReplicas("2")
	require.NoError(t, adm.AddResource(ctx, "c1", is))

	rec, err := a.GetRecord(ctx, store.NewKeyBuilder("c1").IdealState("db"))
	require.NoError(t, err)
	require.Equal(t, 4, (&model.IdealState{Record: rec}).NumPartitions())

	require.NoError(t, adm.DropResource(ctx, "c1", "db"))
	ok, _, err := a.Store().Exists(ctx, store.NewKeyBuilder("c1").IdealState("db"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddStateModelDefValidates(t *testing.T) {
	ctx := context.Background()
	adm, _ := newAdmin(t)
	require.NoError(t, adm.CreateCluster(ctx, "c1"))

	broken := &model.StateModelDefinition{Record: model.NewRecord("Broken")}
	require.ErrorIs(t, adm.AddStateModelDef(ctx, "c1", broken), herrors.ErrConfigInvalid)

	b2 := model.NewStateModelBuilder("Toggle")
	b2.AddState("ON", "1")
	b2.AddState("OFF", "-1")
	b2.InitialState("OFF")
	b2.AddTransition("OFF", "ON")
	b2.AddTransition("ON", "OFF")
	good, err := b2.Build()
	require.NoError(t, err)
	require.NoError(t, adm.AddStateModelDef(ctx, "c1", good))
}

func TestUpdateClusterConfig(t *testing.T) {
	ctx := context.Background()
	adm, a := newAdmin(t)
	require.NoError(t, adm.CreateCluster(ctx, "c1"))

	require.NoError(t, adm.UpdateClusterConfig(ctx, "c1", func(cc *model.ClusterConfig) error {
		cc.SetDelayRebalanceTime(15000)
		return nil
	}))

	rec, err := a.GetRecord(ctx, store.NewKeyBuilder("c1").ClusterConfig())
	require.NoError(t, err)
	require.Equal(t, int64(15000), (&model.ClusterConfig{Record: rec}).DelayRebalanceTime())
}
