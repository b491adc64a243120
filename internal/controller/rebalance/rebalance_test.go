package rebalance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helmsman-io/helmsman/internal/controller/cache"
	"github.com/helmsman-io/helmsman/internal/model"
)

// newSnapshot builds a snapshot with the given instances configured, enabled
// and live.
func newSnapshot(instances ...string) *cache.Snapshot {
	snap := &cache.Snapshot{
		ClusterName:     "test",
		ClusterConfig:   model.NewClusterConfig("test"),
		InstanceConfigs: make(map[string]*model.InstanceConfig),
		LiveInstances:   make(map[string]*model.LiveInstance),
		OfflineSince:    make(map[string]time.Time),
	}
	for _, i := range instances {
		snap.InstanceConfigs[i] = model.NewInstanceConfig(i)
		snap.LiveInstances[i] = model.NewLiveInstance(i, "sess-"+i)
	}
	return snap
}

func semiAutoInput(snap *cache.Snapshot, preferences map[string][]string) Input {
	is := model.NewIdealState("db")
	is.SetRebalanceMode(model.RebalanceModeSemiAuto)
	is.SetStateModelDefRef("MasterSlave")
	is.SetReplicas("3")
	for p, pref := range preferences {
		is.SetPreferenceList(p, pref)
	}
	return Input{
		Snapshot:          snap,
		IdealState:        is,
		StateModelDef:     model.MasterSlaveStateModel(),
		Partitions:        is.Partitions(),
		CurrentAssignment: map[string]map[string]string{},
		EligibleInstances: EligibleInstances(snap, is, time.Now()),
	}
}

func TestSemiAuto_AssignsStatesAlongPreference(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3")
	in := semiAutoInput(snap, map[string][]string{
		"db_0": {"i1", "i2", "i3"},
	})

	got, err := SemiAuto{}.Compute(in)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"i1": "MASTER",
		"i2": "SLAVE",
		"i3": "SLAVE",
	}, got["db_0"])
}

func TestSemiAuto_SkipsDeadAndDisabledInstances(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3")
	delete(snap.LiveInstances, "i1")
	snap.InstanceConfigs["i2"].SetEnabled(false)
	in := semiAutoInput(snap, map[string][]string{
		"db_0": {"i1", "i2", "i3"},
	})

	got, err := SemiAuto{}.Compute(in)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"i3": "MASTER"}, got["db_0"])
}

func TestSemiAuto_OrphanedReplicaDropped(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3", "i4")
	in := semiAutoInput(snap, map[string][]string{
		"db_0": {"i1", "i2", "i3"},
	})
	// i4 still holds the partition from an earlier placement.
	in.CurrentAssignment["db_0"] = map[string]string{
		"i1": "MASTER", "i2": "SLAVE", "i3": "SLAVE", "i4": "SLAVE",
	}

	got, err := SemiAuto{}.Compute(in)
	require.NoError(t, err)
	require.Equal(t, model.StateDropped, got["db_0"]["i4"])
	require.Equal(t, "MASTER", got["db_0"]["i1"])
}

func TestSemiAuto_ErrorReplicaRecoversToInitial(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3")
	in := semiAutoInput(snap, map[string][]string{
		"db_0": {"i1", "i2", "i3"},
	})
	in.CurrentAssignment["db_0"] = map[string]string{
		"i1": model.StateError, "i2": "SLAVE", "i3": "SLAVE",
	}

	got, err := SemiAuto{}.Compute(in)
	require.NoError(t, err)
	// The ERROR holder is steered back to OFFLINE; healthy holders take the
	// bounded states.
	require.Equal(t, "OFFLINE", got["db_0"]["i1"])
	require.Equal(t, "MASTER", got["db_0"]["i2"])
	require.Equal(t, "SLAVE", got["db_0"]["i3"])
}

func TestSemiAuto_MasterBoundNeverExceeded(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3", "i4", "i5")
	in := semiAutoInput(snap, map[string][]string{
		"db_0": {"i1", "i2", "i3", "i4", "i5"},
	})
	in.IdealState.SetReplicas("5")

	got, err := SemiAuto{}.Compute(in)
	require.NoError(t, err)
	masters := 0
	for _, state := range got["db_0"] {
		if state == "MASTER" {
			masters++
		}
	}
	require.Equal(t, 1, masters)
}

func fullAutoInput(snap *cache.Snapshot, replicas string, partitions int) Input {
	is := model.NewIdealState("db")
	is.SetRebalanceMode(model.RebalanceModeFullAuto)
	is.SetStateModelDefRef("MasterSlave")
	is.SetReplicas(replicas)
	is.SetNumPartitions(partitions)
	return Input{
		Snapshot:          snap,
		IdealState:        is,
		StateModelDef:     model.MasterSlaveStateModel(),
		Partitions:        is.Partitions(),
		CurrentAssignment: map[string]map[string]string{},
		EligibleInstances: EligibleInstances(snap, is, time.Now()),
	}
}

func TestFullAuto_Deterministic(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3", "i4")
	in := fullAutoInput(snap, "2", 8)

	first, err := FullAuto{}.Compute(in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := FullAuto{}.Compute(in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestFullAuto_ReplicaCountHonored(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3", "i4")
	in := fullAutoInput(snap, "3", 4)

	got, err := FullAuto{}.Compute(in)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for p, states := range got {
		require.Len(t, states, 3, "partition %s", p)
		masters := 0
		for instance, state := range states {
			require.Contains(t, []string{"MASTER", "SLAVE"}, state,
				"partition %s instance %s", p, instance)
			if state == "MASTER" {
				masters++
			}
		}
		require.Equal(t, 1, masters, "partition %s", p)
	}
}

func TestFullAuto_FaultZoneIsolation(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3", "i4", "i5", "i6")
	snap.ClusterConfig.SetFaultZoneType("zone")
	zones := map[string]string{
		"i1": "z1", "i2": "z1", "i3": "z2", "i4": "z2", "i5": "z3", "i6": "z3",
	}
	for instance, zone := range zones {
		snap.InstanceConfigs[instance].SetDomain("zone=" + zone + ",host=" + instance)
	}
	in := fullAutoInput(snap, "3", 6)

	got, err := FullAuto{}.Compute(in)
	require.NoError(t, err)
	for p, states := range got {
		seen := make(map[string]bool)
		for instance := range states {
			zone := zones[instance]
			require.False(t, seen[zone], "partition %s has two replicas in %s", p, zone)
			seen[zone] = true
		}
	}
}

func TestFullAuto_IsolationRelaxedWhenZonesScarce(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3")
	snap.ClusterConfig.SetFaultZoneType("zone")
	snap.InstanceConfigs["i1"].SetDomain("zone=z1")
	snap.InstanceConfigs["i2"].SetDomain("zone=z1")
	snap.InstanceConfigs["i3"].SetDomain("zone=z2")
	in := fullAutoInput(snap, "3", 1)

	got, err := FullAuto{}.Compute(in)
	require.NoError(t, err)
	// Two zones cannot isolate three replicas; all instances still get one.
	require.Len(t, got["db_0"], 3)
}

func TestFullAuto_StickyToCurrentHolders(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3", "i4")
	in := fullAutoInput(snap, "2", 1)
	in.CurrentAssignment["db_0"] = map[string]string{"i2": "MASTER", "i4": "SLAVE"}

	got, err := FullAuto{}.Compute(in)
	require.NoError(t, err)
	require.Equal(t, "MASTER", got["db_0"]["i2"])
	require.Equal(t, "SLAVE", got["db_0"]["i4"])
	require.Len(t, got["db_0"], 2)
}

func TestFullAuto_ZeroWeightTreatedAsOne(t *testing.T) {
	snap := newSnapshot("i1", "i2")
	snap.InstanceConfigs["i1"].SetWeight(0)
	in := fullAutoInput(snap, "2", 2)

	got, err := FullAuto{}.Compute(in)
	require.NoError(t, err)
	for p, states := range got {
		require.Len(t, states, 2, "partition %s", p)
	}
}

func TestCustomized_DeclaredMapsFiltered(t *testing.T) {
	snap := newSnapshot("i1", "i2")
	is := model.NewIdealState("db")
	is.SetRebalanceMode(model.RebalanceModeCustomized)
	is.SetStateModelDefRef("OnlineOffline")
	is.SetInstanceStateMap("db_0", map[string]string{
		"i1":   "ONLINE",
		"i2":   "ONLINE",
		"dead": "ONLINE",
	})
	in := Input{
		Snapshot:          snap,
		IdealState:        is,
		StateModelDef:     model.OnlineOfflineStateModel(),
		Partitions:        is.Partitions(),
		CurrentAssignment: map[string]map[string]string{},
		EligibleInstances: EligibleInstances(snap, is, time.Now()),
	}

	got, err := Customized{}.Compute(in)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"i1": "ONLINE", "i2": "ONLINE"}, got["db_0"])
}

func TestCustomized_OrphansDroppedErrorsRecovered(t *testing.T) {
	snap := newSnapshot("i1", "i2", "i3")
	is := model.NewIdealState("db")
	is.SetRebalanceMode(model.RebalanceModeCustomized)
	is.SetInstanceStateMap("db_0", map[string]string{"i1": "ONLINE", "i2": "ONLINE"})
	in := Input{
		Snapshot:      snap,
		IdealState:    is,
		StateModelDef: model.OnlineOfflineStateModel(),
		Partitions:    is.Partitions(),
		CurrentAssignment: map[string]map[string]string{
			"db_0": {"i2": model.StateError, "i3": "ONLINE"},
		},
		EligibleInstances: EligibleInstances(snap, is, time.Now()),
	}

	got, err := Customized{}.Compute(in)
	require.NoError(t, err)
	require.Equal(t, "ONLINE", got["db_0"]["i1"])
	require.Equal(t, "OFFLINE", got["db_0"]["i2"])
	require.Equal(t, model.StateDropped, got["db_0"]["i3"])
}

func TestForResource_SelectsByMode(t *testing.T) {
	is := model.NewIdealState("db")

	is.SetRebalanceMode(model.RebalanceModeSemiAuto)
	r, err := ForResource(is)
	require.NoError(t, err)
	require.IsType(t, SemiAuto{}, r)

	is.SetRebalanceMode(model.RebalanceModeFullAuto)
	r, err = ForResource(is)
	require.NoError(t, err)
	require.IsType(t, FullAuto{}, r)

	is.SetRebalanceMode(model.RebalanceModeUserDefined)
	is.SetRebalancerClassName("nope")
	_, err = ForResource(is)
	require.Error(t, err)

	Register("custom", SemiAuto{})
	is.SetRebalancerClassName("custom")
	r, err = ForResource(is)
	require.NoError(t, err)
	require.IsType(t, SemiAuto{}, r)
}

func TestEligibleInstances_TagFilterAndSorting(t *testing.T) {
	snap := newSnapshot("b", "a", "c")
	snap.InstanceConfigs["a"].AddTag("ssd")
	snap.InstanceConfigs["c"].AddTag("ssd")

	is := model.NewIdealState("db")
	require.Equal(t, []string{"a", "b", "c"}, EligibleInstances(snap, is, time.Now()))

	is.SetInstanceGroupTag("ssd")
	require.Equal(t, []string{"a", "c"}, EligibleInstances(snap, is, time.Now()))
}

func TestEligibleInstances_DelayedRebalanceWindow(t *testing.T) {
	now := time.Now()
	snap := newSnapshot("i1", "i2")
	snap.ClusterConfig.SetDelayRebalanceTime(30000)
	delete(snap.LiveInstances, "i2")
	snap.OfflineSince["i2"] = now.Add(-10 * time.Second)

	is := model.NewIdealState("db")
	// Within the window the offline instance is still eligible.
	require.Equal(t, []string{"i1", "i2"}, EligibleInstances(snap, is, now))
	// After the window it is not.
	require.Equal(t, []string{"i1"}, EligibleInstances(snap, is, now.Add(25*time.Second)))
}

func TestEligibleInstances_NoDelayDropsOffline(t *testing.T) {
	now := time.Now()
	snap := newSnapshot("i1", "i2")
	delete(snap.LiveInstances, "i2")
	snap.OfflineSince["i2"] = now.Add(-time.Second)

	is := model.NewIdealState("db")
	require.Equal(t, []string{"i1"}, EligibleInstances(snap, is, now))
}

func TestSemiAuto_DelayedInstanceKeepsPlacement(t *testing.T) {
	now := time.Now()
	snap := newSnapshot("i1", "i2", "i3")
	snap.ClusterConfig.SetDelayRebalanceTime(30000)
	delete(snap.LiveInstances, "i2")
	snap.OfflineSince["i2"] = now.Add(-5 * time.Second)

	in := semiAutoInput(snap, map[string][]string{
		"db_0": {"i2", "i1", "i3"},
	})
	in.IdealState.SetReplicas("2")
	in.EligibleInstances = EligibleInstances(snap, in.IdealState, now)

	got, err := SemiAuto{}.Compute(in)
	require.NoError(t, err)
	// The offline instance is still inside its window, so it keeps the top
	// slot instead of being replaced by i3.
	require.Equal(t, map[string]string{"i2": "MASTER", "i1": "SLAVE"}, got["db_0"])
}

func TestNextDelayExpiry(t *testing.T) {
	now := time.Now()
	snap := newSnapshot("i1", "i2", "i3")
	snap.ClusterConfig.SetDelayRebalanceTime(30000)
	delete(snap.LiveInstances, "i2")
	delete(snap.LiveInstances, "i3")
	snap.OfflineSince["i2"] = now.Add(-10 * time.Second)
	snap.OfflineSince["i3"] = now.Add(-25 * time.Second)

	expiry, ok := NextDelayExpiry(snap, now)
	require.True(t, ok)
	require.Equal(t, snap.OfflineSince["i3"].Add(30*time.Second), expiry)

	snap.ClusterConfig.SetDelayRebalanceTime(-1)
	_, ok = NextDelayExpiry(snap, now)
	require.False(t, ok)
}
