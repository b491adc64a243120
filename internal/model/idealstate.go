package model

import (
	"sort"
	"strconv"
)

// RebalanceMode selects how the best-possible assignment is computed.
type RebalanceMode string

const (
	RebalanceModeFullAuto    RebalanceMode = "FULL_AUTO"
	RebalanceModeSemiAuto    RebalanceMode = "SEMI_AUTO"
	RebalanceModeCustomized  RebalanceMode = "CUSTOMIZED"
	RebalanceModeUserDefined RebalanceMode = "USER_DEFINED"
)

// IdealState field keys.
const (
	fieldNumPartitions     = "NUM_PARTITIONS"
	fieldReplicas          = "REPLICAS"
	fieldRebalanceMode     = "REBALANCE_MODE"
	fieldStateModelDefRef  = "STATE_MODEL_DEF_REF"
	fieldInstanceGroupTag  = "INSTANCE_GROUP_TAG"
	fieldMinActiveReplicas = "MIN_ACTIVE_REPLICAS"
	fieldRebalancerClass   = "REBALANCER_CLASS_NAME"
)

// ReplicasAllInstances is the REPLICAS value meaning one replica per live instance.
const ReplicasAllInstances = "ANY_LIVEINSTANCE"

// IdealState is the declarative target placement for one resource.
//
// For SEMI_AUTO the list fields hold the per-partition preference lists; for
// CUSTOMIZED the map fields hold the authoritative instance->state maps.
type IdealState struct {
	Record *Record
}

func NewIdealState(resource string) *IdealState {
	return &IdealState{Record: NewRecord(resource)}
}

func (is *IdealState) ResourceName() string { return is.Record.ID }

func (is *IdealState) NumPartitions() int { return is.Record.GetIntField(fieldNumPartitions, 0) }

func (is *IdealState) SetNumPartitions(n int) { is.Record.SetIntField(fieldNumPartitions, n) }

// Replicas returns the raw replica count field; may be ReplicasAllInstances.
func (is *IdealState) Replicas() string { return is.Record.GetSimpleField(fieldReplicas) }

func (is *IdealState) SetReplicas(r string) { is.Record.SetSimpleField(fieldReplicas, r) }

// ReplicaCount resolves the replica count against the live instance count.
func (is *IdealState) ReplicaCount(liveInstances int) int {
	r := is.Replicas()
	if r == ReplicasAllInstances {
		return liveInstances
	}
	return is.Record.GetIntField(fieldReplicas, 0)
}

func (is *IdealState) RebalanceMode() RebalanceMode {
	m := RebalanceMode(is.Record.GetSimpleField(fieldRebalanceMode))
	if m == "" {
		return RebalanceModeSemiAuto
	}
	return m
}

func (is *IdealState) SetRebalanceMode(m RebalanceMode) {
	is.Record.SetSimpleField(fieldRebalanceMode, string(m))
}

func (is *IdealState) StateModelDefRef() string {
	return is.Record.GetSimpleField(fieldStateModelDefRef)
}

func (is *IdealState) SetStateModelDefRef(name string) {
	is.Record.SetSimpleField(fieldStateModelDefRef, name)
}

func (is *IdealState) InstanceGroupTag() string {
	return is.Record.GetSimpleField(fieldInstanceGroupTag)
}

func (is *IdealState) SetInstanceGroupTag(tag string) {
	is.Record.SetSimpleField(fieldInstanceGroupTag, tag)
}

func (is *IdealState) MinActiveReplicas() int {
	return is.Record.GetIntField(fieldMinActiveReplicas, -1)
}

func (is *IdealState) SetMinActiveReplicas(n int) {
	is.Record.SetIntField(fieldMinActiveReplicas, n)
}

// RebalancerClassName names the USER_DEFINED rebalancer plugin.
func (is *IdealState) RebalancerClassName() string {
	return is.Record.GetSimpleField(fieldRebalancerClass)
}

func (is *IdealState) SetRebalancerClassName(name string) {
	is.Record.SetSimpleField(fieldRebalancerClass, name)
}

// PreferenceList returns the SEMI_AUTO priority-ordered instance list for a
// partition, nil if absent.
func (is *IdealState) PreferenceList(partition string) []string {
	return is.Record.GetListField(partition)
}

func (is *IdealState) SetPreferenceList(partition string, instances []string) {
	is.Record.SetListField(partition, instances)
}

// InstanceStateMap returns the CUSTOMIZED instance->state map for a partition.
func (is *IdealState) InstanceStateMap(partition string) map[string]string {
	return is.Record.GetMapField(partition)
}

func (is *IdealState) SetInstanceStateMap(partition string, states map[string]string) {
	is.Record.SetMapField(partition, states)
}

// Partitions enumerates partition names. Generated names are
// "{resource}_{i}"; explicit list/map fields win when present.
func (is *IdealState) Partitions() []string {
	if n := is.NumPartitions(); n > 0 && len(is.Record.ListFields) == 0 && len(is.Record.MapFields) == 0 {
		return GeneratePartitionNames(is.ResourceName(), n)
	}
	seen := make(map[string]bool)
	var out []string
	for p := range is.Record.ListFields {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for p := range is.Record.MapFields {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return GeneratePartitionNames(is.ResourceName(), is.NumPartitions())
	}
	sort.Strings(out)
	return out
}

// GeneratePartitionNames produces the canonical partition names for a resource.
func GeneratePartitionNames(resource string, numPartitions int) []string {
	names := make([]string, numPartitions)
	for i := range names {
		names[i] = resource + "_" + strconv.Itoa(i)
	}
	return names
}
