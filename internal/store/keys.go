package store

import "strings"

// KeyBuilder produces the store paths of the cluster layout:
//
//	/{cluster}/CONFIGS/CLUSTER/{cluster}
//	/{cluster}/CONFIGS/PARTICIPANT/{instance}
//	/{cluster}/CONFIGS/RESOURCE/{resource}
//	/{cluster}/LIVEINSTANCES/{instance}
//	/{cluster}/IDEALSTATES/{resource}
//	/{cluster}/INSTANCES/{instance}/CURRENTSTATES/{session}/{resource}
//	/{cluster}/INSTANCES/{instance}/MESSAGES/{msgId}
//	/{cluster}/EXTERNALVIEW/{resource}
//	/{cluster}/STATEMODELDEFS/{name}
//	/{cluster}/CONTROLLER/LEADER
type KeyBuilder struct {
	cluster string
}

func NewKeyBuilder(cluster string) KeyBuilder {
	return KeyBuilder{cluster: cluster}
}

func (k KeyBuilder) join(parts ...string) string {
	return "/" + k.cluster + "/" + strings.Join(parts, "/")
}

func (k KeyBuilder) Cluster() string { return "/" + k.cluster }

func (k KeyBuilder) ClusterConfig() string { return k.join("CONFIGS", "CLUSTER", k.cluster) }

func (k KeyBuilder) ParticipantConfigs() string { return k.join("CONFIGS", "PARTICIPANT") }

func (k KeyBuilder) ParticipantConfig(instance string) string {
	return k.join("CONFIGS", "PARTICIPANT", instance)
}

func (k KeyBuilder) ResourceConfigs() string { return k.join("CONFIGS", "RESOURCE") }

func (k KeyBuilder) ResourceConfig(resource string) string {
	return k.join("CONFIGS", "RESOURCE", resource)
}

func (k KeyBuilder) LiveInstances() string { return k.join("LIVEINSTANCES") }

func (k KeyBuilder) LiveInstance(instance string) string {
	return k.join("LIVEINSTANCES", instance)
}

func (k KeyBuilder) IdealStates() string { return k.join("IDEALSTATES") }

func (k KeyBuilder) IdealState(resource string) string {
	return k.join("IDEALSTATES", resource)
}

func (k KeyBuilder) Instances() string { return k.join("INSTANCES") }

func (k KeyBuilder) Instance(instance string) string { return k.join("INSTANCES", instance) }

func (k KeyBuilder) CurrentStateSessions(instance string) string {
	return k.join("INSTANCES", instance, "CURRENTSTATES")
}

func (k KeyBuilder) CurrentStates(instance, session string) string {
	return k.join("INSTANCES", instance, "CURRENTSTATES", session)
}

func (k KeyBuilder) CurrentState(instance, session, resource string) string {
	return k.join("INSTANCES", instance, "CURRENTSTATES", session, resource)
}

func (k KeyBuilder) Messages(instance string) string {
	return k.join("INSTANCES", instance, "MESSAGES")
}

func (k KeyBuilder) Message(instance, msgID string) string {
	return k.join("INSTANCES", instance, "MESSAGES", msgID)
}

func (k KeyBuilder) ExternalViews() string { return k.join("EXTERNALVIEW") }

func (k KeyBuilder) ExternalView(resource string) string {
	return k.join("EXTERNALVIEW", resource)
}

func (k KeyBuilder) StateModelDefs() string { return k.join("STATEMODELDEFS") }

func (k KeyBuilder) StateModelDef(name string) string {
	return k.join("STATEMODELDEFS", name)
}

func (k KeyBuilder) Controller() string { return k.join("CONTROLLER") }

func (k KeyBuilder) ControllerLeader() string { return k.join("CONTROLLER", "LEADER") }

// ClusterPaths returns every path materialized at cluster creation.
func (k KeyBuilder) ClusterPaths() []string {
	return []string{
		k.Cluster(),
		k.join("CONFIGS"),
		k.join("CONFIGS", "CLUSTER"),
		k.ParticipantConfigs(),
		k.ResourceConfigs(),
		k.LiveInstances(),
		k.IdealStates(),
		k.Instances(),
		k.ExternalViews(),
		k.StateModelDefs(),
		k.Controller(),
	}
}

// ParentPath returns the parent of a path, "" for the root.
func ParentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
