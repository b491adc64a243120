package cache

import (
	"time"

	"github.com/helmsman-io/helmsman/internal/model"
)

// Snapshot is one immutable view of all pipeline inputs. A pipeline run
// executes against exactly one snapshot; stages never see partial updates.
type Snapshot struct {
	ClusterName string

	ClusterConfig   *model.ClusterConfig
	InstanceConfigs map[string]*model.InstanceConfig
	LiveInstances   map[string]*model.LiveInstance
	IdealStates     map[string]*model.IdealState
	StateModelDefs  map[string]*model.StateModelDefinition
	ExternalViews   map[string]*model.ExternalView

	// CurrentStates maps instance -> resource -> current state, restricted to
	// each instance's live session. Stale-session records never enter a
	// snapshot; their paths are listed for garbage collection.
	CurrentStates map[string]map[string]*model.CurrentState

	// Messages maps instance -> message id -> pending message.
	Messages map[string]map[string]*model.Message

	// StaleSessionPaths are current-state session directories whose session
	// no longer matches the live instance, due for deletion.
	StaleSessionPaths []string

	// OfflineSince records, for instances that are configured but not live,
	// when the cache first observed them offline. Used by delayed rebalance.
	OfflineSince map[string]time.Time

	CreatedAt time.Time
}

// IsInstanceLive reports whether an instance has a live-instance record.
func (s *Snapshot) IsInstanceLive(instance string) bool {
	_, ok := s.LiveInstances[instance]
	return ok
}

// IsInstanceEnabled reports the admin-set enabled flag, true when no config
// exists.
func (s *Snapshot) IsInstanceEnabled(instance string) bool {
	cfg, ok := s.InstanceConfigs[instance]
	if !ok {
		return true
	}
	return cfg.Enabled()
}

// IsInstanceAssignable reports whether an instance may receive replicas of a
// resource partition: live, enabled and not disabled for the partition.
func (s *Snapshot) IsInstanceAssignable(instance, resource, partition string) bool {
	if !s.IsInstanceLive(instance) || !s.IsInstanceEnabled(instance) {
		return false
	}
	if cfg, ok := s.InstanceConfigs[instance]; ok && cfg.PartitionDisabled(resource, partition) {
		return false
	}
	return true
}

// InstanceSession returns the live session id of an instance, "" if offline.
func (s *Snapshot) InstanceSession(instance string) string {
	li, ok := s.LiveInstances[instance]
	if !ok {
		return ""
	}
	return li.SessionID()
}

// CurrentState returns the observed state of a replica, "" if unreported.
func (s *Snapshot) CurrentState(instance, resource, partition string) string {
	byResource, ok := s.CurrentStates[instance]
	if !ok {
		return ""
	}
	cs, ok := byResource[resource]
	if !ok {
		return ""
	}
	return cs.State(partition)
}

// StateModelDef resolves a definition by name, nil if unregistered.
func (s *Snapshot) StateModelDef(name string) *model.StateModelDefinition {
	return s.StateModelDefs[name]
}

// TaggedInstances filters instance names by instance-group tag; an empty tag
// matches all. Only configured instances are considered.
func (s *Snapshot) TaggedInstances(tag string) []string {
	var out []string
	for name, cfg := range s.InstanceConfigs {
		if tag == "" || cfg.HasTag(tag) {
			out = append(out, name)
		}
	}
	return out
}
