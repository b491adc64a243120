package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ClusterConfig field keys.
const (
	fieldTopology                = "TOPOLOGY"
	fieldFaultZoneType           = "FAULT_ZONE_TYPE"
	fieldPersistBestPossible     = "PERSIST_BEST_POSSIBLE_ASSIGNMENT"
	fieldPersistIntermediate     = "PERSIST_INTERMEDIATE_ASSIGNMENT"
	fieldDisablePipelineTriggers = "DISABLE_PIPELINE_TRIGGERS"
	fieldDelayRebalanceDisabled  = "DELAY_REBALANCE_DISABLED"
	fieldDelayRebalanceTime      = "DELAY_REBALANCE_TIME"
	fieldTransitionCancelEnabled = "STATE_TRANSITION_CANCELLATION_ENABLED"
	fieldThrottleConfigs         = "STATE_TRANSITION_THROTTLE_CONFIGS"
)

// ThrottleScope is the dimension a throttle config applies to.
type ThrottleScope string

const (
	ThrottleScopeCluster  ThrottleScope = "CLUSTER"
	ThrottleScopeResource ThrottleScope = "RESOURCE"
	ThrottleScopeInstance ThrottleScope = "INSTANCE"
)

// ThrottleRebalanceType classifies which transitions a throttle config caps.
type ThrottleRebalanceType string

const (
	ThrottleLoadBalance     ThrottleRebalanceType = "LOAD_BALANCE"
	ThrottleRecoveryBalance ThrottleRebalanceType = "RECOVERY_BALANCE"
	ThrottleAny             ThrottleRebalanceType = "ANY"
)

// ThrottleConfig caps concurrent state transitions at one scope.
type ThrottleConfig struct {
	Scope         ThrottleScope
	RebalanceType ThrottleRebalanceType
	MaxTransit    int
}

// Encode renders the config as the KV string stored in the list field.
func (t ThrottleConfig) Encode() string {
	return fmt.Sprintf("SCOPE=%s,TYPE=%s,MAX=%d", t.Scope, t.RebalanceType, t.MaxTransit)
}

// ParseThrottleConfig parses a KV-encoded throttle config entry.
func ParseThrottleConfig(s string) (ThrottleConfig, error) {
	var t ThrottleConfig
	t.MaxTransit = -1
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return t, fmt.Errorf("malformed throttle config entry %q", s)
		}
		switch kv[0] {
		case "SCOPE":
			t.Scope = ThrottleScope(kv[1])
		case "TYPE":
			t.RebalanceType = ThrottleRebalanceType(kv[1])
		case "MAX":
			n, err := strconv.Atoi(kv[1])
			if err != nil {
				return t, fmt.Errorf("throttle config max %q: %w", kv[1], err)
			}
			t.MaxTransit = n
		}
	}
	if t.Scope == "" || t.RebalanceType == "" || t.MaxTransit < 0 {
		return t, fmt.Errorf("incomplete throttle config entry %q", s)
	}
	return t, nil
}

// ClusterConfig holds cluster-wide settings.
type ClusterConfig struct {
	Record *Record
}

func NewClusterConfig(cluster string) *ClusterConfig {
	return &ClusterConfig{Record: NewRecord(cluster)}
}

func (c *ClusterConfig) ClusterName() string { return c.Record.ID }

func (c *ClusterConfig) Topology() string { return c.Record.GetSimpleField(fieldTopology) }

func (c *ClusterConfig) SetTopology(t string) { c.Record.SetSimpleField(fieldTopology, t) }

func (c *ClusterConfig) FaultZoneType() string { return c.Record.GetSimpleField(fieldFaultZoneType) }

func (c *ClusterConfig) SetFaultZoneType(z string) { c.Record.SetSimpleField(fieldFaultZoneType, z) }

func (c *ClusterConfig) PersistBestPossibleAssignment() bool {
	return c.Record.GetBoolField(fieldPersistBestPossible, false)
}

func (c *ClusterConfig) SetPersistBestPossibleAssignment(v bool) {
	c.Record.SetBoolField(fieldPersistBestPossible, v)
}

func (c *ClusterConfig) PersistIntermediateAssignment() bool {
	return c.Record.GetBoolField(fieldPersistIntermediate, false)
}

func (c *ClusterConfig) SetPersistIntermediateAssignment(v bool) {
	c.Record.SetBoolField(fieldPersistIntermediate, v)
}

func (c *ClusterConfig) PipelineTriggersDisabled() bool {
	return c.Record.GetBoolField(fieldDisablePipelineTriggers, false)
}

func (c *ClusterConfig) DelayRebalanceDisabled() bool {
	return c.Record.GetBoolField(fieldDelayRebalanceDisabled, false)
}

// DelayRebalanceTime returns the rebalance delay in milliseconds, -1 if unset.
func (c *ClusterConfig) DelayRebalanceTime() int64 {
	return c.Record.GetInt64Field(fieldDelayRebalanceTime, -1)
}

func (c *ClusterConfig) SetDelayRebalanceTime(ms int64) {
	c.Record.SetInt64Field(fieldDelayRebalanceTime, ms)
}

func (c *ClusterConfig) TransitionCancellationEnabled() bool {
	return c.Record.GetBoolField(fieldTransitionCancelEnabled, false)
}

func (c *ClusterConfig) SetTransitionCancellationEnabled(v bool) {
	c.Record.SetBoolField(fieldTransitionCancelEnabled, v)
}

// ThrottleConfigs returns the parsed throttle configs; malformed entries are
// skipped and reported by the caller via config validation.
func (c *ClusterConfig) ThrottleConfigs() []ThrottleConfig {
	var out []ThrottleConfig
	for _, s := range c.Record.GetListField(fieldThrottleConfigs) {
		t, err := ParseThrottleConfig(s)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (c *ClusterConfig) SetThrottleConfigs(configs []ThrottleConfig) {
	entries := make([]string, len(configs))
	for i, t := range configs {
		entries[i] = t.Encode()
	}
	c.Record.SetListField(fieldThrottleConfigs, entries)
}
