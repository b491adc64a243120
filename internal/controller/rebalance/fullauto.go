package rebalance

import (
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/helmsman-io/helmsman/internal/model"
)

// FullAuto computes placement itself: replicas are spread across eligible
// instances by weighted rendezvous hashing, isolated across fault zones when
// the topology provides them, and kept sticky to their current holders where
// legal. The result is deterministic for a given snapshot.
type FullAuto struct{}

func (FullAuto) Compute(in Input) (Assignment, error) {
	replicas := in.IdealState.ReplicaCount(len(in.Snapshot.LiveInstances))
	zoneOf := faultZones(in)

	out := make(Assignment, len(in.Partitions))
	for _, partition := range in.Partitions {
		preference := buildPreference(in, partition, replicas, zoneOf)
		out[partition] = assignStatesByPreference(in, partition, preference)
	}
	return out, nil
}

// faultZones maps each eligible instance to its fault zone. Instances with
// no topology domain fall into their own zone, which disables isolation for
// them without penalizing configured ones.
func faultZones(in Input) map[string]string {
	zoneType := in.Snapshot.ClusterConfig.FaultZoneType()
	zones := make(map[string]string, len(in.EligibleInstances))
	for _, instance := range in.EligibleInstances {
		zone := instance
		if cfg, ok := in.Snapshot.InstanceConfigs[instance]; ok && zoneType != "" {
			if z := domainValue(cfg.Domain(), zoneType); z != "" {
				zone = z
			}
		}
		zones[instance] = zone
	}
	return zones
}

// domainValue extracts one key's value from a "k1=v1,k2=v2" topology domain.
func domainValue(domain, key string) string {
	for _, part := range strings.Split(domain, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}
	return ""
}

type scored struct {
	instance string
	score    float64
}

// rendezvousScore is the weighted highest-random-weight score of an instance
// for a replica key; higher wins. Weight scales capacity linearly.
func rendezvousScore(key string, weight int) float64 {
	h := xxhash.Sum64String(key)
	norm := (float64(h) + 1) / float64(math.MaxUint64)
	return float64(weight) / -math.Log(norm)
}

// buildPreference produces a replica-count-length preference list: sticky
// holders first (in their current state-priority order), then rendezvous
// winners, each pass honoring fault-zone isolation while distinct zones
// remain.
func buildPreference(in Input, partition string, replicas int, zoneOf map[string]string) []string {
	resource := in.IdealState.ResourceName()
	def := in.StateModelDef

	assignable := make([]string, 0, len(in.EligibleInstances))
	for _, instance := range in.EligibleInstances {
		if in.assignable(instance, partition) &&
			in.CurrentAssignment[partition][instance] != model.StateError {
			assignable = append(assignable, instance)
		}
	}

	zoneCount := distinctZones(assignable, zoneOf)
	isolate := zoneCount >= replicas

	var preference []string
	usedZones := make(map[string]bool)
	used := make(map[string]bool)

	take := func(instance string) bool {
		zone := zoneOf[instance]
		if used[instance] || (isolate && usedZones[zone]) {
			return false
		}
		preference = append(preference, instance)
		used[instance] = true
		usedZones[zone] = true
		return len(preference) >= replicas
	}

	// Sticky pass: keep current holders, highest state first.
	holders := make([]string, 0)
	for _, instance := range assignable {
		if state := in.CurrentAssignment[partition][instance]; state != "" && state != model.StateDropped {
			holders = append(holders, instance)
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		si := def.StatePriorityIndex(in.CurrentAssignment[partition][holders[i]])
		sj := def.StatePriorityIndex(in.CurrentAssignment[partition][holders[j]])
		if si != sj {
			return si < sj
		}
		return holders[i] < holders[j]
	})
	for _, instance := range holders {
		if take(instance) {
			return preference
		}
	}

	// Rendezvous pass: weight-scaled hash of (resource, partition, instance).
	ranked := make([]scored, 0, len(assignable))
	for _, instance := range assignable {
		weight := 1
		if cfg, ok := in.Snapshot.InstanceConfigs[instance]; ok {
			weight = cfg.Weight()
		}
		if weight < 1 {
			weight = 1
		}
		score := rendezvousScore(resource+"/"+partition+"/"+instance, weight)
		ranked = append(ranked, scored{instance: instance, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].instance < ranked[j].instance
	})
	for _, s := range ranked {
		if take(s.instance) {
			return preference
		}
	}

	// Not enough distinct zones: fill remaining slots ignoring isolation.
	if isolate && len(preference) < replicas {
		for _, s := range ranked {
			if used[s.instance] {
				continue
			}
			preference = append(preference, s.instance)
			used[s.instance] = true
			if len(preference) >= replicas {
				break
			}
		}
	}
	return preference
}

func distinctZones(instances []string, zoneOf map[string]string) int {
	seen := make(map[string]bool)
	for _, i := range instances {
		seen[zoneOf[i]] = true
	}
	return len(seen)
}
