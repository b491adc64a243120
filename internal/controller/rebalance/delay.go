package rebalance

import (
	"sort"
	"time"

	"github.com/helmsman-io/helmsman/internal/controller/cache"
	"github.com/helmsman-io/helmsman/internal/model"
)

// EligibleInstances returns the instances a rebalancer may place on:
// configured, enabled, tag-matched, and either live or within the delayed-
// rebalance window. Sorted for determinism.
func EligibleInstances(snap *cache.Snapshot, is *model.IdealState, now time.Time) []string {
	delay := rebalanceDelay(snap)
	tag := is.InstanceGroupTag()

	var out []string
	for _, instance := range snap.TaggedInstances(tag) {
		if !snap.IsInstanceEnabled(instance) {
			continue
		}
		if snap.IsInstanceLive(instance) {
			out = append(out, instance)
			continue
		}
		if delay <= 0 {
			continue
		}
		since, ok := snap.OfflineSince[instance]
		if ok && now.Sub(since) < delay {
			// Within the window the instance is treated as still live so its
			// replicas are not reassigned yet.
			out = append(out, instance)
		}
	}
	sort.Strings(out)
	return out
}

// NextDelayExpiry returns the earliest time a delayed-rebalance window
// expires, so the controller can schedule a timed pipeline run.
func NextDelayExpiry(snap *cache.Snapshot, now time.Time) (time.Time, bool) {
	delay := rebalanceDelay(snap)
	if delay <= 0 {
		return time.Time{}, false
	}
	var earliest time.Time
	for instance, since := range snap.OfflineSince {
		if !snap.IsInstanceEnabled(instance) {
			continue
		}
		expiry := since.Add(delay)
		if expiry.After(now) && (earliest.IsZero() || expiry.Before(earliest)) {
			earliest = expiry
		}
	}
	return earliest, !earliest.IsZero()
}

func rebalanceDelay(snap *cache.Snapshot) time.Duration {
	cfg := snap.ClusterConfig
	if cfg == nil || cfg.DelayRebalanceDisabled() {
		return 0
	}
	ms := cfg.DelayRebalanceTime()
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
