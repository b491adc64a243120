package pipeline

import (
	"github.com/helmsman-io/helmsman/internal/model"
)

// balanceClass distinguishes recovery from load-balance transitions for
// throttling purposes.
type balanceClass int

const (
	classRecovery balanceClass = iota
	classLoadBalance
)

func (c balanceClass) throttleType() model.ThrottleRebalanceType {
	if c == classRecovery {
		return model.ThrottleRecoveryBalance
	}
	return model.ThrottleLoadBalance
}

// unlimited marks an unconfigured throttle dimension.
const unlimited = -1

// throttler tracks remaining transition budget across the three scopes.
// Pending in-flight transitions are charged before new ones are admitted, so
// caps hold over the union of old and new messages.
type throttler struct {
	limits map[model.ThrottleScope]map[model.ThrottleRebalanceType]int

	clusterUsed  map[model.ThrottleRebalanceType]int
	resourceUsed map[string]map[model.ThrottleRebalanceType]int
	instanceUsed map[string]map[model.ThrottleRebalanceType]int
}

func newThrottler(configs []model.ThrottleConfig) *throttler {
	t := &throttler{
		limits:       make(map[model.ThrottleScope]map[model.ThrottleRebalanceType]int),
		clusterUsed:  make(map[model.ThrottleRebalanceType]int),
		resourceUsed: make(map[string]map[model.ThrottleRebalanceType]int),
		instanceUsed: make(map[string]map[model.ThrottleRebalanceType]int),
	}
	for _, cfg := range configs {
		byType, ok := t.limits[cfg.Scope]
		if !ok {
			byType = make(map[model.ThrottleRebalanceType]int)
			t.limits[cfg.Scope] = byType
		}
		byType[cfg.RebalanceType] = cfg.MaxTransit
	}
	return t
}

func (t *throttler) limit(scope model.ThrottleScope, typ model.ThrottleRebalanceType) int {
	byType, ok := t.limits[scope]
	if !ok {
		return unlimited
	}
	limit, ok := byType[typ]
	if !ok {
		return unlimited
	}
	return limit
}

func used(m map[model.ThrottleRebalanceType]int, class balanceClass) (classUsed, totalUsed int) {
	return m[class.throttleType()],
		m[model.ThrottleRecoveryBalance] + m[model.ThrottleLoadBalance]
}

func (t *throttler) scopeHasRoom(scope model.ThrottleScope, usage map[model.ThrottleRebalanceType]int, class balanceClass) bool {
	classUsed, totalUsed := used(usage, class)
	if l := t.limit(scope, class.throttleType()); l != unlimited && classUsed >= l {
		return false
	}
	if l := t.limit(scope, model.ThrottleAny); l != unlimited && totalUsed >= l {
		return false
	}
	return true
}

func (t *throttler) usageFor(m map[string]map[model.ThrottleRebalanceType]int, key string) map[model.ThrottleRebalanceType]int {
	usage, ok := m[key]
	if !ok {
		usage = make(map[model.ThrottleRebalanceType]int)
		m[key] = usage
	}
	return usage
}

// TryCharge admits one transition if the cluster, the resource and the
// target instance all have budget for its class, consuming one unit of each.
func (t *throttler) TryCharge(resource, instance string, class balanceClass) bool {
	resourceUsage := t.usageFor(t.resourceUsed, resource)
	instanceUsage := t.usageFor(t.instanceUsed, instance)

	if !t.scopeHasRoom(model.ThrottleScopeCluster, t.clusterUsed, class) ||
		!t.scopeHasRoom(model.ThrottleScopeResource, resourceUsage, class) ||
		!t.scopeHasRoom(model.ThrottleScopeInstance, instanceUsage, class) {
		return false
	}
	t.charge(resource, instance, class)
	return true
}

// charge consumes budget without checking, used for transitions already in
// flight: they may exceed a freshly lowered cap but must still count.
func (t *throttler) charge(resource, instance string, class balanceClass) {
	typ := class.throttleType()
	t.clusterUsed[typ]++
	t.usageFor(t.resourceUsed, resource)[typ]++
	t.usageFor(t.instanceUsed, instance)[typ]++
}
