package model

import (
	"testing"
)

func TestParseThrottleConfig(t *testing.T) {
	cfg, err := ParseThrottleConfig("SCOPE=INSTANCE,TYPE=RECOVERY_BALANCE,MAX=5")
	if err != nil {
		t.Fatalf("ParseThrottleConfig failed: %v", err)
	}
	if cfg.Scope != ThrottleScopeInstance {
		t.Errorf("Scope = %q, want INSTANCE", cfg.Scope)
	}
	if cfg.RebalanceType != ThrottleRecoveryBalance {
		t.Errorf("RebalanceType = %q, want RECOVERY_BALANCE", cfg.RebalanceType)
	}
	if cfg.MaxTransit != 5 {
		t.Errorf("MaxTransit = %d, want 5", cfg.MaxTransit)
	}
}

func TestParseThrottleConfig_Invalid(t *testing.T) {
	cases := []string{
		"",
		"SCOPE=CLUSTER",
		"SCOPE=CLUSTER,TYPE=ANY,MAX=abc",
		"garbage",
	}
	for _, s := range cases {
		if _, err := ParseThrottleConfig(s); err == nil {
			t.Errorf("ParseThrottleConfig(%q) should fail", s)
		}
	}
}

func TestThrottleConfig_RoundTrip(t *testing.T) {
	cc := NewClusterConfig("test")
	in := []ThrottleConfig{
		{Scope: ThrottleScopeCluster, RebalanceType: ThrottleAny, MaxTransit: 100},
		{Scope: ThrottleScopeInstance, RebalanceType: ThrottleLoadBalance, MaxTransit: 2},
	}
	cc.SetThrottleConfigs(in)

	out := cc.ThrottleConfigs()
	if len(out) != len(in) {
		t.Fatalf("got %d configs, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("config %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestClusterConfig_Flags(t *testing.T) {
	cc := NewClusterConfig("test")

	if cc.TransitionCancellationEnabled() {
		t.Error("cancellation should default off")
	}
	cc.SetTransitionCancellationEnabled(true)
	if !cc.TransitionCancellationEnabled() {
		t.Error("cancellation flag did not stick")
	}

	if cc.DelayRebalanceTime() != -1 {
		t.Errorf("DelayRebalanceTime default = %d, want -1", cc.DelayRebalanceTime())
	}
	cc.SetDelayRebalanceTime(30000)
	if cc.DelayRebalanceTime() != 30000 {
		t.Errorf("DelayRebalanceTime = %d, want 30000", cc.DelayRebalanceTime())
	}
}
