package model

import (
	"testing"
)

func TestStateModelBuilder_NextHops(t *testing.T) {
	def := MasterSlaveStateModel()

	// Direct edges.
	if got := def.NextState("OFFLINE", "SLAVE"); got != "SLAVE" {
		t.Errorf("NextState(OFFLINE, SLAVE) = %q, want SLAVE", got)
	}
	if got := def.NextState("SLAVE", "MASTER"); got != "MASTER" {
		t.Errorf("NextState(SLAVE, MASTER) = %q, want MASTER", got)
	}

	// Multi-hop paths resolve to the first hop.
	if got := def.NextState("OFFLINE", "MASTER"); got != "SLAVE" {
		t.Errorf("NextState(OFFLINE, MASTER) = %q, want SLAVE", got)
	}
	if got := def.NextState("MASTER", "OFFLINE"); got != "SLAVE" {
		t.Errorf("NextState(MASTER, OFFLINE) = %q, want SLAVE", got)
	}
	if got := def.NextState("MASTER", StateDropped); got != "SLAVE" {
		t.Errorf("NextState(MASTER, DROPPED) = %q, want SLAVE", got)
	}
	if got := def.NextState(StateError, "SLAVE"); got != "OFFLINE" {
		t.Errorf("NextState(ERROR, SLAVE) = %q, want OFFLINE", got)
	}

	// Unreachable target.
	if got := def.NextState(StateDropped, "MASTER"); got != "" {
		t.Errorf("NextState(DROPPED, MASTER) = %q, want empty", got)
	}
}

func TestStateModelDefinition_UpperBounds(t *testing.T) {
	def := MasterSlaveStateModel()

	if got := def.StateUpperBound("MASTER", 5, 3); got != 1 {
		t.Errorf("MASTER bound = %d, want 1", got)
	}
	if got := def.StateUpperBound("SLAVE", 5, 3); got != 3 {
		t.Errorf("SLAVE bound = %d, want 3 (R)", got)
	}
	if got := def.StateUpperBound("OFFLINE", 5, 3); got >= 0 {
		t.Errorf("OFFLINE bound = %d, want unbounded", got)
	}

	b := NewStateModelBuilder("NBound")
	b.AddState("ONLINE", BoundAllInstances)
	b.AddState("OFFLINE", "-1")
	b.InitialState("OFFLINE")
	b.AddTransition("OFFLINE", "ONLINE")
	def2, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := def2.StateUpperBound("ONLINE", 7, 3); got != 7 {
		t.Errorf("ONLINE bound = %d, want 7 (N)", got)
	}
}

func TestStateModelDefinition_TopStateAndPriority(t *testing.T) {
	def := LeaderStandbyStateModel()

	if got := def.TopState(); got != "LEADER" {
		t.Errorf("TopState = %q, want LEADER", got)
	}
	if def.StatePriorityIndex("LEADER") >= def.StatePriorityIndex("STANDBY") {
		t.Error("LEADER should rank above STANDBY")
	}
	if def.StatePriorityIndex("NOPE") != len(def.StatesPriorityList()) {
		t.Error("unknown state should rank last")
	}
}

func TestStateModelDefinition_IsTransitionValid(t *testing.T) {
	def := OnlineOfflineStateModel()

	if !def.IsTransitionValid("OFFLINE", "ONLINE") {
		t.Error("OFFLINE->ONLINE should be a valid edge")
	}
	if def.IsTransitionValid("ONLINE", StateDropped) {
		t.Error("ONLINE->DROPPED is not a direct edge")
	}
}

func TestStateModelBuilder_ValidateRejectsBadInitial(t *testing.T) {
	b := NewStateModelBuilder("Broken")
	b.AddState("A", "1")
	b.InitialState("Z")
	if _, err := b.Build(); err == nil {
		t.Fatal("Build should reject undeclared initial state")
	}
}

func TestBuiltInStateModels(t *testing.T) {
	defs := BuiltInStateModels()
	if len(defs) != 3 {
		t.Fatalf("expected 3 built-ins, got %d", len(defs))
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			t.Errorf("built-in %s invalid: %v", def.Name(), err)
		}
		if !def.ContainsState(StateError) {
			t.Errorf("built-in %s missing ERROR state", def.Name())
		}
		if def.NextState(StateError, def.InitialState()) == "" {
			t.Errorf("built-in %s cannot recover from ERROR", def.Name())
		}
	}
}
