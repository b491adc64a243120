package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Special replica states present in every state model.
const (
	StateError   = "ERROR"
	StateDropped = "DROPPED"
)

// Upper-bound tokens: "N" bounds by live instance count, "R" by replica count.
const (
	BoundAllInstances = "N"
	BoundReplicas     = "R"
)

// StateModelDefinition field keys.
const (
	fieldInitialState         = "INITIAL_STATE"
	fieldStatePriorityList    = "STATE_PRIORITY_LIST"
	fieldTransitionPriorities = "STATE_TRANSITION_PRIORITYLIST"
	stateCountSuffix          = ".meta.count"
	stateNextSuffix           = ".next"
)

// StateModelDefinition is a finite-state machine over replica states with
// per-state upper bounds and a transition table. Immutable after registration.
type StateModelDefinition struct {
	Record *Record
}

func (d *StateModelDefinition) Name() string { return d.Record.ID }

func (d *StateModelDefinition) InitialState() string {
	return d.Record.GetSimpleField(fieldInitialState)
}

// StatesPriorityList returns states ordered from the top state down.
func (d *StateModelDefinition) StatesPriorityList() []string {
	return d.Record.GetListField(fieldStatePriorityList)
}

// TopState is the highest-priority state (e.g. MASTER).
func (d *StateModelDefinition) TopState() string {
	states := d.StatesPriorityList()
	if len(states) == 0 {
		return ""
	}
	return states[0]
}

// StateCount returns the raw upper-bound token for a state: an integer,
// BoundAllInstances, BoundReplicas, or "-1" for unbounded.
func (d *StateModelDefinition) StateCount(state string) string {
	return d.Record.GetSimpleField(state + stateCountSuffix)
}

// StateUpperBound resolves the upper bound for a state against the cluster.
// A negative result means unbounded.
func (d *StateModelDefinition) StateUpperBound(state string, liveInstances, replicas int) int {
	switch d.StateCount(state) {
	case "":
		return -1
	case BoundAllInstances:
		return liveInstances
	case BoundReplicas:
		return replicas
	default:
		n, err := strconv.Atoi(d.StateCount(state))
		if err != nil {
			return -1
		}
		return n
	}
}

// NextState returns the next hop from one state toward another, "" if the
// target is unreachable.
func (d *StateModelDefinition) NextState(from, to string) string {
	m := d.Record.GetMapField(from + stateNextSuffix)
	if m == nil {
		return ""
	}
	return m[to]
}

// IsTransitionValid reports whether from->to is a direct edge of the table.
func (d *StateModelDefinition) IsTransitionValid(from, to string) bool {
	return d.NextState(from, to) == to
}

// ContainsState reports whether the state belongs to the model.
func (d *StateModelDefinition) ContainsState(state string) bool {
	for _, s := range d.StatesPriorityList() {
		if s == state {
			return true
		}
	}
	return false
}

// StatePriorityIndex returns the priority rank of a state, lower is higher
// priority; unknown states rank last.
func (d *StateModelDefinition) StatePriorityIndex(state string) int {
	for i, s := range d.StatesPriorityList() {
		if s == state {
			return i
		}
	}
	return len(d.StatesPriorityList())
}

// TransitionPriorityList returns "FROM-TO" transition names in priority order.
func (d *StateModelDefinition) TransitionPriorityList() []string {
	return d.Record.GetListField(fieldTransitionPriorities)
}

// Validate checks structural sanity: initial state declared, every
// transition endpoint declared, every state has a count token.
func (d *StateModelDefinition) Validate() error {
	states := d.StatesPriorityList()
	if len(states) == 0 {
		return fmt.Errorf("state model %s: empty state priority list", d.Name())
	}
	if !d.ContainsState(d.InitialState()) {
		return fmt.Errorf("state model %s: initial state %q not declared", d.Name(), d.InitialState())
	}
	for _, s := range states {
		if d.StateCount(s) == "" {
			return fmt.Errorf("state model %s: state %q missing count", d.Name(), s)
		}
		for to, next := range d.Record.GetMapField(s + stateNextSuffix) {
			if !d.ContainsState(to) && to != StateDropped {
				return fmt.Errorf("state model %s: transition target %q not declared", d.Name(), to)
			}
			if !d.ContainsState(next) && next != StateDropped {
				return fmt.Errorf("state model %s: next hop %q not declared", d.Name(), next)
			}
		}
	}
	return nil
}

// StateModelBuilder assembles a StateModelDefinition.
type StateModelBuilder struct {
	name         string
	initialState string
	states       []string
	counts       map[string]string
	transitions  map[string]map[string]string
	priorities   []string
}

func NewStateModelBuilder(name string) *StateModelBuilder {
	return &StateModelBuilder{
		name:        name,
		counts:      make(map[string]string),
		transitions: make(map[string]map[string]string),
	}
}

// AddState appends a state at the next (lower) priority with an upper bound
// token.
func (b *StateModelBuilder) AddState(state, count string) *StateModelBuilder {
	b.states = append(b.states, state)
	b.counts[state] = count
	return b
}

func (b *StateModelBuilder) InitialState(state string) *StateModelBuilder {
	b.initialState = state
	return b
}

// AddTransition declares a direct edge from->to.
func (b *StateModelBuilder) AddTransition(from, to string) *StateModelBuilder {
	if b.transitions[from] == nil {
		b.transitions[from] = make(map[string]string)
	}
	b.transitions[from][to] = to
	b.priorities = append(b.priorities, from+"-"+to)
	return b
}

func (b *StateModelBuilder) Build() (*StateModelDefinition, error) {
	rec := NewRecord(b.name)
	rec.SetSimpleField(fieldInitialState, b.initialState)
	rec.SetListField(fieldStatePriorityList, b.states)
	rec.SetListField(fieldTransitionPriorities, b.priorities)
	for state, count := range b.counts {
		rec.SetSimpleField(state+stateCountSuffix, count)
	}

	// Close the transition table: next-hop toward every reachable target via BFS.
	for _, from := range b.states {
		next := make(map[string]string)
		for to, hop := range b.transitions[from] {
			next[to] = hop
		}
		for _, target := range b.states {
			if target == from || next[target] != "" {
				continue
			}
			if hop := b.firstHop(from, target); hop != "" {
				next[target] = hop
			}
		}
		if len(next) > 0 {
			rec.SetMapField(from+stateNextSuffix, next)
		}
	}

	def := &StateModelDefinition{Record: rec}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// firstHop finds the first edge on a shortest path from->target.
func (b *StateModelBuilder) firstHop(from, target string) string {
	type node struct {
		state string
		first string
	}
	visited := map[string]bool{from: true}
	var queue []node
	for to := range b.transitions[from] {
		if to == target {
			return to
		}
		visited[to] = true
		queue = append(queue, node{to, to})
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for to := range b.transitions[n.state] {
			if to == target {
				return n.first
			}
			if !visited[to] {
				visited[to] = true
				queue = append(queue, node{to, n.first})
			}
		}
	}
	return ""
}

// TransitionName formats a transition as it appears in priority lists.
func TransitionName(from, to string) string {
	return strings.ToUpper(from) + "-" + strings.ToUpper(to)
}

// BuiltInStateModels returns the definitions registered at cluster creation.
func BuiltInStateModels() []*StateModelDefinition {
	return []*StateModelDefinition{
		MasterSlaveStateModel(),
		OnlineOfflineStateModel(),
		LeaderStandbyStateModel(),
	}
}

// MasterSlaveStateModel builds the built-in MasterSlave definition.
func MasterSlaveStateModel() *StateModelDefinition {
	b := NewStateModelBuilder("MasterSlave")
	b.AddState("MASTER", "1")
	b.AddState("SLAVE", BoundReplicas)
	b.AddState("OFFLINE", "-1")
	b.AddState(StateDropped, "-1")
	b.AddState(StateError, "-1")
	b.InitialState("OFFLINE")
	b.AddTransition("SLAVE", "MASTER")
	b.AddTransition("OFFLINE", "SLAVE")
	b.AddTransition("MASTER", "SLAVE")
	b.AddTransition("SLAVE", "OFFLINE")
	b.AddTransition("OFFLINE", StateDropped)
	b.AddTransition(StateError, "OFFLINE")
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// OnlineOfflineStateModel builds the built-in OnlineOffline definition.
func OnlineOfflineStateModel() *StateModelDefinition {
	b := NewStateModelBuilder("OnlineOffline")
	b.AddState("ONLINE", BoundReplicas)
	b.AddState("OFFLINE", "-1")
	b.AddState(StateDropped, "-1")
	b.AddState(StateError, "-1")
	b.InitialState("OFFLINE")
	b.AddTransition("OFFLINE", "ONLINE")
	b.AddTransition("ONLINE", "OFFLINE")
	b.AddTransition("OFFLINE", StateDropped)
	b.AddTransition(StateError, "OFFLINE")
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// LeaderStandbyStateModel builds the built-in LeaderStandby definition.
func LeaderStandbyStateModel() *StateModelDefinition {
	b := NewStateModelBuilder("LeaderStandby")
	b.AddState("LEADER", "1")
	b.AddState("STANDBY", BoundReplicas)
	b.AddState("OFFLINE", "-1")
	b.AddState(StateDropped, "-1")
	b.AddState(StateError, "-1")
	b.InitialState("OFFLINE")
	b.AddTransition("STANDBY", "LEADER")
	b.AddTransition("OFFLINE", "STANDBY")
	b.AddTransition("LEADER", "STANDBY")
	b.AddTransition("STANDBY", "OFFLINE")
	b.AddTransition("OFFLINE", StateDropped)
	b.AddTransition(StateError, "OFFLINE")
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
