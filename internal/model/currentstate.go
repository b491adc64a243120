package model

// CurrentState field keys.
const (
	fieldStateModelDef   = "STATE_MODEL_DEF"
	fieldBucketSize      = "BUCKET_SIZE"
	mapKeyCurrentState   = "CURRENT_STATE"
	mapKeyRequestedState = "REQUESTED_STATE"
	mapKeyInfo           = "INFO"
)

// CurrentState is the authoritative observed state of one resource on one
// participant, scoped by that participant's session.
type CurrentState struct {
	Record *Record
}

func NewCurrentState(resource, sessionID, stateModelDef string) *CurrentState {
	cs := &CurrentState{Record: NewRecord(resource)}
	cs.Record.SetSimpleField(fieldSessionID, sessionID)
	cs.Record.SetSimpleField(fieldStateModelDef, stateModelDef)
	return cs
}

func (c *CurrentState) ResourceName() string { return c.Record.ID }

func (c *CurrentState) SessionID() string { return c.Record.GetSimpleField(fieldSessionID) }

func (c *CurrentState) SetSessionID(s string) { c.Record.SetSimpleField(fieldSessionID, s) }

func (c *CurrentState) StateModelDef() string { return c.Record.GetSimpleField(fieldStateModelDef) }

func (c *CurrentState) SetStateModelDef(d string) { c.Record.SetSimpleField(fieldStateModelDef, d) }

func (c *CurrentState) BucketSize() int { return c.Record.GetIntField(fieldBucketSize, 0) }

func (c *CurrentState) SetBucketSize(n int) { c.Record.SetIntField(fieldBucketSize, n) }

func (c *CurrentState) partitionField(partition, key string) string {
	m := c.Record.GetMapField(partition)
	if m == nil {
		return ""
	}
	return m[key]
}

func (c *CurrentState) setPartitionField(partition, key, value string) {
	m := c.Record.GetMapField(partition)
	if m == nil {
		m = make(map[string]string)
	}
	if value == "" {
		delete(m, key)
	} else {
		m[key] = value
	}
	c.Record.SetMapField(partition, m)
}

func (c *CurrentState) State(partition string) string {
	return c.partitionField(partition, mapKeyCurrentState)
}

func (c *CurrentState) SetState(partition, state string) {
	c.setPartitionField(partition, mapKeyCurrentState, state)
}

func (c *CurrentState) RequestedState(partition string) string {
	return c.partitionField(partition, mapKeyRequestedState)
}

func (c *CurrentState) SetRequestedState(partition, state string) {
	c.setPartitionField(partition, mapKeyRequestedState, state)
}

func (c *CurrentState) Info(partition string) string {
	return c.partitionField(partition, mapKeyInfo)
}

func (c *CurrentState) SetInfo(partition, info string) {
	c.setPartitionField(partition, mapKeyInfo, info)
}

// DropPartition removes all bookkeeping for a partition, used when the
// replica reaches DROPPED.
func (c *CurrentState) DropPartition(partition string) {
	delete(c.Record.MapFields, partition)
}

// PartitionStates returns partition -> current state for all partitions with
// a recorded state.
func (c *CurrentState) PartitionStates() map[string]string {
	out := make(map[string]string)
	for partition, m := range c.Record.MapFields {
		if s, ok := m[mapKeyCurrentState]; ok {
			out[partition] = s
		}
	}
	return out
}
