package model

// LiveInstance field keys.
const (
	fieldSessionID       = "SESSION_ID"
	fieldControllerEpoch = "CONTROLLER_EPOCH"
)

// FieldLastLeaderEpoch is kept on the persistent CONTROLLER node as the
// epoch high-water mark across leader generations.
const FieldLastLeaderEpoch = "LAST_LEADER_EPOCH"

// LiveInstance is the ephemeral record a participant holds while connected.
type LiveInstance struct {
	Record *Record
}

func NewLiveInstance(instance, sessionID string) *LiveInstance {
	li := &LiveInstance{Record: NewRecord(instance)}
	li.Record.SetSimpleField(fieldSessionID, sessionID)
	return li
}

func (l *LiveInstance) InstanceName() string { return l.Record.ID }

func (l *LiveInstance) SessionID() string { return l.Record.GetSimpleField(fieldSessionID) }

func (l *LiveInstance) ControllerEpoch() int64 {
	return l.Record.GetInt64Field(fieldControllerEpoch, -1)
}

func (l *LiveInstance) SetControllerEpoch(epoch int64) {
	l.Record.SetInt64Field(fieldControllerEpoch, epoch)
}
