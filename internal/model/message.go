package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies messages on a participant queue.
type MessageType string

const (
	MsgStateTransition MessageType = "STATE_TRANSITION"
	MsgTaskReply       MessageType = "TASK_REPLY"
	MsgCancellation    MessageType = "CANCELLATION"
	MsgNoOp            MessageType = "NO_OP"
	MsgShutdown        MessageType = "SHUTDOWN"
)

// Message field keys.
const (
	fieldMsgType               = "MSG_TYPE"
	fieldMsgSubType            = "MSG_SUBTYPE"
	fieldMsgState              = "MSG_STATE"
	fieldSrcName               = "SRC_NAME"
	fieldTgtName               = "TGT_NAME"
	fieldTgtSessionID          = "TGT_SESSION_ID"
	fieldResourceName          = "RESOURCE_NAME"
	fieldPartitionName         = "PARTITION_NAME"
	fieldMsgStateModelDef      = "STATE_MODEL_DEF"
	fieldFromState             = "FROM_STATE"
	fieldToState               = "TO_STATE"
	fieldCreateTimestamp       = "CREATE_TIMESTAMP"
	fieldExecuteStartTimestamp = "EXECUTE_START_TIMESTAMP"
	fieldRetryCount            = "RETRY_COUNT"
	fieldMsgTimeout            = "TIMEOUT"
)

// Message is one unit of controller-to-participant communication.
type Message struct {
	Record *Record
}

// NewMessage creates a message with a fresh id and creation timestamp.
func NewMessage(msgType MessageType) *Message {
	m := &Message{Record: NewRecord(uuid.NewString())}
	m.Record.SetSimpleField(fieldMsgType, string(msgType))
	m.Record.SetInt64Field(fieldCreateTimestamp, time.Now().UnixMilli())
	m.Record.SetIntField(fieldRetryCount, 0)
	return m
}

func (m *Message) ID() string { return m.Record.ID }

func (m *Message) Type() MessageType {
	return MessageType(m.Record.GetSimpleField(fieldMsgType))
}

func (m *Message) SubType() string { return m.Record.GetSimpleField(fieldMsgSubType) }

func (m *Message) SetSubType(s string) { m.Record.SetSimpleField(fieldMsgSubType, s) }

func (m *Message) SrcName() string { return m.Record.GetSimpleField(fieldSrcName) }

func (m *Message) SetSrcName(n string) { m.Record.SetSimpleField(fieldSrcName, n) }

func (m *Message) TgtName() string { return m.Record.GetSimpleField(fieldTgtName) }

func (m *Message) SetTgtName(n string) { m.Record.SetSimpleField(fieldTgtName, n) }

func (m *Message) TgtSessionID() string { return m.Record.GetSimpleField(fieldTgtSessionID) }

func (m *Message) SetTgtSessionID(s string) { m.Record.SetSimpleField(fieldTgtSessionID, s) }

func (m *Message) ResourceName() string { return m.Record.GetSimpleField(fieldResourceName) }

func (m *Message) SetResourceName(r string) { m.Record.SetSimpleField(fieldResourceName, r) }

func (m *Message) PartitionName() string { return m.Record.GetSimpleField(fieldPartitionName) }

func (m *Message) SetPartitionName(p string) { m.Record.SetSimpleField(fieldPartitionName, p) }

func (m *Message) StateModelDef() string { return m.Record.GetSimpleField(fieldMsgStateModelDef) }

func (m *Message) SetStateModelDef(d string) { m.Record.SetSimpleField(fieldMsgStateModelDef, d) }

func (m *Message) FromState() string { return m.Record.GetSimpleField(fieldFromState) }

func (m *Message) SetFromState(s string) { m.Record.SetSimpleField(fieldFromState, s) }

func (m *Message) ToState() string { return m.Record.GetSimpleField(fieldToState) }

func (m *Message) SetToState(s string) { m.Record.SetSimpleField(fieldToState, s) }

func (m *Message) CreateTimestamp() int64 {
	return m.Record.GetInt64Field(fieldCreateTimestamp, 0)
}

func (m *Message) ExecuteStartTimestamp() int64 {
	return m.Record.GetInt64Field(fieldExecuteStartTimestamp, 0)
}

func (m *Message) SetExecuteStartTimestamp(ts int64) {
	m.Record.SetInt64Field(fieldExecuteStartTimestamp, ts)
}

func (m *Message) RetryCount() int { return m.Record.GetIntField(fieldRetryCount, 0) }

func (m *Message) SetRetryCount(n int) { m.Record.SetIntField(fieldRetryCount, n) }

// Timeout returns the handler timeout, zero if none.
func (m *Message) Timeout() time.Duration {
	ms := m.Record.GetInt64Field(fieldMsgTimeout, -1)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (m *Message) SetTimeout(d time.Duration) {
	m.Record.SetInt64Field(fieldMsgTimeout, d.Milliseconds())
}

// NewStateTransitionMessage builds a STATE_TRANSITION message for one replica.
func NewStateTransitionMessage(src, tgt, tgtSession, resource, partition, stateModelDef, from, to string) *Message {
	m := NewMessage(MsgStateTransition)
	m.SetSrcName(src)
	m.SetTgtName(tgt)
	m.SetTgtSessionID(tgtSession)
	m.SetResourceName(resource)
	m.SetPartitionName(partition)
	m.SetStateModelDef(stateModelDef)
	m.SetFromState(from)
	m.SetToState(to)
	return m
}

// NewCancellationMessage builds a CANCELLATION message superseding a pending
// transition.
func NewCancellationMessage(pending *Message, src string) *Message {
	m := NewMessage(MsgCancellation)
	m.SetSrcName(src)
	m.SetTgtName(pending.TgtName())
	m.SetTgtSessionID(pending.TgtSessionID())
	m.SetResourceName(pending.ResourceName())
	m.SetPartitionName(pending.PartitionName())
	m.SetStateModelDef(pending.StateModelDef())
	m.SetFromState(pending.FromState())
	m.SetToState(pending.ToState())
	m.SetSubType(pending.ID())
	return m
}
