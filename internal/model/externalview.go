package model

// ExternalView is the public, eventually consistent partition->instance->state
// view of one resource, derived from aggregated current states.
type ExternalView struct {
	Record *Record
}

func NewExternalView(resource string) *ExternalView {
	return &ExternalView{Record: NewRecord(resource)}
}

func (v *ExternalView) ResourceName() string { return v.Record.ID }

func (v *ExternalView) StateMap(partition string) map[string]string {
	return v.Record.GetMapField(partition)
}

func (v *ExternalView) SetStateMap(partition string, states map[string]string) {
	v.Record.SetMapField(partition, states)
}

func (v *ExternalView) Partitions() []string {
	out := make([]string, 0, len(v.Record.MapFields))
	for p := range v.Record.MapFields {
		out = append(out, p)
	}
	return out
}
