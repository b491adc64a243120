package rebalance

// SemiAuto assigns states along the preference lists declared in the ideal
// state: the operator owns placement, the controller owns state assignment.
type SemiAuto struct{}

func (SemiAuto) Compute(in Input) (Assignment, error) {
	out := make(Assignment, len(in.Partitions))
	for _, partition := range in.Partitions {
		preference := in.IdealState.PreferenceList(partition)
		out[partition] = assignStatesByPreference(in, partition, preference)
	}
	return out, nil
}
