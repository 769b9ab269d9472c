package consensus

import "sort"

// Validator represents a node allowed to vote on proposals. A validator
// with a quorum set only trusts the validators named in it when deciding
// if a proposal has enough support.
type Validator struct {
	ID        string   `json:"id"`
	Weight    uint64   `json:"weight"`
	QuorumSet []string `json:"quorum_set,omitempty"`
}

// ValidatorSet indexes the known validators by id.
type ValidatorSet struct {
	index map[string]Validator
	ids   []string
	total uint64
}

// NewValidatorSet constructs a set from the list of validators. A weight of
// zero is treated as one. Later entries with the same id replace earlier
// ones.
func NewValidatorSet(validators []Validator) *ValidatorSet {
	vs := ValidatorSet{
		index: make(map[string]Validator, len(validators)),
	}

	for _, v := range validators {
		if v.ID == "" {
			continue
		}
		if v.Weight == 0 {
			v.Weight = 1
		}
		vs.index[v.ID] = v
	}

	for id, v := range vs.index {
		vs.ids = append(vs.ids, id)
		vs.total += v.Weight
	}
	sort.Strings(vs.ids)

	return &vs
}

// Get returns the validator with the specified id.
func (vs *ValidatorSet) Get(id string) (Validator, bool) {
	v, exists := vs.index[id]
	return v, exists
}

// Weight returns the weight of the validator. Unknown validators have a
// weight of zero.
func (vs *ValidatorSet) Weight(id string) uint64 {
	return vs.index[id].Weight
}

// IDs returns the validator ids in sorted order.
func (vs *ValidatorSet) IDs() []string {
	ids := make([]string, len(vs.ids))
	copy(ids, vs.ids)
	return ids
}

// TotalWeight returns the sum of every validator's weight.
func (vs *ValidatorSet) TotalWeight() uint64 {
	return vs.total
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int {
	return len(vs.ids)
}

// Copy returns the validators in id order.
func (vs *ValidatorSet) Copy() []Validator {
	validators := make([]Validator, len(vs.ids))
	for i, id := range vs.ids {
		validators[i] = vs.index[id]
	}
	return validators
}

// trusted returns the ids whose votes count from the point of view of the
// specified validator and the total weight behind them.
func (vs *ValidatorSet) trusted(self string) (map[string]uint64, uint64) {
	var ids []string
	if v, exists := vs.index[self]; exists && len(v.QuorumSet) > 0 {
		ids = v.QuorumSet
	} else {
		ids = vs.ids
	}

	weights := make(map[string]uint64, len(ids))
	var total uint64
	for _, id := range ids {
		if _, dup := weights[id]; dup {
			continue
		}
		w := vs.Weight(id)
		weights[id] = w
		total += w
	}

	return weights, total
}
