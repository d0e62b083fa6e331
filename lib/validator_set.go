package lib

import (
	"bytes"
	"sort"
)

// Validator is a single consensus participant: an address derived from its public key
// and a voting power supplied by an external weighting module (staking, etc.)
type Validator struct {
	Address     HexBytes `json:"address"`     // the short hash of the public key, the identity used in votes
	PublicKey   HexBytes `json:"publicKey"`   // the BLS public key used to verify this validator's signatures
	VotingPower uint64   `json:"votingPower"` // the weight of this validator in all quorum arithmetic

	// ProposerPriority is scheduling state, not identity: it rotates the proposer role
	// across the set proportionally to voting power. It is excluded from json so two
	// nodes comparing sets never disagree because of scheduling drift
	ProposerPriority int64 `json:"-"`
}

// Copy() returns a deep copy of the Validator
func (v *Validator) Copy() *Validator {
	return &Validator{
		Address:          append(HexBytes{}, v.Address...),
		PublicKey:        append(HexBytes{}, v.PublicKey...),
		VotingPower:      v.VotingPower,
		ProposerPriority: v.ProposerPriority,
	}
}

// ValidatorSet represents the collection of validators responsible for consensus at a
// height. It owns all +2/3 and +1/3 voting power arithmetic
type ValidatorSet struct {
	Validators    []*Validator // the participants, sorted by power desc then address asc
	TotalPower    uint64       // the aggregate voting power of the set
	MinimumMaj23  uint64       // the minimum power that strictly exceeds two-thirds of TotalPower (2f+1)
	MinorityBlock uint64       // the minimum power that strictly exceeds one-third of TotalPower (f+1)
	NumValidators uint64       // the size of the set
}

// NewValidatorSet() initializes a ValidatorSet from a list of validators, computing the
// quorum thresholds and fixing a deterministic order
func NewValidatorSet(validators []*Validator) (ValidatorSet, ErrorI) {
	totalPower := uint64(0)
	vals := make([]*Validator, 0, len(validators))
	for _, v := range validators {
		vals = append(vals, v.Copy())
		totalPower += v.VotingPower
	}
	if totalPower == 0 {
		return ValidatorSet{}, ErrNoValidators()
	}
	// sort by voting power (descending), breaking ties by address (ascending) so every
	// node derives the identical ordering from the same snapshot
	sort.SliceStable(vals, func(i, j int) bool {
		if vals[i].VotingPower != vals[j].VotingPower {
			return vals[i].VotingPower > vals[j].VotingPower
		}
		return bytes.Compare(vals[i].Address, vals[j].Address) < 0
	})
	return ValidatorSet{
		Validators:    vals,
		TotalPower:    totalPower,
		MinimumMaj23:  (2*totalPower)/3 + 1,
		MinorityBlock: totalPower/3 + 1,
		NumValidators: uint64(len(vals)),
	}, nil
}

// GetValidator() retrieves a validator from the set by address
func (vs *ValidatorSet) GetValidator(address []byte) (*Validator, ErrorI) {
	val, _, err := vs.GetValidatorAndIdx(address)
	return val, err
}

// GetValidatorAndIdx() retrieves a validator and its index in the set by address
func (vs *ValidatorSet) GetValidatorAndIdx(address []byte) (*Validator, int, ErrorI) {
	if vs == nil || len(vs.Validators) == 0 {
		return nil, 0, ErrNoValidators()
	}
	for i, v := range vs.Validators {
		if bytes.Equal(v.Address, address) {
			return v, i, nil
		}
	}
	return nil, 0, ErrValidatorNotInSet(address)
}

// Copy() returns a deep copy of the ValidatorSet, priorities included
func (vs *ValidatorSet) Copy() ValidatorSet {
	vals := make([]*Validator, len(vs.Validators))
	for i, v := range vs.Validators {
		vals[i] = v.Copy()
	}
	return ValidatorSet{
		Validators:    vals,
		TotalPower:    vs.TotalPower,
		MinimumMaj23:  vs.MinimumMaj23,
		MinorityBlock: vs.MinorityBlock,
		NumValidators: vs.NumValidators,
	}
}

// priorityWindow bounds proposer priorities to stop unbounded drift when voting powers
// are badly skewed; the clamp is large enough to never matter under normal operation
const priorityWindow = int64(1) << 40

// IncrementProposerPriority() advances the proposer rotation by 'times' steps and
// returns the validator selected on the final step. Each step every validator gains
// priority equal to its voting power, then the selected front-runner pays the total
// power. Over many steps every validator proposes in proportion to its stake, and no
// validator can be selected twice in a row unless it holds more than half the power
func (vs *ValidatorSet) IncrementProposerPriority(times int) (proposer *Validator) {
	if len(vs.Validators) == 0 {
		return nil
	}
	for i := 0; i < times; i++ {
		for _, v := range vs.Validators {
			p := v.ProposerPriority + int64(v.VotingPower)
			if p > priorityWindow {
				p = priorityWindow
			}
			v.ProposerPriority = p
		}
		proposer = vs.proposerWithHighestPriority()
		p := proposer.ProposerPriority - int64(vs.TotalPower)
		if p < -priorityWindow {
			p = -priorityWindow
		}
		proposer.ProposerPriority = p
	}
	vs.centerPriorities()
	return proposer.Copy()
}

// proposerWithHighestPriority() returns the front-runner of the rotation, breaking
// priority ties by lowest address so selection is deterministic on every node
func (vs *ValidatorSet) proposerWithHighestPriority() (proposer *Validator) {
	for _, v := range vs.Validators {
		switch {
		case proposer == nil:
			proposer = v
		case v.ProposerPriority > proposer.ProposerPriority:
			proposer = v
		case v.ProposerPriority == proposer.ProposerPriority && bytes.Compare(v.Address, proposer.Address) < 0:
			proposer = v
		}
	}
	return
}

// centerPriorities() shifts all priorities so their average is zero, keeping the
// rotation scale-free across heights
func (vs *ValidatorSet) centerPriorities() {
	if len(vs.Validators) == 0 {
		return
	}
	sum := int64(0)
	for _, v := range vs.Validators {
		sum += v.ProposerPriority
	}
	avg := sum / int64(len(vs.Validators))
	for _, v := range vs.Validators {
		v.ProposerPriority -= avg
	}
}
