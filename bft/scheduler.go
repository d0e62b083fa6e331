package bft

import (
	"github.com/juant72/prozchain-sub003/lib"
)

// ProposerScheduler deterministically selects the proposer for every (height, round)
// from the public validator snapshot alone, so all nodes agree on the schedule without
// exchanging a single message.
//
// Selection walks the stake-weighted priority rotation: each step every validator's
// priority grows by its voting power and the selected proposer pays the total power,
// so over a cycle each validator proposes in proportion to its stake and a validator
// just selected rotates to the back. The height contributes a bounded offset into the
// cycle. Within a height the walk skips candidates already selected at an earlier
// round until every validator has held the role once, so consecutive rounds always
// land on different candidates and a dead proposer cannot stall the height
type ProposerScheduler struct {
	base  lib.ValidatorSet          // the snapshot the schedule derives from, priorities zeroed
	cache map[schedKey]lib.HexBytes // memoized selections
}

type schedKey struct {
	height uint64
	round  uint64
}

// NewProposerScheduler() initializes a scheduler over the validator snapshot
func NewProposerScheduler(vals lib.ValidatorSet) *ProposerScheduler {
	base := vals.Copy()
	// zero the priorities so replay never depends on caller scheduling state
	for _, v := range base.Validators {
		v.ProposerPriority = 0
	}
	return &ProposerScheduler{
		base:  base,
		cache: make(map[schedKey]lib.HexBytes),
	}
}

// ProposerFor() returns the address owed the proposer role at (height, round)
func (s *ProposerScheduler) ProposerFor(height, round uint64) (lib.HexBytes, lib.ErrorI) {
	if s.base.NumValidators == 0 {
		return nil, lib.ErrNoValidators()
	}
	if address, ok := s.cache[schedKey{height: height, round: round}]; ok {
		return address, nil
	}
	// replay the height's schedule from round 0 so every query is pure: the height
	// offsets into the rotation cycle, then each round takes the highest-priority
	// candidate not yet selected this height
	vals := s.base.Copy()
	if offset := int(height % s.base.NumValidators); offset > 0 {
		vals.IncrementProposerPriority(offset)
	}
	selected := make(map[string]bool, s.base.NumValidators)
	var address lib.HexBytes
	for r := uint64(0); r <= round; r++ {
		if uint64(len(selected)) == s.base.NumValidators {
			// every validator held the role once this height; start a fresh pass
			selected = make(map[string]bool, s.base.NumValidators)
		}
		proposer := vals.IncrementProposerPriority(1)
		for selected[lib.BytesToString(proposer.Address)] {
			proposer = vals.IncrementProposerPriority(1)
		}
		selected[lib.BytesToString(proposer.Address)] = true
		address = lib.HexBytes(proposer.Address)
		s.cache[schedKey{height: height, round: r}] = address
	}
	return address, nil
}

// IsProposer() reports whether the address holds the proposer role at (height, round)
func (s *ProposerScheduler) IsProposer(address []byte, height, round uint64) (bool, lib.ErrorI) {
	proposer, err := s.ProposerFor(height, round)
	if err != nil {
		return false, err
	}
	return lib.BytesToString(proposer) == lib.BytesToString(address), nil
}
