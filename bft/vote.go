package bft

import (
	"bytes"

	"github.com/juant72/prozchain-sub003/lib"
)

/* This file implements the vote pool: validation, indexing, quorum arithmetic, and the
conflict records the fault detector scans */

// SubmitResult classifies the outcome of submitting a message to the pool
type SubmitResult uint8

const (
	Accepted  SubmitResult = iota // stored and counted
	Duplicate                     // content-identical resubmission, no-op
	Rejected                      // failed validation or conflicts with an earlier message
)

// String() returns the log name of the submit result
func (r SubmitResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// VoteConflict pairs two differing valid votes from one validator for the same
// (height, round, type); the first remains authoritative for quorum counting
type VoteConflict struct {
	First  *Vote `json:"first"`
	Second *Vote `json:"second"`
}

// ProposalConflict pairs two differing valid proposals from one proposer for the same
// (height, round)
type ProposalConflict struct {
	First  *Proposal `json:"first"`
	Second *Proposal `json:"second"`
}

// VotePool validates, stores, and indexes votes and proposals and computes quorum
// certificates over them. Writes serialize through the driver's single loop; the fault
// detector only reads snapshots
type VotePool struct {
	chainId        uint64                  // signature domain separation
	roundWindow    uint64                  // acceptance window around the current round
	evidenceWindow uint64                  // heights retained after commit for fault scans
	currentHeight  uint64                  // the height currently accepting messages
	currentRound   uint64                  // the round the acceptance window centers on
	heights        map[uint64]*heightVotes // per-height message indices
	log            lib.LoggerI
}

// heightVotes holds every indexed message for one height
type heightVotes struct {
	vals              lib.ValidatorSet               // the validator set active at the height
	rounds            map[uint64]*roundVotes         // votes by round
	proposals         map[uint64]*Proposal           // first valid proposal by round
	proposalConflicts map[uint64][]*ProposalConflict // differing proposals by round
	byValidator       map[string][]*Vote             // every counted vote per validator, for fault scans
}

// roundVotes holds the two vote sets of one round
type roundVotes struct {
	prevotes   *VoteSet
	precommits *VoteSet
}

// VoteSet tracks one (height, round, type): at most one counted vote per validator,
// voting power bucketed by block hash with nil as its own bucket, plus any conflicts
type VoteSet struct {
	vals       lib.ValidatorSet   // quorum arithmetic source
	votes      map[string]*Vote   // counted vote by validator address
	powerByKey map[string]uint64  // voted power by block hash key
	votesByKey map[string][]*Vote // counted votes by block hash key
	totalPower uint64             // combined power of all counted votes
	conflicts  []*VoteConflict    // differing second votes, never counted
}

// nilVoteKey is the bucket key for nil votes; block hashes are full sha256 outputs so
// the empty string can never collide with one
const nilVoteKey = ""

// newVoteSet() initializes an empty VoteSet over the validator set
func newVoteSet(vals lib.ValidatorSet) *VoteSet {
	return &VoteSet{
		vals:       vals,
		votes:      make(map[string]*Vote),
		powerByKey: make(map[string]uint64),
		votesByKey: make(map[string][]*Vote),
	}
}

// NewVotePool() initializes a VotePool from config
func NewVotePool(chainId uint64, config lib.ConsensusConfig, log lib.LoggerI) *VotePool {
	return &VotePool{
		chainId:        chainId,
		roundWindow:    config.RoundAcceptanceWindow,
		evidenceWindow: config.EvidenceWindowHeights,
		heights:        make(map[uint64]*heightVotes),
		log:            log,
	}
}

// SetHeight() begins accepting messages for a new height under the given validator set
// and evicts heights that fell out of the evidence window
func (p *VotePool) SetHeight(height uint64, vals lib.ValidatorSet) {
	p.currentHeight, p.currentRound = height, 0
	if _, ok := p.heights[height]; !ok {
		p.heights[height] = &heightVotes{
			vals:              vals,
			rounds:            make(map[uint64]*roundVotes),
			proposals:         make(map[uint64]*Proposal),
			proposalConflicts: make(map[uint64][]*ProposalConflict),
			byValidator:       make(map[string][]*Vote),
		}
	}
	// prune anything older than the evidence window
	if height > p.evidenceWindow {
		for h := range p.heights {
			if h < height-p.evidenceWindow {
				delete(p.heights, h)
			}
		}
	}
}

// SetRound() re-centers the round acceptance window
func (p *VotePool) SetRound(round uint64) { p.currentRound = round }

// SubmitVote() validates a vote and indexes it. A content-identical resubmission is a
// Duplicate no-op; a differing second vote from the same validator is recorded as a
// conflict and rejected, leaving the first vote authoritative
func (p *VotePool) SubmitVote(vote *Vote) (SubmitResult, lib.ErrorI) {
	return p.submitVote(vote, true)
}

// SubmitVoteVerified() indexes a vote whose signature the caller already verified on
// the parallel verification path; every other check still applies
func (p *VotePool) SubmitVoteVerified(vote *Vote) (SubmitResult, lib.ErrorI) {
	return p.submitVote(vote, false)
}

func (p *VotePool) submitVote(vote *Vote, verify bool) (SubmitResult, lib.ErrorI) {
	// stateless checks first
	if err := vote.CheckBasic(); err != nil {
		return Rejected, err
	}
	// only the tracked height accepts new messages
	hv, ok := p.heights[vote.Height]
	if !ok || vote.Height != p.currentHeight {
		return Rejected, ErrWrongHeight(vote.Height, p.currentHeight)
	}
	// enforce the round acceptance window
	if err := checkRoundWindow(vote.Round, p.currentRound, p.roundWindow); err != nil {
		return Rejected, err
	}
	// the signer must be a member of the set active at the height
	val, err := hv.vals.GetValidator(vote.ValidatorAddress)
	if err != nil {
		return Rejected, err
	}
	// verify the signature over the canonical payload
	if verify {
		if err = verifyVoteSignature(vote, val, p.chainId); err != nil {
			return Rejected, err
		}
	}
	// index into the (round, type) vote set
	voteSet := hv.voteSet(vote.Round, vote.Type)
	result, err := voteSet.add(vote, val)
	if result == Accepted {
		hv.byValidator[lib.BytesToString(vote.ValidatorAddress)] = append(hv.byValidator[lib.BytesToString(vote.ValidatorAddress)], vote)
	}
	return result, err
}

// SubmitProposal() validates a proposal and indexes it, first-valid-wins per round
func (p *VotePool) SubmitProposal(proposal *Proposal, expectedProposer []byte) (SubmitResult, lib.ErrorI) {
	return p.submitProposal(proposal, expectedProposer, true)
}

// SubmitProposalVerified() indexes a proposal whose signature the caller already
// verified on the parallel verification path
func (p *VotePool) SubmitProposalVerified(proposal *Proposal, expectedProposer []byte) (SubmitResult, lib.ErrorI) {
	return p.submitProposal(proposal, expectedProposer, false)
}

func (p *VotePool) submitProposal(proposal *Proposal, expectedProposer []byte, verify bool) (SubmitResult, lib.ErrorI) {
	if err := proposal.CheckBasic(); err != nil {
		return Rejected, err
	}
	hv, ok := p.heights[proposal.Height]
	if !ok || proposal.Height != p.currentHeight {
		return Rejected, ErrWrongHeight(proposal.Height, p.currentHeight)
	}
	if err := checkRoundWindow(proposal.Round, p.currentRound, p.roundWindow); err != nil {
		return Rejected, err
	}
	val, err := hv.vals.GetValidator(proposal.ProposerAddress)
	if err != nil {
		return Rejected, err
	}
	if verify {
		if err = verifyProposalSignature(proposal, val, p.chainId); err != nil {
			return Rejected, err
		}
	}
	// a signed proposal from the wrong validator is rejected before it is indexed, a
	// double proposal from the right one is the conflict case below
	if expectedProposer != nil && !bytes.Equal(proposal.ProposerAddress, expectedProposer) {
		return Rejected, ErrNotProposer(proposal.ProposerAddress)
	}
	if existing, found := hv.proposals[proposal.Round]; found {
		// idempotent retransmission
		if existing.Equals(proposal) {
			return Duplicate, nil
		}
		// a differing second proposal is a conflict; the first stays authoritative
		hv.proposalConflicts[proposal.Round] = append(hv.proposalConflicts[proposal.Round], &ProposalConflict{
			First:  existing,
			Second: proposal,
		})
		return Rejected, ErrConflictingProposal(proposal.ProposerAddress)
	}
	hv.proposals[proposal.Round] = proposal
	return Accepted, nil
}

// GetProposal() returns the authoritative proposal for a (height, round), nil if none
func (p *VotePool) GetProposal(height, round uint64) *Proposal {
	hv, ok := p.heights[height]
	if !ok {
		return nil
	}
	return hv.proposals[round]
}

// GetQuorum() sums voting power per block hash bucket (nil its own bucket) and returns
// the first bucket at or above the +2/3 threshold. The bool reports whether any bucket
// qualified; a true result with an empty hash is a nil-vote quorum
func (p *VotePool) GetQuorum(height, round uint64, voteType VoteType) (blockHash lib.HexBytes, power uint64, ok bool) {
	voteSet := p.voteSet(height, round, voteType)
	if voteSet == nil {
		return nil, 0, false
	}
	return voteSet.quorum()
}

// HasTwoThirdsAny() reports whether the combined counted power at (height, round, type)
// crossed +2/3 regardless of bucket, the trigger for the wait steps
func (p *VotePool) HasTwoThirdsAny(height, round uint64, voteType VoteType) bool {
	voteSet := p.voteSet(height, round, voteType)
	if voteSet == nil {
		return false
	}
	return voteSet.totalPower >= voteSet.vals.MinimumMaj23
}

// HigherRoundWithMinorityPower() returns the highest round above 'round' where counted
// voting power reached +1/3, the material for round catch-up. The bool reports whether
// any such round exists
func (p *VotePool) HigherRoundWithMinorityPower(height, round uint64) (uint64, bool) {
	hv, ok := p.heights[height]
	if !ok {
		return 0, false
	}
	best, found := uint64(0), false
	for r, rv := range hv.rounds {
		if r <= round {
			continue
		}
		combined := uint64(0)
		if rv.prevotes != nil {
			combined += rv.prevotes.totalPower
		}
		if rv.precommits != nil {
			combined += rv.precommits.totalPower
		}
		if combined >= hv.vals.MinorityBlock && (!found || r > best) {
			best, found = r, true
		}
	}
	return best, found
}

// MakeCommitCertificate() assembles the quorum certificate proving a non-nil precommit
// quorum formed at (height, round) for blockHash
func (p *VotePool) MakeCommitCertificate(height, round uint64, blockHash lib.HexBytes) (*QuorumCertificate, lib.ErrorI) {
	voteSet := p.voteSet(height, round, VoteTypePrecommit)
	if voteSet == nil {
		return nil, ErrNoMaj23()
	}
	key := lib.BytesToString(blockHash)
	if voteSet.powerByKey[key] < voteSet.vals.MinimumMaj23 {
		return nil, ErrNoMaj23()
	}
	votes := make([]*Vote, 0, len(voteSet.votesByKey[key]))
	for _, vote := range voteSet.votesByKey[key] {
		votes = append(votes, vote.Copy())
	}
	return &QuorumCertificate{
		Height:    height,
		Round:     round,
		BlockHash: append(lib.HexBytes{}, blockHash...),
		Votes:     votes,
	}, nil
}

// VoteConflicts() returns a snapshot of the conflicting vote pairs recorded at a height
func (p *VotePool) VoteConflicts(height uint64) (out []*VoteConflict) {
	hv, ok := p.heights[height]
	if !ok {
		return nil
	}
	for _, rv := range hv.rounds {
		if rv.prevotes != nil {
			out = append(out, rv.prevotes.conflicts...)
		}
		if rv.precommits != nil {
			out = append(out, rv.precommits.conflicts...)
		}
	}
	return
}

// ProposalConflicts() returns a snapshot of the conflicting proposal pairs at a height
func (p *VotePool) ProposalConflicts(height uint64) (out []*ProposalConflict) {
	hv, ok := p.heights[height]
	if !ok {
		return nil
	}
	for _, conflicts := range hv.proposalConflicts {
		out = append(out, conflicts...)
	}
	return
}

// Precommitted() reports whether the validator contributed a counted precommit at any
// round of the height, the participation signal the downtime scan consumes
func (p *VotePool) Precommitted(height uint64, address []byte) bool {
	hv, ok := p.heights[height]
	if !ok {
		return false
	}
	for _, vote := range hv.byValidator[lib.BytesToString(address)] {
		if vote.Type == VoteTypePrecommit {
			return true
		}
	}
	return false
}

// Validators() returns the validator set the pool holds for a height
func (p *VotePool) Validators(height uint64) (lib.ValidatorSet, lib.ErrorI) {
	hv, ok := p.heights[height]
	if !ok {
		return lib.ValidatorSet{}, ErrUnknownHeight(height)
	}
	return hv.vals, nil
}

// voteSet() resolves the (height, round, type) set, nil if nothing was indexed there
func (p *VotePool) voteSet(height, round uint64, voteType VoteType) *VoteSet {
	hv, ok := p.heights[height]
	if !ok {
		return nil
	}
	rv, ok := hv.rounds[round]
	if !ok {
		return nil
	}
	if voteType == VoteTypePrevote {
		return rv.prevotes
	}
	return rv.precommits
}

// voteSet() resolves or creates the (round, type) set within the height
func (hv *heightVotes) voteSet(round uint64, voteType VoteType) *VoteSet {
	rv, ok := hv.rounds[round]
	if !ok {
		rv = &roundVotes{}
		hv.rounds[round] = rv
	}
	if voteType == VoteTypePrevote {
		if rv.prevotes == nil {
			rv.prevotes = newVoteSet(hv.vals)
		}
		return rv.prevotes
	}
	if rv.precommits == nil {
		rv.precommits = newVoteSet(hv.vals)
	}
	return rv.precommits
}

// add() applies the first-valid-vote-wins discipline and updates the power buckets
func (vs *VoteSet) add(vote *Vote, val *lib.Validator) (SubmitResult, lib.ErrorI) {
	addr := lib.BytesToString(vote.ValidatorAddress)
	if existing, found := vs.votes[addr]; found {
		// idempotent retransmission
		if existing.Equals(vote) {
			return Duplicate, nil
		}
		// differing second vote: record the conflict, never count it
		vs.conflicts = append(vs.conflicts, &VoteConflict{First: existing, Second: vote})
		return Rejected, ErrConflictingVote(vote.ValidatorAddress)
	}
	key := lib.BytesToString(vote.BlockHash)
	vs.votes[addr] = vote
	vs.powerByKey[key] += val.VotingPower
	vs.votesByKey[key] = append(vs.votesByKey[key], vote)
	vs.totalPower += val.VotingPower
	return Accepted, nil
}

// quorum() returns the bucket whose power crossed the +2/3 threshold, if any
func (vs *VoteSet) quorum() (blockHash lib.HexBytes, power uint64, ok bool) {
	for key, bucketPower := range vs.powerByKey {
		if bucketPower >= vs.vals.MinimumMaj23 {
			if key == nilVoteKey {
				return nil, bucketPower, true
			}
			// any counted vote in the bucket carries the bucket's hash
			return append(lib.HexBytes{}, vs.votesByKey[key][0].BlockHash...), bucketPower, true
		}
	}
	return nil, 0, false
}
