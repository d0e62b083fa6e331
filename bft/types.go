package bft

import (
	"bytes"
	"time"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
)

// Step identifies the phase the state machine occupies within a round. Each phase arms
// its deadline on entry; timer expiry is the only forced advancement, quorum formation
// the only early one
type Step uint8

const (
	StepNewRound  Step = iota // about to enter a round
	StepPropose               // waiting for a valid proposal or the propose timeout
	StepPrevote               // prevote broadcast, waiting on a polka or the prevote timeout
	StepPrecommit             // precommit broadcast, waiting on a precommit quorum or the precommit timeout
	StepCommit                // a non-nil precommit quorum formed, the height is decided
)

// String() returns the log name of the step
func (s Step) String() string {
	switch s {
	case StepNewRound:
		return "NEW-ROUND"
	case StepPropose:
		return "PROPOSE"
	case StepPrevote:
		return "PREVOTE"
	case StepPrecommit:
		return "PRECOMMIT"
	case StepCommit:
		return "COMMIT"
	}
	return "UNKNOWN"
}

// VoteType distinguishes the two voting phases of a round
type VoteType uint8

const (
	VoteTypePrevote   VoteType = 1
	VoteTypePrecommit VoteType = 2
)

// String() returns the log name of the vote type
func (t VoteType) String() string {
	switch t {
	case VoteTypePrevote:
		return "prevote"
	case VoteTypePrecommit:
		return "precommit"
	}
	return "unknown"
}

// Signature is a public key and signature pair attached to consensus messages
type Signature struct {
	PublicKey lib.HexBytes `json:"publicKey"` // the BLS public key of the signer
	Signature lib.HexBytes `json:"signature"` // the signature output over the sign bytes
}

// CheckBasic() sanity checks the signature pair without verifying it
func (s *Signature) CheckBasic() lib.ErrorI {
	if s == nil || len(s.Signature) == 0 {
		return ErrInvalidVoteSignature()
	}
	if len(s.PublicKey) != crypto.BLS12381PubKeySize {
		return ErrInvalidVoteSignature()
	}
	if len(s.Signature) != crypto.BLS12381SignatureSize {
		return ErrInvalidSignatureLength()
	}
	return nil
}

// Copy() returns a deep copy of the Signature
func (s *Signature) Copy() *Signature {
	if s == nil {
		return nil
	}
	return &Signature{
		PublicKey: append(lib.HexBytes{}, s.PublicKey...),
		Signature: append(lib.HexBytes{}, s.Signature...),
	}
}

// NoPolRound marks a proposal that claims no prior prevote quorum for its value
const NoPolRound = int64(-1)

// Proposal is the message the round's proposer broadcasts to put a block up for voting.
// PolRound carries the round of a claimed prior prevote quorum so locked replicas may
// safely release onto the re-proposed value
type Proposal struct {
	Height          uint64       `json:"height"`          // the consensus instance this proposal targets
	Round           uint64       `json:"round"`           // the round within the height
	BlockHash       lib.HexBytes `json:"blockHash"`       // the hash of the proposed block
	Block           lib.HexBytes `json:"block"`           // the opaque block payload produced by the executor
	ProposerAddress lib.HexBytes `json:"proposerAddress"` // the address of the proposer
	PolRound        int64        `json:"polRound"`        // the proof-of-lock round, NoPolRound if none is claimed
	Signature       *Signature   `json:"signature"`       // the proposer's signature over the sign bytes
}

// proposalSignPayload is the canonical signature scope of a Proposal; field order is
// fixed by the struct declaration so every node derives identical sign bytes
type proposalSignPayload struct {
	MessageType string       `json:"messageType"`
	ChainId     uint64       `json:"chainId"`
	Height      uint64       `json:"height"`
	Round       uint64       `json:"round"`
	PolRound    int64        `json:"polRound"`
	BlockHash   lib.HexBytes `json:"blockHash"`
}

// SignBytes() returns the canonical bytes the proposer signs
func (p *Proposal) SignBytes(chainId uint64) ([]byte, lib.ErrorI) {
	return lib.Marshal(proposalSignPayload{
		MessageType: "proposal",
		ChainId:     chainId,
		Height:      p.Height,
		Round:       p.Round,
		PolRound:    p.PolRound,
		BlockHash:   p.BlockHash,
	})
}

// Sign() populates the signature field using the private key
func (p *Proposal) Sign(privateKey crypto.PrivateKeyI, chainId uint64) lib.ErrorI {
	signBytes, err := p.SignBytes(chainId)
	if err != nil {
		return err
	}
	p.Signature = &Signature{
		PublicKey: privateKey.PublicKey().Bytes(),
		Signature: privateKey.Sign(signBytes),
	}
	return nil
}

// CheckBasic() stateless sanity checks on the proposal
func (p *Proposal) CheckBasic() lib.ErrorI {
	if p == nil {
		return ErrEmptyProposal()
	}
	if len(p.BlockHash) != crypto.HashSize {
		return ErrEmptyBlockHash()
	}
	if len(p.ProposerAddress) != crypto.AddressSize {
		return ErrEmptyProposal()
	}
	if p.PolRound != NoPolRound && (p.PolRound < 0 || uint64(p.PolRound) >= p.Round) {
		return ErrInvalidPolRound()
	}
	return p.Signature.CheckBasic()
}

// Equals() compares the signed content of two proposals, signature included
func (p *Proposal) Equals(other *Proposal) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Height != other.Height || p.Round != other.Round || p.PolRound != other.PolRound {
		return false
	}
	if !bytes.Equal(p.BlockHash, other.BlockHash) || !bytes.Equal(p.ProposerAddress, other.ProposerAddress) {
		return false
	}
	if p.Signature == nil || other.Signature == nil {
		return p.Signature == other.Signature
	}
	return bytes.Equal(p.Signature.Signature, other.Signature.Signature)
}

// Copy() returns a deep copy of the Proposal
func (p *Proposal) Copy() *Proposal {
	if p == nil {
		return nil
	}
	return &Proposal{
		Height:          p.Height,
		Round:           p.Round,
		BlockHash:       append(lib.HexBytes{}, p.BlockHash...),
		Block:           append(lib.HexBytes{}, p.Block...),
		ProposerAddress: append(lib.HexBytes{}, p.ProposerAddress...),
		PolRound:        p.PolRound,
		Signature:       p.Signature.Copy(),
	}
}

// Vote is a single validator's prevote or precommit. A nil BlockHash is a valid 'nil
// vote' that counts toward its own quorum bucket
type Vote struct {
	Height           uint64       `json:"height"`           // the consensus instance this vote targets
	Round            uint64       `json:"round"`            // the round within the height
	Type             VoteType     `json:"type"`             // prevote or precommit
	BlockHash        lib.HexBytes `json:"blockHash"`        // the voted hash, empty for a nil vote
	ValidatorAddress lib.HexBytes `json:"validatorAddress"` // the address of the voter
	Signature        *Signature   `json:"signature"`        // the voter's signature over the sign bytes
}

// voteSignPayload is the canonical signature scope of a Vote; the explicit scope blocks
// replay of a prevote as a precommit or across chains, heights, and rounds
type voteSignPayload struct {
	MessageType string       `json:"messageType"`
	ChainId     uint64       `json:"chainId"`
	Height      uint64       `json:"height"`
	Round       uint64       `json:"round"`
	Type        VoteType     `json:"type"`
	BlockHash   lib.HexBytes `json:"blockHash"`
}

// SignBytes() returns the canonical bytes the validator signs
func (v *Vote) SignBytes(chainId uint64) ([]byte, lib.ErrorI) {
	return lib.Marshal(voteSignPayload{
		MessageType: "vote",
		ChainId:     chainId,
		Height:      v.Height,
		Round:       v.Round,
		Type:        v.Type,
		BlockHash:   v.BlockHash,
	})
}

// Sign() populates the signature field using the private key
func (v *Vote) Sign(privateKey crypto.PrivateKeyI, chainId uint64) lib.ErrorI {
	signBytes, err := v.SignBytes(chainId)
	if err != nil {
		return err
	}
	v.Signature = &Signature{
		PublicKey: privateKey.PublicKey().Bytes(),
		Signature: privateKey.Sign(signBytes),
	}
	return nil
}

// CheckBasic() stateless sanity checks on the vote
func (v *Vote) CheckBasic() lib.ErrorI {
	if v == nil {
		return ErrEmptyMessage()
	}
	if v.Type != VoteTypePrevote && v.Type != VoteTypePrecommit {
		return ErrUnknownVoteType(v.Type)
	}
	// a nil vote carries an empty hash; anything else must be a full hash
	if len(v.BlockHash) != 0 && len(v.BlockHash) != crypto.HashSize {
		return ErrEmptyBlockHash()
	}
	if len(v.ValidatorAddress) != crypto.AddressSize {
		return ErrEmptyMessage()
	}
	return v.Signature.CheckBasic()
}

// IsNil() returns true if this is a nil vote
func (v *Vote) IsNil() bool { return len(v.BlockHash) == 0 }

// Equals() compares the signed content of two votes, signature included
func (v *Vote) Equals(other *Vote) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.Height != other.Height || v.Round != other.Round || v.Type != other.Type {
		return false
	}
	if !bytes.Equal(v.BlockHash, other.BlockHash) || !bytes.Equal(v.ValidatorAddress, other.ValidatorAddress) {
		return false
	}
	if v.Signature == nil || other.Signature == nil {
		return v.Signature == other.Signature
	}
	return bytes.Equal(v.Signature.Signature, other.Signature.Signature)
}

// Copy() returns a deep copy of the Vote
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	return &Vote{
		Height:           v.Height,
		Round:            v.Round,
		Type:             v.Type,
		BlockHash:        append(lib.HexBytes{}, v.BlockHash...),
		ValidatorAddress: append(lib.HexBytes{}, v.ValidatorAddress...),
		Signature:        v.Signature.Copy(),
	}
}

// QuorumCertificate proves a block hash gathered precommits worth more than two-thirds
// of the voting power at its height. It is the commit proof handed to the block store
type QuorumCertificate struct {
	Height    uint64       `json:"height"`    // the committed height
	Round     uint64       `json:"round"`     // the round the quorum formed in
	BlockHash lib.HexBytes `json:"blockHash"` // the committed block hash
	Votes     []*Vote      `json:"votes"`     // the precommits whose combined power crossed the threshold
}

// CheckBasic() stateless sanity checks on the certificate
func (qc *QuorumCertificate) CheckBasic() lib.ErrorI {
	if qc == nil {
		return ErrEmptyQuorumCertificate()
	}
	if len(qc.BlockHash) != crypto.HashSize {
		return ErrInvalidQuorumCertificate("empty block hash")
	}
	if len(qc.Votes) == 0 {
		return ErrInvalidQuorumCertificate("no votes")
	}
	return nil
}

// Check() fully validates the certificate against the validator set active at its
// height: every vote must be a correctly signed precommit for the certificate's block
// hash from a distinct set member, and the combined power must reach +2/3
func (qc *QuorumCertificate) Check(vals lib.ValidatorSet, chainId uint64) lib.ErrorI {
	if err := qc.CheckBasic(); err != nil {
		return err
	}
	seen, power := lib.NewDeDuplicator[string](), uint64(0)
	for _, vote := range qc.Votes {
		if err := vote.CheckBasic(); err != nil {
			return err
		}
		if vote.Height != qc.Height || vote.Round != qc.Round || vote.Type != VoteTypePrecommit {
			return ErrInvalidQuorumCertificate("vote outside certificate scope")
		}
		if !bytes.Equal(vote.BlockHash, qc.BlockHash) {
			return ErrInvalidQuorumCertificate("vote for a different block hash")
		}
		// each member may contribute once
		if seen.Found(lib.BytesToString(vote.ValidatorAddress)) {
			return ErrInvalidQuorumCertificate("duplicate signer")
		}
		val, err := vals.GetValidator(vote.ValidatorAddress)
		if err != nil {
			return ErrInvalidQuorumCertificate("signer not in the validator set")
		}
		if err = verifyVoteSignature(vote, val, chainId); err != nil {
			return err
		}
		power += val.VotingPower
	}
	if power < vals.MinimumMaj23 {
		return ErrInvalidQuorumCertificate("insufficient voting power")
	}
	return nil
}

// EvidenceKind categorizes the misbehavior a piece of evidence proves
type EvidenceKind uint8

const (
	EvidenceEquivocation   EvidenceKind = 1 // two differing votes for one (height, round, type)
	EvidenceDoubleProposal EvidenceKind = 2 // two differing proposals for one (height, round)
	EvidenceDowntime       EvidenceKind = 3 // absent from precommits across the configured window
)

// String() returns the metric / log label of the evidence kind
func (k EvidenceKind) String() string {
	switch k {
	case EvidenceEquivocation:
		return "equivocation"
	case EvidenceDoubleProposal:
		return "double_proposal"
	case EvidenceDowntime:
		return "downtime"
	}
	return "unknown"
}

// Evidence is an immutable record of detected misbehavior. For equivocation and double
// proposals it carries both conflicting signed messages as cryptographic proof; for
// downtime it carries the span of missed heights
type Evidence struct {
	Kind             EvidenceKind `json:"kind"`                // the category of misbehavior
	ValidatorAddress lib.HexBytes `json:"validatorAddress"`    // the offending validator
	Height           uint64       `json:"height"`              // the height the misbehavior occurred at
	Round            uint64       `json:"round"`               // the round the misbehavior occurred at, 0 for downtime
	VoteA            *Vote        `json:"voteA,omitempty"`     // first conflicting vote (equivocation)
	VoteB            *Vote        `json:"voteB,omitempty"`     // second conflicting vote (equivocation)
	ProposalA        *Proposal    `json:"proposalA,omitempty"` // first conflicting proposal (double proposal)
	ProposalB        *Proposal    `json:"proposalB,omitempty"` // second conflicting proposal (double proposal)
	MissedHeights    uint64       `json:"missedHeights"`       // consecutive heights missed (downtime)
	Timestamp        time.Time    `json:"timestamp"`           // local detection time, excluded from the content hash
}

// evidenceContent is the hash scope of an Evidence record; the timestamp is excluded so
// two nodes detecting the same pair derive the same identity
type evidenceContent struct {
	Kind             EvidenceKind `json:"kind"`
	ValidatorAddress lib.HexBytes `json:"validatorAddress"`
	Height           uint64       `json:"height"`
	Round            uint64       `json:"round"`
	VoteA            *Vote        `json:"voteA,omitempty"`
	VoteB            *Vote        `json:"voteB,omitempty"`
	ProposalA        *Proposal    `json:"proposalA,omitempty"`
	ProposalB        *Proposal    `json:"proposalB,omitempty"`
	MissedHeights    uint64       `json:"missedHeights"`
}

// Hash() returns the content identity of the evidence used for deduplication
func (e *Evidence) Hash() ([]byte, lib.ErrorI) {
	bz, err := lib.Marshal(evidenceContent{
		Kind:             e.Kind,
		ValidatorAddress: e.ValidatorAddress,
		Height:           e.Height,
		Round:            e.Round,
		VoteA:            e.VoteA,
		VoteB:            e.VoteB,
		ProposalA:        e.ProposalA,
		ProposalB:        e.ProposalB,
		MissedHeights:    e.MissedHeights,
	})
	if err != nil {
		return nil, err
	}
	return crypto.Hash(bz), nil
}

// CheckBasic() stateless sanity checks on the evidence
func (e *Evidence) CheckBasic() lib.ErrorI {
	if e == nil {
		return ErrInvalidEvidence("empty")
	}
	if len(e.ValidatorAddress) != crypto.AddressSize {
		return ErrInvalidEvidence("empty validator address")
	}
	switch e.Kind {
	case EvidenceEquivocation:
		if e.VoteA == nil || e.VoteB == nil {
			return ErrInvalidEvidence("equivocation requires both conflicting votes")
		}
	case EvidenceDoubleProposal:
		if e.ProposalA == nil || e.ProposalB == nil {
			return ErrInvalidEvidence("double proposal requires both conflicting proposals")
		}
	case EvidenceDowntime:
		if e.MissedHeights == 0 {
			return ErrInvalidEvidence("downtime requires a missed height span")
		}
	default:
		return ErrInvalidEvidence("unknown kind")
	}
	return nil
}

// Message is the wire envelope for consensus traffic, a tagged union of the two
// message classes
type Message struct {
	Proposal *Proposal `json:"proposal,omitempty"` // set when the message carries a proposal
	Vote     *Vote     `json:"vote,omitempty"`     // set when the message carries a vote
}

// CheckBasic() ensures exactly one class is populated and checks it
func (m *Message) CheckBasic() lib.ErrorI {
	if m == nil {
		return ErrEmptyMessage()
	}
	switch {
	case m.Proposal != nil && m.Vote != nil:
		return ErrUnknownConsensusMsg(m)
	case m.Proposal != nil:
		return m.Proposal.CheckBasic()
	case m.Vote != nil:
		return m.Vote.CheckBasic()
	}
	return ErrEmptyMessage()
}
