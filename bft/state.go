package bft

import (
	"bytes"
	"time"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
)

/* This file implements the round state machine: phase transitions, the locking rule,
and the timeout schedule. All mutation runs on the driver's single loop */

// NoLockRound marks a state that holds no lock and no valid value
const NoLockRound = int64(-1)

// RoundState is the complete mutable state of one consensus instance. It is owned by
// the state machine, mutated only by validated messages and timer events, and read by
// the driver for telemetry
type RoundState struct {
	Height      uint64       `json:"height"`      // the consensus instance being decided
	Round       uint64       `json:"round"`       // the current attempt within the height
	Step        Step         `json:"step"`        // the current phase within the round
	Proposal    *Proposal    `json:"proposal"`    // the authoritative proposal for the current round
	LockedValue *Proposal    `json:"lockedValue"` // the proposal this node precommitted, constrains future precommits
	LockedRound int64        `json:"lockedRound"` // the round the lock was taken, NoLockRound if unlocked
	ValidValue  *Proposal    `json:"validValue"`  // the most recent proposal known to have a polka
	ValidRound  int64        `json:"validRound"`  // the round of that polka, NoLockRound if none
	Deadline    time.Time    `json:"deadline"`    // when the current phase times out
	HeightStart time.Time    `json:"heightStart"` // when the height began, for commit latency telemetry
	CommitHash  lib.HexBytes `json:"commitHash"`  // the decided block hash once Step reaches Commit
}

// CommitFn is invoked exactly once per height when a non-nil precommit quorum forms;
// the driver persists the block and begins the next height
type CommitFn func(proposal *Proposal, round uint64)

// RoundStateMachine drives one height at a time through Propose, Prevote, Precommit,
// and Commit, enforcing the locking rule that keeps two conflicting values from ever
// both reaching a precommit quorum
type RoundStateMachine struct {
	chainId    uint64
	config     lib.ConsensusConfig
	privateKey crypto.PrivateKeyI // nil when running as a non-voting observer
	address    lib.HexBytes
	pool       *VotePool
	scheduler  *ProposerScheduler
	executor   BlockExecutor
	network    NetworkService
	onCommit   CommitFn
	state      RoundState
	log        lib.LoggerI
}

// NewRoundStateMachine() wires the state machine to its collaborators
func NewRoundStateMachine(chainId uint64, config lib.ConsensusConfig, privateKey crypto.PrivateKeyI,
	pool *VotePool, executor BlockExecutor, network NetworkService, onCommit CommitFn, log lib.LoggerI) *RoundStateMachine {
	sm := &RoundStateMachine{
		chainId:    chainId,
		config:     config,
		privateKey: privateKey,
		pool:       pool,
		executor:   executor,
		network:    network,
		onCommit:   onCommit,
		log:        log,
	}
	if privateKey != nil {
		sm.address = privateKey.PublicKey().Address().Bytes()
	}
	return sm
}

// State() returns a copy of the current round state
func (sm *RoundStateMachine) State() RoundState { return sm.state }

// Scheduler() returns the proposer schedule for the current height
func (sm *RoundStateMachine) Scheduler() *ProposerScheduler { return sm.scheduler }

// BeginHeight() resets the machine for a fresh consensus instance and enters round 0.
// Locks never survive a height: they protect rounds of one instance only
func (sm *RoundStateMachine) BeginHeight(height uint64, vals lib.ValidatorSet, now time.Time) {
	sm.scheduler = NewProposerScheduler(vals)
	sm.state = RoundState{
		Height:      height,
		LockedRound: NoLockRound,
		ValidRound:  NoLockRound,
		HeightStart: now,
	}
	sm.enterRound(0, now)
}

// enterRound() begins a round attempt at the current height: the step returns to
// Propose and the propose deadline is armed with the round-scaled schedule
func (sm *RoundStateMachine) enterRound(round uint64, now time.Time) {
	sm.state.Round, sm.state.Step, sm.state.Proposal = round, StepPropose, nil
	sm.state.Deadline = now.Add(sm.timeout(sm.config.ProposeTimeoutMS, sm.config.ProposeTimeoutDeltaMS, round))
	sm.pool.SetRound(round)
	sm.log.Infof("Entering height %d round %d", sm.state.Height, round)
	// the proposal may have been indexed before the round was entered
	sm.tryProposalStep(now)
}

// timeout() computes base + round*delta for a phase
func (sm *RoundStateMachine) timeout(baseMS, deltaMS int, round uint64) time.Duration {
	return time.Duration(baseMS)*time.Millisecond + time.Duration(round)*time.Duration(deltaMS)*time.Millisecond
}

// Evaluate() re-checks every quorum-driven transition after the pool accepted a new
// message. It is safe to call at any time; quorum outcomes are order-independent
func (sm *RoundStateMachine) Evaluate(now time.Time) {
	if sm.state.Step == StepCommit {
		return
	}
	// catch-up: +1/3 of the power voting at a higher round proves the network moved on
	if higher, ok := sm.pool.HigherRoundWithMinorityPower(sm.state.Height, sm.state.Round); ok {
		sm.log.Infof("Catching up from round %d to round %d", sm.state.Round, higher)
		sm.enterRound(higher, now)
	}
	// a newer-round polka for a different value releases the lock
	sm.maybeReleaseLock()
	// track the most recent polka value for safe re-proposal
	sm.updateValidValue()
	// phase transitions
	sm.tryProposalStep(now)
	sm.tryPrevoteQuorum(now)
	sm.tryPrecommitQuorum(now)
}

// Tick() applies the timeout schedule; timer expiry is the only forced advancement
func (sm *RoundStateMachine) Tick(now time.Time) {
	if sm.state.Step == StepCommit || sm.state.Step == StepNewRound {
		return
	}
	if now.Before(sm.state.Deadline) {
		return
	}
	switch sm.state.Step {
	case StepPropose:
		// no valid proposal in time: prevote nil
		sm.log.Warnf("Propose timeout at height %d round %d", sm.state.Height, sm.state.Round)
		sm.broadcastVote(VoteTypePrevote, nil)
		sm.toStep(StepPrevote, now)
	case StepPrevote:
		// no polka in time: precommit nil, the lock (if any) is untouched
		sm.log.Warnf("Prevote timeout at height %d round %d", sm.state.Height, sm.state.Round)
		sm.broadcastVote(VoteTypePrecommit, nil)
		sm.toStep(StepPrecommit, now)
	case StepPrecommit:
		// no precommit quorum in time: next round, same height
		sm.log.Warnf("Precommit timeout at height %d round %d", sm.state.Height, sm.state.Round)
		sm.enterRound(sm.state.Round+1, now)
	}
}

// tryProposalStep() consumes the authoritative proposal for the current round while in
// the Propose step, deciding the prevote under the locking rule
func (sm *RoundStateMachine) tryProposalStep(now time.Time) {
	if sm.state.Step != StepPropose {
		return
	}
	proposal := sm.pool.GetProposal(sm.state.Height, sm.state.Round)
	if proposal == nil {
		return
	}
	sm.state.Proposal = proposal
	sm.broadcastVote(VoteTypePrevote, sm.decidePrevote(proposal))
	sm.toStep(StepPrevote, now)
}

// decidePrevote() returns the hash to prevote for a proposal, nil to prevote nil.
// A nil prevote results from an invalid block or from a lock on a different value
// that the proposal's proof-of-lock cannot release
func (sm *RoundStateMachine) decidePrevote(proposal *Proposal) lib.HexBytes {
	// an invalid block gets a nil prevote, never an engine fault
	if err := sm.executor.ValidateBlock(proposal.Block); err != nil {
		sm.log.Warnf("Invalid block proposed at height %d round %d: %s", proposal.Height, proposal.Round, err.Error())
		return nil
	}
	// the proposed hash must commit to the block payload
	if !bytes.Equal(proposal.BlockHash, crypto.Hash(proposal.Block)) {
		sm.log.Warnf("Proposal hash does not match block at height %d round %d", proposal.Height, proposal.Round)
		return nil
	}
	// unlocked: free to prevote the proposal
	if sm.state.LockedRound == NoLockRound {
		return proposal.BlockHash
	}
	// locked on the same value: safe
	if bytes.Equal(sm.state.LockedValue.BlockHash, proposal.BlockHash) {
		return proposal.BlockHash
	}
	// locked on a different value: only a proven newer-round polka may release it
	if proposal.PolRound > sm.state.LockedRound {
		hash, _, ok := sm.pool.GetQuorum(sm.state.Height, uint64(proposal.PolRound), VoteTypePrevote)
		if ok && bytes.Equal(hash, proposal.BlockHash) {
			sm.log.Infof("Releasing lock from round %d via proof-of-lock round %d", sm.state.LockedRound, proposal.PolRound)
			sm.state.LockedValue, sm.state.LockedRound = nil, NoLockRound
			return proposal.BlockHash
		}
	}
	return nil
}

// tryPrevoteQuorum() advances Prevote once a polka forms at the current round: a
// non-nil polka locks the value and precommits it, a nil polka precommits nil
func (sm *RoundStateMachine) tryPrevoteQuorum(now time.Time) {
	if sm.state.Step != StepPrevote {
		return
	}
	hash, power, ok := sm.pool.GetQuorum(sm.state.Height, sm.state.Round, VoteTypePrevote)
	if !ok {
		return
	}
	if len(hash) == 0 {
		// polka on nil: give up on this round's value without touching the lock
		sm.broadcastVote(VoteTypePrecommit, nil)
		sm.toStep(StepPrecommit, now)
		return
	}
	// the polka must correspond to the authoritative proposal to be actionable: a
	// precommit without the block behind it could decide a value this node cannot
	// execute
	proposal := sm.pool.GetProposal(sm.state.Height, sm.state.Round)
	if proposal == nil || !bytes.Equal(proposal.BlockHash, hash) {
		sm.broadcastVote(VoteTypePrecommit, nil)
		sm.toStep(StepPrecommit, now)
		return
	}
	sm.log.Infof("Polka for %s with power %d at height %d round %d",
		lib.BytesToTruncatedString(hash), power, sm.state.Height, sm.state.Round)
	// lock and precommit
	sm.state.LockedValue, sm.state.LockedRound = proposal, int64(sm.state.Round)
	sm.state.ValidValue, sm.state.ValidRound = proposal, int64(sm.state.Round)
	sm.broadcastVote(VoteTypePrecommit, hash)
	sm.toStep(StepPrecommit, now)
}

// tryPrecommitQuorum() finalizes the height once a non-nil precommit quorum forms at
// any round of the height. The scan starts at round 0: a quorum can complete at a
// round this node already timed out of, when the last precommit arrives late
func (sm *RoundStateMachine) tryPrecommitQuorum(now time.Time) {
	if sm.state.Step == StepCommit {
		return
	}
	for round := uint64(0); round <= sm.state.Round+sm.config.RoundAcceptanceWindow; round++ {
		hash, _, ok := sm.pool.GetQuorum(sm.state.Height, round, VoteTypePrecommit)
		if !ok || len(hash) == 0 {
			continue
		}
		proposal := sm.pool.GetProposal(sm.state.Height, round)
		if proposal == nil || !bytes.Equal(proposal.BlockHash, hash) {
			// decided without the block in hand; the driver cannot execute it yet
			sm.log.Warnf("Precommit quorum for %s at height %d round %d without its proposal",
				lib.BytesToTruncatedString(hash), sm.state.Height, round)
			continue
		}
		sm.state.Step, sm.state.CommitHash = StepCommit, proposal.BlockHash
		sm.log.Infof("Committing %s at height %d round %d",
			lib.BytesToTruncatedString(hash), sm.state.Height, round)
		sm.onCommit(proposal, round)
		return
	}
}

// maybeReleaseLock() applies the unlock rule: observing a prevote quorum for a
// different value in a round newer than the locked round releases the lock
func (sm *RoundStateMachine) maybeReleaseLock() {
	if sm.state.LockedRound == NoLockRound {
		return
	}
	for round := uint64(sm.state.LockedRound) + 1; round <= sm.state.Round+sm.config.RoundAcceptanceWindow; round++ {
		hash, _, ok := sm.pool.GetQuorum(sm.state.Height, round, VoteTypePrevote)
		if !ok || len(hash) == 0 {
			continue
		}
		if !bytes.Equal(hash, sm.state.LockedValue.BlockHash) {
			sm.log.Infof("Newer polka at round %d releases lock from round %d", round, sm.state.LockedRound)
			sm.state.LockedValue, sm.state.LockedRound = nil, NoLockRound
			return
		}
	}
}

// updateValidValue() records the most recent non-nil polka whose proposal is known, the
// value a future proposer of this height must re-propose
func (sm *RoundStateMachine) updateValidValue() {
	for round := sm.state.Round; round <= sm.state.Round+sm.config.RoundAcceptanceWindow; round++ {
		hash, _, ok := sm.pool.GetQuorum(sm.state.Height, round, VoteTypePrevote)
		if !ok || len(hash) == 0 {
			continue
		}
		proposal := sm.pool.GetProposal(sm.state.Height, round)
		if proposal == nil || !bytes.Equal(proposal.BlockHash, hash) {
			continue
		}
		if int64(round) > sm.state.ValidRound {
			sm.state.ValidValue, sm.state.ValidRound = proposal, int64(round)
		}
	}
}

// toStep() advances the phase and arms its deadline
func (sm *RoundStateMachine) toStep(step Step, now time.Time) {
	sm.state.Step = step
	switch step {
	case StepPrevote:
		sm.state.Deadline = now.Add(sm.timeout(sm.config.PrevoteTimeoutMS, sm.config.PrevoteTimeoutDeltaMS, sm.state.Round))
	case StepPrecommit:
		sm.state.Deadline = now.Add(sm.timeout(sm.config.PrecommitTimeoutMS, sm.config.PrecommitTimeoutDeltaMS, sm.state.Round))
	}
	// the new phase may already hold its quorum
	switch step {
	case StepPrevote:
		sm.tryPrevoteQuorum(now)
	case StepPrecommit:
		sm.tryPrecommitQuorum(now)
	}
}

// broadcastVote() signs, self-submits, and broadcasts this node's vote for the current
// (height, round). A nil blockHash is a nil vote. Observers without a key skip voting
func (sm *RoundStateMachine) broadcastVote(voteType VoteType, blockHash lib.HexBytes) {
	if sm.privateKey == nil {
		return
	}
	vote := &Vote{
		Height:           sm.state.Height,
		Round:            sm.state.Round,
		Type:             voteType,
		BlockHash:        blockHash,
		ValidatorAddress: sm.address,
	}
	if err := vote.Sign(sm.privateKey, sm.chainId); err != nil {
		sm.log.Errorf("Failed to sign %s: %s", voteType, err.Error())
		return
	}
	// count our own vote before gossiping it
	if _, err := sm.pool.SubmitVote(vote); err != nil {
		sm.log.Warnf("Own %s not counted: %s", voteType, err.Error())
	}
	sm.network.Broadcast(&Message{Vote: vote})
	sm.log.Debugf("Broadcast %s for %s at height %d round %d",
		voteType, lib.BytesToTruncatedString(blockHash), sm.state.Height, sm.state.Round)
}
