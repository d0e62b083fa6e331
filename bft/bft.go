package bft

import (
	"context"
	"runtime"
	"time"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
	"golang.org/x/sync/errgroup"
)

/* This file implements the consensus driver: the single serialized loop that owns the
state machine, plus the external ports everything outside the core plugs into */

// ValidatorSource supplies the weighted validator set active at a height. The core is
// agnostic to how the weights are derived
type ValidatorSource interface {
	CurrentValidators(height uint64) (lib.ValidatorSet, lib.ErrorI)
}

// NetworkService carries consensus messages between peers; inbound delivery feeds
// HandleMessage, outbound goes through Broadcast
type NetworkService interface {
	Broadcast(message *Message)
}

// BlockStore receives every committed block together with its commit certificate
type BlockStore interface {
	StoreCommitted(height uint64, blockHash lib.HexBytes, certificate *QuorumCertificate) lib.ErrorI
	LastCommittedHeight() (uint64, lib.ErrorI)
}

// BlockExecutor produces block payloads when this node proposes and validates payloads
// before the node prevotes them
type BlockExecutor interface {
	ProposeBlock(height uint64) (block lib.HexBytes, err lib.ErrorI)
	ValidateBlock(block lib.HexBytes) lib.ErrorI
}

// SlashingModule receives evidence of validator misbehavior
type SlashingModule interface {
	SubmitEvidence(evidence *Evidence) error
}

// livenessAlertRound is the round at which the quorum-unreachable gauge is raised;
// reaching it means several full timeout schedules elapsed without agreement
const livenessAlertRound = uint64(3)

// ConsensusDriver orchestrates the vote pool, state machine, scheduler, and fault
// detector against the external ports. All state mutation is serialized through
// HandleMessage and Tick; only signature verification runs in parallel ahead of them
type ConsensusDriver struct {
	chainId    uint64
	config     lib.Config
	privateKey crypto.PrivateKeyI
	address    lib.HexBytes

	pool     *VotePool
	sm       *RoundStateMachine
	detector *FaultDetector

	valSource ValidatorSource
	network   NetworkService
	store     BlockStore
	executor  BlockExecutor

	proposedRound map[uint64]bool // rounds this node already proposed at the current height
	nextHeightAt  time.Time       // when the post-commit pause ends, zero outside the pause
	committedAt   uint64          // the last height this node committed
	wasProposer   bool            // whether this node proposed the committed block
	now           time.Time       // the time of the current entry into the serialized loop

	metrics *lib.Metrics
	log     lib.LoggerI
}

// New() constructs a fully wired but not yet started driver
func New(config lib.Config, privateKey crypto.PrivateKeyI, valSource ValidatorSource,
	network NetworkService, store BlockStore, executor BlockExecutor, slashing SlashingModule,
	metrics *lib.Metrics, log lib.LoggerI) *ConsensusDriver {
	d := &ConsensusDriver{
		chainId:       config.ChainId,
		config:        config,
		privateKey:    privateKey,
		valSource:     valSource,
		network:       network,
		store:         store,
		executor:      executor,
		proposedRound: make(map[uint64]bool),
		metrics:       metrics,
		log:           log,
	}
	if privateKey != nil {
		d.address = privateKey.PublicKey().Address().Bytes()
	}
	d.pool = NewVotePool(config.ChainId, config.ConsensusConfig, log)
	d.sm = NewRoundStateMachine(config.ChainId, config.ConsensusConfig, privateKey,
		d.pool, executor, network, d.onCommit, log)
	d.detector = NewFaultDetector(d.pool, slashing, config.ConsensusConfig, metrics, log)
	return d
}

// Start() resumes consensus at the height after the last committed one
func (d *ConsensusDriver) Start(now time.Time) lib.ErrorI {
	lastCommitted, err := d.store.LastCommittedHeight()
	if err != nil {
		return err
	}
	d.now = now
	return d.beginHeight(lastCommitted+1, now)
}

// State() exposes the current round state for telemetry and tests
func (d *ConsensusDriver) State() RoundState { return d.sm.State() }

// Pool() exposes the vote pool for read-only fault detection queries
func (d *ConsensusDriver) Pool() *VotePool { return d.pool }

// HandleMessage() is the serialized entry point for a single inbound message: it
// routes into the vote pool, then triggers a state machine re-evaluation
func (d *ConsensusDriver) HandleMessage(message *Message, now time.Time) (SubmitResult, lib.ErrorI) {
	d.now = now
	if err := message.CheckBasic(); err != nil {
		return Rejected, err
	}
	switch {
	case message.Vote != nil:
		return d.handleVote(message.Vote, now, true)
	case message.Proposal != nil:
		return d.handleProposal(message.Proposal, now, true)
	}
	return Rejected, ErrEmptyMessage()
}

// HandleBatch() feeds a batch of inbound messages through the core. Signature
// verification is CPU-bound and independent per message, so it fans out across a
// worker group; results are then applied serially in arrival order
func (d *ConsensusDriver) HandleBatch(messages []*Message, now time.Time) {
	d.now = now
	verifyErrs := make([]lib.ErrorI, len(messages))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.NumCPU())
	for i, message := range messages {
		i, message := i, message
		g.Go(func() error {
			verifyErrs[i] = d.preVerify(message)
			return nil
		})
	}
	_ = g.Wait()
	// serial application in arrival order
	for i, message := range messages {
		if verifyErrs[i] != nil {
			d.log.Warnf("Dropping invalid message: %s", verifyErrs[i].Error())
			continue
		}
		switch {
		case message.Vote != nil:
			if _, err := d.handleVote(message.Vote, now, false); err != nil {
				d.log.Debugf("Vote not counted: %s", err.Error())
			}
		case message.Proposal != nil:
			if _, err := d.handleProposal(message.Proposal, now, false); err != nil {
				d.log.Debugf("Proposal not accepted: %s", err.Error())
			}
		}
	}
}

// preVerify() runs the checks that are safe outside the serialized loop: stateless
// shape checks and the signature over the canonical payload
func (d *ConsensusDriver) preVerify(message *Message) lib.ErrorI {
	if err := message.CheckBasic(); err != nil {
		return err
	}
	vals, err := d.pool.Validators(d.sm.State().Height)
	if err != nil {
		return err
	}
	switch {
	case message.Vote != nil:
		val, err := vals.GetValidator(message.Vote.ValidatorAddress)
		if err != nil {
			return err
		}
		return verifyVoteSignature(message.Vote, val, d.chainId)
	case message.Proposal != nil:
		val, err := vals.GetValidator(message.Proposal.ProposerAddress)
		if err != nil {
			return err
		}
		return verifyProposalSignature(message.Proposal, val, d.chainId)
	}
	return ErrEmptyMessage()
}

// handleVote() indexes a vote and re-evaluates quorum-driven transitions
func (d *ConsensusDriver) handleVote(vote *Vote, now time.Time, verify bool) (SubmitResult, lib.ErrorI) {
	var (
		result SubmitResult
		err    lib.ErrorI
	)
	if verify {
		result, err = d.pool.SubmitVote(vote)
	} else {
		result, err = d.pool.SubmitVoteVerified(vote)
	}
	if result == Accepted {
		d.sm.Evaluate(now)
		d.afterAdvance(now)
	}
	return result, err
}

// handleProposal() indexes a proposal against the expected proposer and re-evaluates
func (d *ConsensusDriver) handleProposal(proposal *Proposal, now time.Time, verify bool) (SubmitResult, lib.ErrorI) {
	expected, err := d.sm.Scheduler().ProposerFor(proposal.Height, proposal.Round)
	if err != nil {
		return Rejected, err
	}
	var result SubmitResult
	if verify {
		result, err = d.pool.SubmitProposal(proposal, expected)
	} else {
		result, err = d.pool.SubmitProposalVerified(proposal, expected)
	}
	if result == Accepted {
		d.sm.Evaluate(now)
		d.afterAdvance(now)
	}
	return result, err
}

// Tick() drives timeout checks for the cooperative event loop; it never blocks
func (d *ConsensusDriver) Tick(now time.Time) {
	d.now = now
	// the post-commit pause before the next height
	if !d.nextHeightAt.IsZero() {
		if now.Before(d.nextHeightAt) {
			return
		}
		d.nextHeightAt = time.Time{}
		if err := d.beginHeight(d.committedAt+1, now); err != nil {
			d.log.Errorf("Failed to begin height %d: %s", d.committedAt+1, err.Error())
		}
		return
	}
	d.sm.Tick(now)
	d.afterAdvance(now)
}

// afterAdvance() runs the duties owed after any state transition: proposing when this
// node holds the proposer role and refreshing round telemetry
func (d *ConsensusDriver) afterAdvance(now time.Time) {
	state := d.sm.State()
	if state.Step == StepCommit {
		return
	}
	d.maybePropose(state, now)
	d.metrics.UpdateRoundMetrics(state.Height, state.Round, int(state.Step))
	d.metrics.UpdateLivenessMetric(state.Round >= livenessAlertRound)
}

// maybePropose() broadcasts this node's proposal when the schedule selects it. A held
// valid value is re-proposed with its proof-of-lock round so locked peers may follow
func (d *ConsensusDriver) maybePropose(state RoundState, now time.Time) {
	if d.privateKey == nil || state.Step != StepPropose || d.proposedRound[state.Round] {
		return
	}
	isProposer, err := d.sm.Scheduler().IsProposer(d.address, state.Height, state.Round)
	if err != nil || !isProposer {
		return
	}
	d.proposedRound[state.Round] = true
	proposal := &Proposal{
		Height:          state.Height,
		Round:           state.Round,
		ProposerAddress: d.address,
		PolRound:        NoPolRound,
	}
	if state.ValidValue != nil {
		// re-propose the value the network already produced a polka for
		proposal.Block = state.ValidValue.Block
		proposal.BlockHash = state.ValidValue.BlockHash
		proposal.PolRound = state.ValidRound
	} else {
		block, err := d.executor.ProposeBlock(state.Height)
		if err != nil {
			d.log.Errorf("Executor failed to produce a block: %s", err.Error())
			return
		}
		proposal.Block = block
		proposal.BlockHash = crypto.Hash(block)
	}
	if err := proposal.Sign(d.privateKey, d.chainId); err != nil {
		d.log.Errorf("Failed to sign proposal: %s", err.Error())
		return
	}
	d.log.Infof("Proposing %s at height %d round %d",
		lib.BytesToTruncatedString(proposal.BlockHash), state.Height, state.Round)
	// index our own proposal before gossiping it
	if _, err := d.pool.SubmitProposal(proposal, d.address); err != nil {
		d.log.Warnf("Own proposal not indexed: %s", err.Error())
	}
	d.network.Broadcast(&Message{Proposal: proposal})
	d.sm.Evaluate(now)
}

// onCommit() is invoked by the state machine exactly once per height. It persists the
// block with its commit certificate, runs the fault scans, and schedules the next
// height after the configured pause
func (d *ConsensusDriver) onCommit(proposal *Proposal, round uint64) {
	state := d.sm.State()
	certificate, err := d.pool.MakeCommitCertificate(state.Height, round, proposal.BlockHash)
	if err != nil {
		d.log.Errorf("Failed to assemble the commit certificate: %s", err.Error())
		return
	}
	if err = d.store.StoreCommitted(state.Height, proposal.BlockHash, certificate); err != nil {
		// persistence failures on the commit path are not survivable: continuing
		// without the watermark update risks a height regression on restart
		d.log.Fatalf("Failed to persist committed height %d: %s", state.Height, err.Error())
		return
	}
	// fault scans over the completed height
	vals, poolErr := d.pool.Validators(state.Height)
	if poolErr == nil {
		d.detector.ScanHeight(state.Height, d.now)
		d.detector.RecordParticipation(state.Height, vals, d.now)
	}
	d.wasProposer = lib.BytesToString(proposal.ProposerAddress) == lib.BytesToString(d.address)
	d.metrics.UpdateCommitMetrics(d.wasProposer, d.now.Sub(state.HeightStart))
	d.metrics.UpdateLivenessMetric(false)
	d.committedAt = state.Height
	d.nextHeightAt = d.now.Add(time.Duration(d.config.CommitTimeoutMS) * time.Millisecond)
}

// beginHeight() loads the validator set for a height and resets the machine onto it
func (d *ConsensusDriver) beginHeight(height uint64, now time.Time) lib.ErrorI {
	vals, err := d.valSource.CurrentValidators(height)
	if err != nil {
		return err
	}
	d.proposedRound = make(map[uint64]bool)
	d.pool.SetHeight(height, vals)
	d.sm.BeginHeight(height, vals, now)
	d.afterAdvance(now)
	return nil
}

// Run() is an optional blocking event loop for production wiring: inbound messages
// and a coarse ticker both funnel into the serialized core
func (d *ConsensusDriver) Run(ctx context.Context, inbound <-chan *Message) {
	defer lib.CatchPanic(d.log)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-inbound:
			if _, err := d.HandleMessage(message, time.Now()); err != nil {
				d.log.Debugf("Message dropped: %s", err.Error())
			}
		case now := <-ticker.C:
			d.Tick(now)
		}
	}
}
