package bft

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juant72/prozchain-sub003/lib"
)

/* This file implements the fault detector: equivocation, double proposal, and downtime
scans over vote pool snapshots, with content-deduplicated evidence emission */

// FaultDetector scans the vote pool for cryptographically provable misbehavior and
// hands immutable Evidence to the external slashing module. Detection is idempotent:
// rescanning the same conflicting pair never produces a second record
type FaultDetector struct {
	pool           *VotePool
	slashing       SlashingModule
	emitted        *lib.DeDuplicator[string] // evidence content hashes already emitted
	downtimeWindow uint64                    // consecutive absent heights before downtime evidence
	missed         map[string]uint64         // consecutive missed heights per validator
	flagged        map[string]bool           // validators with an open downtime record
	metrics        *lib.Metrics
	log            lib.LoggerI
}

// NewFaultDetector() wires the detector to the pool and the slashing port
func NewFaultDetector(pool *VotePool, slashing SlashingModule, config lib.ConsensusConfig,
	metrics *lib.Metrics, log lib.LoggerI) *FaultDetector {
	return &FaultDetector{
		pool:           pool,
		slashing:       slashing,
		emitted:        lib.NewDeDuplicator[string](),
		downtimeWindow: config.DowntimeWindowHeights,
		missed:         make(map[string]uint64),
		flagged:        make(map[string]bool),
		metrics:        metrics,
		log:            log,
	}
}

// ScanHeight() detects equivocations and double proposals recorded at a height and
// emits one evidence record per conflicting pair
func (f *FaultDetector) ScanHeight(height uint64, now time.Time) (out []*Evidence) {
	for _, conflict := range f.pool.VoteConflicts(height) {
		evidence := &Evidence{
			Kind:             EvidenceEquivocation,
			ValidatorAddress: conflict.First.ValidatorAddress,
			Height:           conflict.First.Height,
			Round:            conflict.First.Round,
			VoteA:            conflict.First,
			VoteB:            conflict.Second,
			Timestamp:        now,
		}
		if f.emit(evidence) {
			out = append(out, evidence)
		}
	}
	for _, conflict := range f.pool.ProposalConflicts(height) {
		evidence := &Evidence{
			Kind:             EvidenceDoubleProposal,
			ValidatorAddress: conflict.First.ProposerAddress,
			Height:           conflict.First.Height,
			Round:            conflict.First.Round,
			ProposalA:        conflict.First,
			ProposalB:        conflict.Second,
			Timestamp:        now,
		}
		if f.emit(evidence) {
			out = append(out, evidence)
		}
	}
	return
}

// RecordParticipation() advances the downtime bookkeeping after a height commits: a
// validator absent from counted precommits across the configured window earns one
// Downtime record, re-armed only after it signs again
func (f *FaultDetector) RecordParticipation(height uint64, vals lib.ValidatorSet, now time.Time) (out []*Evidence) {
	for _, val := range vals.Validators {
		addr := lib.BytesToString(val.Address)
		if f.pool.Precommitted(height, val.Address) {
			f.missed[addr], f.flagged[addr] = 0, false
			continue
		}
		f.missed[addr]++
		if f.missed[addr] >= f.downtimeWindow && !f.flagged[addr] {
			evidence := &Evidence{
				Kind:             EvidenceDowntime,
				ValidatorAddress: append(lib.HexBytes{}, val.Address...),
				Height:           height,
				MissedHeights:    f.missed[addr],
				Timestamp:        now,
			}
			if f.emit(evidence) {
				out = append(out, evidence)
			}
			f.flagged[addr] = true
		}
	}
	return
}

// emit() deduplicates by content hash and forwards new evidence to the slashing module
func (f *FaultDetector) emit(evidence *Evidence) bool {
	if err := evidence.CheckBasic(); err != nil {
		f.log.Errorf("Dropping malformed evidence: %s", err.Error())
		return false
	}
	hash, err := evidence.Hash()
	if err != nil {
		f.log.Errorf("Dropping unhashable evidence: %s", err.Error())
		return false
	}
	if f.emitted.Found(lib.BytesToString(hash)) {
		return false
	}
	f.log.Warnf("Detected %s by validator %s at height %d",
		evidence.Kind, lib.BytesToTruncatedString(evidence.ValidatorAddress), evidence.Height)
	f.metrics.UpdateEvidenceMetrics(evidence.Kind.String())
	f.submit(evidence)
	return true
}

// submit() hands evidence to the slashing module off the consensus loop, retrying
// transient failures with exponential backoff
func (f *FaultDetector) submit(evidence *Evidence) {
	go func() {
		defer lib.CatchPanic(f.log)
		retry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10)
		err := backoff.Retry(func() error {
			return f.slashing.SubmitEvidence(evidence)
		}, retry)
		if err != nil {
			f.log.Errorf("Giving up on evidence submission: %s", ErrEvidenceSubmission(err).Error())
		}
	}()
}
