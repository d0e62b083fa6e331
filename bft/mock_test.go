package bft

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
	"github.com/stretchr/testify/require"
)

const testChainId = uint64(1)

// newTestValSet() generates keys and a validator set with the given voting powers;
// keys[i] pairs with the validator holding powers[i]
func newTestValSet(t *testing.T, powers []uint64) (lib.ValidatorSet, []crypto.PrivateKeyI) {
	keys := make([]crypto.PrivateKeyI, len(powers))
	validators := make([]*lib.Validator, len(powers))
	for i, power := range powers {
		key, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		keys[i] = key
		validators[i] = &lib.Validator{
			Address:     key.PublicKey().Address().Bytes(),
			PublicKey:   key.PublicKey().Bytes(),
			VotingPower: power,
		}
	}
	vals, e := lib.NewValidatorSet(validators)
	require.NoError(t, e)
	return vals, keys
}

// testValSource serves a fixed validator set at every height
type testValSource struct {
	vals lib.ValidatorSet
}

func (s *testValSource) CurrentValidators(_ uint64) (lib.ValidatorSet, lib.ErrorI) {
	return s.vals.Copy(), nil
}

// testNetwork records every broadcast message
type testNetwork struct {
	broadcasts []*Message
}

func (n *testNetwork) Broadcast(message *Message) { n.broadcasts = append(n.broadcasts, message) }

// lastVote() returns the most recently broadcast vote of the given type, nil if none
func (n *testNetwork) lastVote(voteType VoteType) *Vote {
	for i := len(n.broadcasts) - 1; i >= 0; i-- {
		if v := n.broadcasts[i].Vote; v != nil && v.Type == voteType {
			return v
		}
	}
	return nil
}

// testExecutor produces deterministic block payloads and optionally fails validation
type testExecutor struct {
	failValidation bool
}

func (e *testExecutor) ProposeBlock(height uint64) (lib.HexBytes, lib.ErrorI) {
	return testBlock(height), nil
}

func (e *testExecutor) ValidateBlock(block lib.HexBytes) lib.ErrorI {
	if e.failValidation {
		return lib.ErrInvalidArgument("block rejected")
	}
	if len(block) == 0 {
		return lib.ErrInvalidArgument("empty block")
	}
	return nil
}

func testBlock(height uint64) lib.HexBytes {
	return append([]byte("block-at-height-"), byte(height))
}

// testStore is an in-memory BlockStore tracking the committed log
type testStore struct {
	committed    map[uint64]lib.HexBytes
	certificates map[uint64]*QuorumCertificate
	last         uint64
}

func newTestStore() *testStore {
	return &testStore{
		committed:    make(map[uint64]lib.HexBytes),
		certificates: make(map[uint64]*QuorumCertificate),
	}
}

func (s *testStore) StoreCommitted(height uint64, blockHash lib.HexBytes, certificate *QuorumCertificate) lib.ErrorI {
	if existing, ok := s.committed[height]; ok && !bytes.Equal(existing, blockHash) {
		return lib.ErrInvalidArgument("conflicting commit")
	}
	s.committed[height], s.certificates[height], s.last = blockHash, certificate, height
	return nil
}

func (s *testStore) LastCommittedHeight() (uint64, lib.ErrorI) { return s.last, nil }

// testSlashing records submitted evidence behind a mutex; the detector submits from a
// goroutine
type testSlashing struct {
	sync.Mutex
	evidence []*Evidence
}

func (s *testSlashing) SubmitEvidence(evidence *Evidence) error {
	s.Lock()
	defer s.Unlock()
	s.evidence = append(s.evidence, evidence)
	return nil
}

func (s *testSlashing) count() int {
	s.Lock()
	defer s.Unlock()
	return len(s.evidence)
}

// testConsensus bundles a wired driver with handles on all of its fakes
type testConsensus struct {
	t        *testing.T
	driver   *ConsensusDriver
	keys     []crypto.PrivateKeyI
	vals     lib.ValidatorSet
	network  *testNetwork
	store    *testStore
	slashing *testSlashing
	executor *testExecutor
	now      time.Time
}

// newTestConsensus() wires a driver for a set with the given powers; keys[0] is this
// node's identity. The consensus clock starts at a fixed instant and is advanced
// explicitly by the tests
func newTestConsensus(t *testing.T, powers []uint64) *testConsensus {
	c := buildTestConsensus(t, powers)
	c.driver = New(c.config(), c.keys[0], &testValSource{vals: c.vals}, c.network, c.store,
		c.executor, c.slashing, nil, lib.NewNullLogger())
	require.NoError(t, errOrNil(c.driver.Start(c.now)))
	return c
}

// newTestObserver() wires a non-voting driver: the set's validators are external keys
// and the node under test only observes, which gives tests full control of every vote
func newTestObserver(t *testing.T, powers []uint64) *testConsensus {
	c := buildTestConsensus(t, powers)
	c.driver = New(c.config(), nil, &testValSource{vals: c.vals}, c.network, c.store,
		c.executor, c.slashing, nil, lib.NewNullLogger())
	require.NoError(t, errOrNil(c.driver.Start(c.now)))
	return c
}

func buildTestConsensus(t *testing.T, powers []uint64) *testConsensus {
	vals, keys := newTestValSet(t, powers)
	return &testConsensus{
		t:        t,
		keys:     keys,
		vals:     vals,
		network:  &testNetwork{},
		store:    newTestStore(),
		slashing: &testSlashing{},
		executor: &testExecutor{},
		now:      time.Unix(1700000000, 0),
	}
}

func (c *testConsensus) config() lib.Config {
	config := lib.DefaultConfig()
	config.ChainId = testChainId
	return config
}

func errOrNil(err lib.ErrorI) error {
	if err == nil {
		return nil
	}
	return err
}

// advance() moves the consensus clock forward and ticks the driver
func (c *testConsensus) advance(d time.Duration) {
	c.now = c.now.Add(d)
	c.driver.Tick(c.now)
}

// makeVote() builds and signs a vote from keys[i]
func (c *testConsensus) makeVote(i int, height, round uint64, voteType VoteType, blockHash lib.HexBytes) *Vote {
	vote := &Vote{
		Height:           height,
		Round:            round,
		Type:             voteType,
		BlockHash:        blockHash,
		ValidatorAddress: c.keys[i].PublicKey().Address().Bytes(),
	}
	require.NoError(c.t, errOrNil(vote.Sign(c.keys[i], testChainId)))
	return vote
}

// vote() submits a signed vote from keys[i] through the driver
func (c *testConsensus) vote(i int, height, round uint64, voteType VoteType, blockHash lib.HexBytes) (SubmitResult, lib.ErrorI) {
	return c.driver.HandleMessage(&Message{Vote: c.makeVote(i, height, round, voteType, blockHash)}, c.now)
}

// proposerIdx() returns the index of the key scheduled to propose at (height, round)
func (c *testConsensus) proposerIdx(height, round uint64) int {
	address, err := c.driver.sm.Scheduler().ProposerFor(height, round)
	require.NoError(c.t, errOrNil(err))
	for i, key := range c.keys {
		if bytes.Equal(key.PublicKey().Address().Bytes(), address) {
			return i
		}
	}
	c.t.Fatal("scheduled proposer is not in the key set")
	return -1
}

// makeProposal() builds and signs a proposal from keys[i]
func (c *testConsensus) makeProposal(i int, height, round uint64, block lib.HexBytes, polRound int64) *Proposal {
	proposal := &Proposal{
		Height:          height,
		Round:           round,
		Block:           block,
		BlockHash:       crypto.Hash(block),
		ProposerAddress: c.keys[i].PublicKey().Address().Bytes(),
		PolRound:        polRound,
	}
	require.NoError(c.t, errOrNil(proposal.Sign(c.keys[i], testChainId)))
	return proposal
}

// propose() submits a proposal signed by the scheduled proposer for (height, round)
func (c *testConsensus) propose(height, round uint64, block lib.HexBytes, polRound int64) (SubmitResult, lib.ErrorI) {
	idx := c.proposerIdx(height, round)
	return c.driver.HandleMessage(&Message{Proposal: c.makeProposal(idx, height, round, block, polRound)}, c.now)
}

// state() returns the driver's current round state
func (c *testConsensus) state() RoundState { return c.driver.State() }
