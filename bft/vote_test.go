package bft

import (
	"testing"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestPool() builds a pool tracking height 1 under a fresh validator set
func newTestPool(t *testing.T, powers []uint64) (*VotePool, lib.ValidatorSet, []crypto.PrivateKeyI) {
	vals, keys := newTestValSet(t, powers)
	pool := NewVotePool(testChainId, lib.DefaultConsensusConfig(), lib.NewNullLogger())
	pool.SetHeight(1, vals)
	return pool, vals, keys
}

// signedVote() builds and signs a vote from the given key
func signedVote(t *testing.T, key crypto.PrivateKeyI, height, round uint64, voteType VoteType, blockHash lib.HexBytes) *Vote {
	vote := &Vote{
		Height:           height,
		Round:            round,
		Type:             voteType,
		BlockHash:        blockHash,
		ValidatorAddress: key.PublicKey().Address().Bytes(),
	}
	require.NoError(t, errOrNil(vote.Sign(key, testChainId)))
	return vote
}

// signedProposal() builds and signs a proposal from the given key, deriving the block
// hash from the payload
func signedProposal(t *testing.T, key crypto.PrivateKeyI, height, round uint64, block lib.HexBytes, polRound int64) *Proposal {
	proposal := &Proposal{
		Height:          height,
		Round:           round,
		Block:           block,
		BlockHash:       crypto.Hash(block),
		ProposerAddress: key.PublicKey().Address().Bytes(),
		PolRound:        polRound,
	}
	require.NoError(t, errOrNil(proposal.Sign(key, testChainId)))
	return proposal
}

func TestSubmitVote(t *testing.T) {
	// pre-define two block hashes to vote on
	hashA, hashB := crypto.Hash([]byte("block a")), crypto.Hash([]byte("block b"))
	// pre-define an outsider key that is not part of any validator set
	outsider, err := crypto.NewBLSPrivateKey()
	require.NoError(t, err)
	// define test cases
	tests := []struct {
		name   string
		detail string
		preAdd func(t *testing.T, keys []crypto.PrivateKeyI) []*Vote
		vote   func(t *testing.T, keys []crypto.PrivateKeyI) *Vote
		result SubmitResult
		error  string
	}{
		{
			name:   "prevote accepted",
			detail: "a well formed prevote from a set member is stored and counted",
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				return signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashA)
			},
			result: Accepted,
		},
		{
			name:   "nil prevote accepted",
			detail: "an empty block hash is a valid vote against any value this round",
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				return signedVote(t, keys[0], 1, 0, VoteTypePrevote, nil)
			},
			result: Accepted,
		},
		{
			name:   "identical resubmission",
			detail: "a content-identical retransmission is a no-op, not a fault",
			preAdd: func(t *testing.T, keys []crypto.PrivateKeyI) []*Vote {
				return []*Vote{signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashA)}
			},
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				return signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashA)
			},
			result: Duplicate,
		},
		{
			name:   "conflicting vote",
			detail: "a differing second vote for the same view is rejected and the first stays authoritative",
			preAdd: func(t *testing.T, keys []crypto.PrivateKeyI) []*Vote {
				return []*Vote{signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashA)}
			},
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				return signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashB)
			},
			result: Rejected,
			error:  "conflicting vote",
		},
		{
			name:   "wrong height",
			detail: "only the tracked height accepts new votes",
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				return signedVote(t, keys[0], 2, 0, VoteTypePrevote, hashA)
			},
			result: Rejected,
			error:  "wrong height",
		},
		{
			name:   "round outside the window",
			detail: "a round far ahead of the local round carries nothing the machine can use yet",
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				return signedVote(t, keys[0], 1, 5, VoteTypePrevote, hashA)
			},
			result: Rejected,
			error:  "outside the acceptance window",
		},
		{
			name:   "signer not in the set",
			detail: "a vote from a key outside the validator set carries no power and is refused",
			vote: func(t *testing.T, _ []crypto.PrivateKeyI) *Vote {
				return signedVote(t, outsider, 1, 0, VoteTypePrevote, hashA)
			},
			result: Rejected,
			error:  "is not in the set",
		},
		{
			name:   "forged signature",
			detail: "a vote claiming one validator's address but signed by another key fails verification",
			vote: func(t *testing.T, keys []crypto.PrivateKeyI) *Vote {
				vote := &Vote{
					Height:           1,
					Round:            0,
					Type:             VoteTypePrevote,
					BlockHash:        hashA,
					ValidatorAddress: keys[0].PublicKey().Address().Bytes(),
				}
				require.NoError(t, errOrNil(vote.Sign(keys[1], testChainId)))
				return vote
			},
			result: Rejected,
			error:  "invalid vote signature",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// initialize a pool to test with
			pool, _, keys := newTestPool(t, []uint64{4, 3, 2, 1})
			// pre-add the votes
			if test.preAdd != nil {
				for _, vote := range test.preAdd(t, keys) {
					result, e := pool.SubmitVote(vote)
					require.NoError(t, errOrNil(e))
					require.Equal(t, Accepted, result)
				}
			}
			// execute the function call
			result, e := pool.SubmitVote(test.vote(t, keys))
			// validate the classification
			require.Equal(t, test.result, result)
			// validate if an error is expected
			require.Equal(t, e != nil, test.error != "", e)
			// validate actual error if any
			if e != nil {
				require.ErrorContains(t, e, test.error, e)
			}
		})
	}
}

func TestQuorumBoundary(t *testing.T) {
	// pre-define a block hash to vote on
	hashA := crypto.Hash([]byte("block a"))
	// define test cases over a set with total power 10 where +2/3 requires 7
	tests := []struct {
		name     string
		detail   string
		votes    []struct{ idx int }
		nilVotes []struct{ idx int }
		wantOK   bool
		wantNil  bool
	}{
		{
			name:   "one unit below the threshold",
			detail: "6 of 10 voting power on one value is not a +2/3 majority",
			votes:  []struct{ idx int }{{0}, {2}}, // 4 + 2 = 6
			wantOK: false,
		},
		{
			name:   "exactly the threshold",
			detail: "7 of 10 voting power on one value is the minimum +2/3 majority",
			votes:  []struct{ idx int }{{0}, {2}, {3}}, // 4 + 2 + 1 = 7
			wantOK: true,
		},
		{
			name:     "split across buckets",
			detail:   "power spread over a value and nil never sums into a single quorum",
			votes:    []struct{ idx int }{{0}, {3}}, // 4 + 1 = 5
			nilVotes: []struct{ idx int }{{1}},      // 3
			wantOK:   false,
		},
		{
			name:     "nil quorum",
			detail:   "nil is its own bucket and can reach +2/3 like any value",
			nilVotes: []struct{ idx int }{{0}, {1}, {2}}, // 4 + 3 + 2 = 9
			wantOK:   true,
			wantNil:  true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pool, vals, keys := newTestPool(t, []uint64{4, 3, 2, 1})
			require.EqualValues(t, 7, vals.MinimumMaj23)
			// submit the votes
			for _, v := range test.votes {
				result, e := pool.SubmitVote(signedVote(t, keys[v.idx], 1, 0, VoteTypePrevote, hashA))
				require.NoError(t, errOrNil(e))
				require.Equal(t, Accepted, result)
			}
			for _, v := range test.nilVotes {
				result, e := pool.SubmitVote(signedVote(t, keys[v.idx], 1, 0, VoteTypePrevote, nil))
				require.NoError(t, errOrNil(e))
				require.Equal(t, Accepted, result)
			}
			// execute the function call
			blockHash, _, ok := pool.GetQuorum(1, 0, VoteTypePrevote)
			require.Equal(t, test.wantOK, ok)
			if !test.wantOK {
				return
			}
			if test.wantNil {
				require.Empty(t, blockHash)
				return
			}
			require.Equal(t, lib.HexBytes(hashA), blockHash)
		})
	}
}

func TestConflictingVoteKeepsFirstAuthoritative(t *testing.T) {
	pool, _, keys := newTestPool(t, []uint64{4, 3, 2, 1})
	hashA, hashB := crypto.Hash([]byte("block a")), crypto.Hash([]byte("block b"))
	// the first vote counts
	result, e := pool.SubmitVote(signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashA))
	require.NoError(t, errOrNil(e))
	require.Equal(t, Accepted, result)
	// the differing second vote is rejected and never counted
	result, e = pool.SubmitVote(signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashB))
	require.Equal(t, Rejected, result)
	require.ErrorContains(t, e, "conflicting vote")
	// the conflict is recorded exactly once with the first vote authoritative
	conflicts := pool.VoteConflicts(1)
	require.Len(t, conflicts, 1)
	require.Equal(t, lib.HexBytes(hashA), conflicts[0].First.BlockHash)
	require.Equal(t, lib.HexBytes(hashB), conflicts[0].Second.BlockHash)
	// only the first vote contributes power: 4 + 3 = 7 on hashA reaches quorum
	result, e = pool.SubmitVote(signedVote(t, keys[1], 1, 0, VoteTypePrevote, hashA))
	require.NoError(t, errOrNil(e))
	require.Equal(t, Accepted, result)
	blockHash, power, ok := pool.GetQuorum(1, 0, VoteTypePrevote)
	require.True(t, ok)
	require.Equal(t, lib.HexBytes(hashA), blockHash)
	require.EqualValues(t, 7, power)
}

func TestSubmitProposal(t *testing.T) {
	// pre-define two block payloads
	blockA, blockB := lib.HexBytes("block payload a"), lib.HexBytes("block payload b")
	// define test cases; the expected proposer is always keys[0]
	tests := []struct {
		name     string
		detail   string
		preAdd   func(t *testing.T, keys []crypto.PrivateKeyI) []*Proposal
		proposal func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal
		result   SubmitResult
		error    string
	}{
		{
			name:   "proposal accepted",
			detail: "a well formed proposal from the expected proposer is indexed",
			proposal: func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal {
				return signedProposal(t, keys[0], 1, 0, blockA, NoPolRound)
			},
			result: Accepted,
		},
		{
			name:   "identical resubmission",
			detail: "a content-identical retransmission is a no-op, not a double proposal",
			preAdd: func(t *testing.T, keys []crypto.PrivateKeyI) []*Proposal {
				return []*Proposal{signedProposal(t, keys[0], 1, 0, blockA, NoPolRound)}
			},
			proposal: func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal {
				return signedProposal(t, keys[0], 1, 0, blockA, NoPolRound)
			},
			result: Duplicate,
		},
		{
			name:   "conflicting proposal",
			detail: "a differing second proposal for the round is rejected and the first stays authoritative",
			preAdd: func(t *testing.T, keys []crypto.PrivateKeyI) []*Proposal {
				return []*Proposal{signedProposal(t, keys[0], 1, 0, blockA, NoPolRound)}
			},
			proposal: func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal {
				return signedProposal(t, keys[0], 1, 0, blockB, NoPolRound)
			},
			result: Rejected,
			error:  "conflicting proposal",
		},
		{
			name:   "not the scheduled proposer",
			detail: "a valid signature from the wrong validator is refused before indexing",
			proposal: func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal {
				return signedProposal(t, keys[1], 1, 0, blockA, NoPolRound)
			},
			result: Rejected,
			error:  "is not the proposer",
		},
		{
			name:   "proof-of-lock round not below the proposal round",
			detail: "a polka can only come from an earlier round of the same height",
			proposal: func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal {
				return signedProposal(t, keys[0], 1, 0, blockA, 0)
			},
			result: Rejected,
			error:  "invalid proof-of-lock round",
		},
		{
			name:   "wrong height",
			detail: "only the tracked height accepts new proposals",
			proposal: func(t *testing.T, keys []crypto.PrivateKeyI) *Proposal {
				return signedProposal(t, keys[0], 3, 0, blockA, NoPolRound)
			},
			result: Rejected,
			error:  "wrong height",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pool, _, keys := newTestPool(t, []uint64{4, 3, 2, 1})
			expected := keys[0].PublicKey().Address().Bytes()
			// pre-add the proposals
			if test.preAdd != nil {
				for _, proposal := range test.preAdd(t, keys) {
					result, e := pool.SubmitProposal(proposal, expected)
					require.NoError(t, errOrNil(e))
					require.Equal(t, Accepted, result)
				}
			}
			// execute the function call
			result, e := pool.SubmitProposal(test.proposal(t, keys), expected)
			// validate the classification
			require.Equal(t, test.result, result)
			// validate if an error is expected
			require.Equal(t, e != nil, test.error != "", e)
			if e != nil {
				require.ErrorContains(t, e, test.error, e)
				return
			}
			if test.result == Accepted {
				require.NotNil(t, pool.GetProposal(1, 0))
			}
		})
	}
}

func TestHigherRoundWithMinorityPower(t *testing.T) {
	// total power 10: +1/3 requires 4
	pool, vals, keys := newTestPool(t, []uint64{4, 3, 2, 1})
	require.EqualValues(t, 4, vals.MinorityBlock)
	hashA := crypto.Hash([]byte("block a"))
	// nothing voted yet
	_, ok := pool.HigherRoundWithMinorityPower(1, 0)
	require.False(t, ok)
	// 3 of 10 power at round 1 is below the +1/3 threshold
	for _, idx := range []int{2, 3} { // 2 + 1 = 3
		result, e := pool.SubmitVote(signedVote(t, keys[idx], 1, 1, VoteTypePrevote, hashA))
		require.NoError(t, errOrNil(e))
		require.Equal(t, Accepted, result)
	}
	_, ok = pool.HigherRoundWithMinorityPower(1, 0)
	require.False(t, ok)
	// a precommit from the same higher round combines with the prevotes: 3 + 3 = 6
	result, e := pool.SubmitVote(signedVote(t, keys[1], 1, 1, VoteTypePrecommit, hashA))
	require.NoError(t, errOrNil(e))
	require.Equal(t, Accepted, result)
	round, ok := pool.HigherRoundWithMinorityPower(1, 0)
	require.True(t, ok)
	require.EqualValues(t, 1, round)
	// the rule only looks above the given round
	_, ok = pool.HigherRoundWithMinorityPower(1, 1)
	require.False(t, ok)
}

func TestMakeCommitCertificate(t *testing.T) {
	pool, vals, keys := newTestPool(t, []uint64{4, 3, 2, 1})
	hashA, hashB := crypto.Hash([]byte("block a")), crypto.Hash([]byte("block b"))
	// 4 + 3 + 2 = 9 of 10 power precommits hashA
	for _, idx := range []int{0, 1, 2} {
		result, e := pool.SubmitVote(signedVote(t, keys[idx], 1, 0, VoteTypePrecommit, hashA))
		require.NoError(t, errOrNil(e))
		require.Equal(t, Accepted, result)
	}
	// no certificate exists for a hash without a quorum
	_, e := pool.MakeCommitCertificate(1, 0, hashB)
	require.ErrorContains(t, e, "no +2/3 majority")
	// the certificate over hashA carries the three signed precommits
	certificate, e := pool.MakeCommitCertificate(1, 0, hashA)
	require.NoError(t, errOrNil(e))
	require.Len(t, certificate.Votes, 3)
	require.Equal(t, lib.HexBytes(hashA), certificate.BlockHash)
	// the certificate verifies standalone against the validator set
	require.NoError(t, errOrNil(certificate.Check(vals, testChainId)))
}

func TestEvidenceWindowPruning(t *testing.T) {
	vals, keys := newTestValSet(t, []uint64{4, 3, 2, 1})
	config := lib.DefaultConsensusConfig()
	config.EvidenceWindowHeights = 1
	pool := NewVotePool(testChainId, config, lib.NewNullLogger())
	// vote at height 1, then advance the pool two heights
	pool.SetHeight(1, vals)
	result, e := pool.SubmitVote(signedVote(t, keys[0], 1, 0, VoteTypePrecommit, nil))
	require.NoError(t, errOrNil(e))
	require.Equal(t, Accepted, result)
	pool.SetHeight(2, vals)
	// height 1 is still within the one-height window
	require.True(t, pool.Precommitted(1, keys[0].PublicKey().Address().Bytes()))
	pool.SetHeight(3, vals)
	// height 1 fell out of the window and was evicted
	_, e = pool.Validators(1)
	require.ErrorContains(t, e, "not tracked")
}
