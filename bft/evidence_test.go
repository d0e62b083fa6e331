package bft

import (
	"testing"
	"time"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestDetector() wires a detector over a fresh pool with a short downtime window
func newTestDetector(t *testing.T, powers []uint64) (*FaultDetector, *VotePool, *testSlashing, lib.ValidatorSet, []crypto.PrivateKeyI) {
	vals, keys := newTestValSet(t, powers)
	config := lib.DefaultConsensusConfig()
	config.DowntimeWindowHeights = 2
	pool := NewVotePool(testChainId, config, lib.NewNullLogger())
	pool.SetHeight(1, vals)
	slashing := &testSlashing{}
	detector := NewFaultDetector(pool, slashing, config, nil, lib.NewNullLogger())
	return detector, pool, slashing, vals, keys
}

func TestEquivocationEvidence(t *testing.T) {
	detector, pool, slashing, _, keys := newTestDetector(t, []uint64{1, 1, 1})
	hashA, hashB := crypto.Hash([]byte("block a")), crypto.Hash([]byte("block b"))
	now := time.Unix(1700000000, 0)
	// one validator signs two differing prevotes for the same view
	result, e := pool.SubmitVote(signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashA))
	require.NoError(t, errOrNil(e))
	require.Equal(t, Accepted, result)
	result, _ = pool.SubmitVote(signedVote(t, keys[0], 1, 0, VoteTypePrevote, hashB))
	require.Equal(t, Rejected, result)
	// the scan emits exactly one record carrying both signed votes
	emitted := detector.ScanHeight(1, now)
	require.Len(t, emitted, 1)
	evidence := emitted[0]
	require.Equal(t, EvidenceEquivocation, evidence.Kind)
	require.Equal(t, lib.HexBytes(keys[0].PublicKey().Address().Bytes()), evidence.ValidatorAddress)
	require.Equal(t, lib.HexBytes(hashA), evidence.VoteA.BlockHash)
	require.Equal(t, lib.HexBytes(hashB), evidence.VoteB.BlockHash)
	// rescanning the same conflict is a no-op
	require.Empty(t, detector.ScanHeight(1, now.Add(time.Second)))
	// the record reaches the slashing module asynchronously
	require.Eventually(t, func() bool { return slashing.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDoubleProposalEvidence(t *testing.T) {
	detector, pool, _, _, keys := newTestDetector(t, []uint64{1, 1, 1})
	now := time.Unix(1700000000, 0)
	// one proposer signs two differing proposals for the same round
	first := signedProposal(t, keys[0], 1, 0, lib.HexBytes("block payload a"), NoPolRound)
	second := signedProposal(t, keys[0], 1, 0, lib.HexBytes("block payload b"), NoPolRound)
	result, e := pool.SubmitProposal(first, nil)
	require.NoError(t, errOrNil(e))
	require.Equal(t, Accepted, result)
	result, _ = pool.SubmitProposal(second, nil)
	require.Equal(t, Rejected, result)
	// the scan emits exactly one record carrying both signed proposals
	emitted := detector.ScanHeight(1, now)
	require.Len(t, emitted, 1)
	evidence := emitted[0]
	require.Equal(t, EvidenceDoubleProposal, evidence.Kind)
	require.True(t, evidence.ProposalA.Equals(first))
	require.True(t, evidence.ProposalB.Equals(second))
	// rescanning the same conflict is a no-op
	require.Empty(t, detector.ScanHeight(1, now))
}

func TestDowntimeEvidence(t *testing.T) {
	detector, pool, _, vals, keys := newTestDetector(t, []uint64{1, 1})
	now := time.Unix(1700000000, 0)
	silent := keys[1].PublicKey().Address().Bytes()
	// signParticipants() counts a nil precommit from each of the given keys at a height
	signParticipants := func(height uint64, idxs ...int) {
		for _, i := range idxs {
			result, e := pool.SubmitVote(signedVote(t, keys[i], height, 0, VoteTypePrecommit, nil))
			require.NoError(t, errOrNil(e))
			require.Equal(t, Accepted, result)
		}
	}
	// heights 1 and 2: only keys[0] participates; the window fills at height 2
	signParticipants(1, 0)
	require.Empty(t, detector.RecordParticipation(1, vals, now))
	pool.SetHeight(2, vals)
	signParticipants(2, 0)
	emitted := detector.RecordParticipation(2, vals, now)
	require.Len(t, emitted, 1)
	require.Equal(t, EvidenceDowntime, emitted[0].Kind)
	require.Equal(t, lib.HexBytes(silent), emitted[0].ValidatorAddress)
	require.EqualValues(t, 2, emitted[0].MissedHeights)
	// height 3: still absent, but the open record is not re-emitted
	pool.SetHeight(3, vals)
	signParticipants(3, 0)
	require.Empty(t, detector.RecordParticipation(3, vals, now))
	// height 4: the validator signs again, closing the record
	pool.SetHeight(4, vals)
	signParticipants(4, 0, 1)
	require.Empty(t, detector.RecordParticipation(4, vals, now))
	// heights 5 and 6: a fresh lapse earns a second record
	pool.SetHeight(5, vals)
	signParticipants(5, 0)
	require.Empty(t, detector.RecordParticipation(5, vals, now))
	pool.SetHeight(6, vals)
	signParticipants(6, 0)
	emitted = detector.RecordParticipation(6, vals, now)
	require.Len(t, emitted, 1)
	require.EqualValues(t, 6, emitted[0].Height)
}

func TestEvidenceContentIdentity(t *testing.T) {
	_, _, _, _, keys := newTestDetector(t, []uint64{1, 1, 1})
	voteA := signedVote(t, keys[0], 1, 0, VoteTypePrevote, crypto.Hash([]byte("block a")))
	voteB := signedVote(t, keys[0], 1, 0, VoteTypePrevote, crypto.Hash([]byte("block b")))
	build := func(at time.Time) *Evidence {
		return &Evidence{
			Kind:             EvidenceEquivocation,
			ValidatorAddress: voteA.ValidatorAddress,
			Height:           1,
			VoteA:            voteA,
			VoteB:            voteB,
			Timestamp:        at,
		}
	}
	// two nodes detecting the same pair at different times derive the same identity
	first, e := build(time.Unix(1700000000, 0)).Hash()
	require.NoError(t, errOrNil(e))
	second, e := build(time.Unix(1700009999, 0)).Hash()
	require.NoError(t, errOrNil(e))
	require.Equal(t, first, second)
	// a different pair derives a different identity
	other := build(time.Unix(1700000000, 0))
	other.Height = 2
	third, e := other.Hash()
	require.NoError(t, errOrNil(e))
	require.NotEqual(t, first, third)
}
