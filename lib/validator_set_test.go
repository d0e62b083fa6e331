package lib

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// testValidator() fabricates a validator whose address is the tag byte repeated
func testValidator(tag byte, power uint64) *Validator {
	return &Validator{
		Address:     bytes.Repeat([]byte{tag}, 20),
		PublicKey:   bytes.Repeat([]byte{tag}, 48),
		VotingPower: power,
	}
}

func TestNewValidatorSet(t *testing.T) {
	// define test cases
	tests := []struct {
		name          string
		detail        string
		powers        []uint64
		totalPower    uint64
		minimumMaj23  uint64
		minorityBlock uint64
		error         string
	}{
		{
			name:          "threshold at total power 10",
			detail:        "+2/3 of 10 requires 7 and +1/3 requires 4",
			powers:        []uint64{4, 3, 2, 1},
			totalPower:    10,
			minimumMaj23:  7,
			minorityBlock: 4,
		},
		{
			name:          "threshold at a multiple of three",
			detail:        "+2/3 of 9 requires 7, never exactly two thirds",
			powers:        []uint64{3, 3, 3},
			totalPower:    9,
			minimumMaj23:  7,
			minorityBlock: 4,
		},
		{
			name:          "single validator",
			detail:        "a set of one holds its own quorum",
			powers:        []uint64{5},
			totalPower:    5,
			minimumMaj23:  4,
			minorityBlock: 2,
		},
		{
			name:   "no voting power",
			detail: "a powerless set can never form a quorum",
			powers: []uint64{0, 0},
			error:  "no validators",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			validators := make([]*Validator, 0, len(test.powers))
			for i, power := range test.powers {
				validators = append(validators, testValidator(byte(i+1), power))
			}
			// execute the function call
			vals, err := NewValidatorSet(validators)
			// validate if an error is expected
			require.Equal(t, err != nil, test.error != "", err)
			if err != nil {
				require.ErrorContains(t, err, test.error, err)
				return
			}
			require.Equal(t, test.totalPower, vals.TotalPower)
			require.Equal(t, test.minimumMaj23, vals.MinimumMaj23)
			require.Equal(t, test.minorityBlock, vals.MinorityBlock)
			require.EqualValues(t, len(test.powers), vals.NumValidators)
		})
	}
}

func TestValidatorSetOrdering(t *testing.T) {
	// construction sorts by power descending, ties broken by address ascending
	vals, err := NewValidatorSet([]*Validator{
		testValidator(0x03, 2),
		testValidator(0x01, 5),
		testValidator(0x04, 2),
		testValidator(0x02, 9),
	})
	require.NoError(t, err)
	got := make([]byte, 0, 4)
	for _, v := range vals.Validators {
		got = append(got, v.Address[0])
	}
	require.Equal(t, []byte{0x02, 0x01, 0x03, 0x04}, got)
}

func TestGetValidator(t *testing.T) {
	vals, err := NewValidatorSet([]*Validator{
		testValidator(0x01, 3),
		testValidator(0x02, 2),
	})
	require.NoError(t, err)
	// a member resolves with its power
	val, err := vals.GetValidator(bytes.Repeat([]byte{0x01}, 20))
	require.NoError(t, err)
	require.EqualValues(t, 3, val.VotingPower)
	// a stranger does not
	_, err = vals.GetValidator(bytes.Repeat([]byte{0x09}, 20))
	require.ErrorContains(t, err, "is not in the set")
}

func TestIncrementProposerPriorityRotation(t *testing.T) {
	// with equal powers, a full cycle selects every validator exactly once
	vals, err := NewValidatorSet([]*Validator{
		testValidator(0x01, 10),
		testValidator(0x02, 10),
		testValidator(0x03, 10),
		testValidator(0x04, 10),
	})
	require.NoError(t, err)
	seen := make(map[byte]int)
	for i := 0; i < 4; i++ {
		proposer := vals.IncrementProposerPriority(1)
		require.NotNil(t, proposer)
		seen[proposer.Address[0]]++
	}
	require.Len(t, seen, 4)
	for _, count := range seen {
		require.Equal(t, 1, count)
	}
	// a second cycle repeats the coverage
	for i := 0; i < 4; i++ {
		seen[vals.IncrementProposerPriority(1).Address[0]]++
	}
	for _, count := range seen {
		require.Equal(t, 2, count)
	}
}

func TestIncrementProposerPriorityReplay(t *testing.T) {
	build := func() ValidatorSet {
		vals, err := NewValidatorSet([]*Validator{
			testValidator(0x01, 4),
			testValidator(0x02, 3),
			testValidator(0x03, 2),
			testValidator(0x04, 1),
		})
		require.NoError(t, err)
		return vals
	}
	// stepping a copy n times equals stepping a fresh set n times: the rotation is a
	// pure function of the snapshot and the step count
	for steps := 1; steps <= 12; steps++ {
		a, b := build(), build()
		require.Equal(t, a.IncrementProposerPriority(steps).Address, b.IncrementProposerPriority(steps).Address)
	}
}
