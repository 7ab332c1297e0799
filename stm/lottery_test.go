package stm

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalLotteryDeterministic(t *testing.T) {
	seed := sha256.Sum256([]byte("seed"))
	msg := []byte("message")
	id := []byte("party")
	params := Parameters{M: 100, K: 10, PhiF: 0.5}

	for index := uint64(0); index < params.M; index++ {
		first := EvalLottery(seed[:], msg, id, index, 30, 100, params)
		second := EvalLottery(seed[:], msg, id, index, 30, 100, params)
		require.Equal(t, first, second, "index %d", index)
	}
}

func TestEvalLotteryBounds(t *testing.T) {
	seed := sha256.Sum256([]byte("seed"))
	msg := []byte("message")
	id := []byte("party")
	params := Parameters{M: 64, K: 1, PhiF: 1}

	// phi_f = 1 with any positive stake wins every index
	for index := uint64(0); index < params.M; index++ {
		assert.True(t, EvalLottery(seed[:], msg, id, index, 1, 100, params))
	}

	// zero stake never wins
	for index := uint64(0); index < params.M; index++ {
		assert.False(t, EvalLottery(seed[:], msg, id, index, 0, 100, params))
	}

	// out of range index never wins
	assert.False(t, EvalLottery(seed[:], msg, id, params.M, 100, 100, params))
	// degenerate total stake never wins
	assert.False(t, EvalLottery(seed[:], msg, id, 0, 100, 0, params))
}

func TestWinThreshold(t *testing.T) {
	// full stake share is bounded by phi_f
	assert.InDelta(t, 0.4, winThreshold(0.4, 100, 100), 1e-12)
	// no stake, no chance
	assert.Zero(t, winThreshold(0.4, 0, 100))
	// monotone in stake
	assert.Less(t, winThreshold(0.4, 10, 100), winThreshold(0.4, 20, 100))
}

func TestParametersValidate(t *testing.T) {
	require.NoError(t, Parameters{M: 50, K: 5, PhiF: 0.4}.Validate())

	for _, params := range []Parameters{
		{M: 0, K: 0, PhiF: 0.4},
		{M: 10, K: 11, PhiF: 0.4},
		{M: 10, K: 0, PhiF: 0.4},
		{M: 10, K: 5, PhiF: 0},
		{M: 10, K: 5, PhiF: 1.5},
		{M: 10, K: 5, PhiF: -0.1},
	} {
		require.ErrorIs(t, params.Validate(), ErrInvalidParameters, "%+v", params)
	}
}
