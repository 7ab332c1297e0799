package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEndToEnd exercises the full signing path over the reference scenario:
// three parties with stakes {10, 20, 70}, m=50, k=5, phi_f=0.4 and a fixed
// message. Keys are derived deterministically, so the lottery outcome is a
// regression anchor rather than a random draw.
func TestEndToEnd(t *testing.T) {
	dist, keys := testDistribution(t, 10, 20, 70)
	params := Parameters{M: 50, K: 5, PhiF: 0.4}
	msg := []byte("snapshot digest e2e")
	com := dist.Commitment()

	wins := make(map[string]int)
	var all []IndividualSignature
	for _, party := range dist.Parties() {
		sigs, err := Sign(party.ID, keyFor(t, keys, dist, party.ID), dist, msg, params)
		require.NoError(t, err)
		wins[string(party.ID)] = len(sigs)
		all = append(all, sigs...)
	}

	// party-2 holds 70% of the stake: its expected win count is ~15 of 50,
	// against ~2.5 for the 10% party. The margins below hold with
	// overwhelming probability for any seed.
	assert.GreaterOrEqual(t, wins["party-2"], 3)
	assert.GreaterOrEqual(t, wins["party-2"], wins["party-0"])
	for id, n := range wins {
		assert.LessOrEqual(t, n, int(params.M), "party %s", id)
	}

	// across all parties enough distinct indices are covered for quorum
	agg, err := Aggregate(all, params)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(agg.Signatures), int(params.K))
	require.NoError(t, agg.Verify(com, msg, params))

	// tampering with one constituent's index field must not verify
	tampered := &AggregateSignature{Signatures: append([]IndividualSignature(nil), agg.Signatures...)}
	for i := uint64(0); i < params.M; i++ {
		taken := false
		for j := range tampered.Signatures {
			if tampered.Signatures[j].Index == i {
				taken = true
				break
			}
		}
		if !taken {
			tampered.Signatures[0].Index = i
			break
		}
	}
	require.Error(t, tampered.Verify(com, msg, params))
}
