package stm

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/stake"
)

// testKey derives a deterministic keypair so lottery outcomes are
// reproducible across runs.
func testKey(t *testing.T, i int) (bls.PublicKey, bls.PrivateKey) {
	t.Helper()
	seed := sha256.Sum256([]byte(fmt.Sprintf("stm-test-key-%d", i)))
	privKey := bls.PrivateKey(seed[:])
	pubKey, ok := privKey.PubKey().(bls.PublicKey)
	require.True(t, ok)
	return pubKey, privKey
}

// testDistribution builds a deterministic distribution over the given
// stakes, returning the matching private keys by party position.
func testDistribution(t *testing.T, stakes ...uint64) (*stake.Distribution, []bls.PrivateKey) {
	t.Helper()
	parties := make([]*stake.Party, len(stakes))
	keys := make([]bls.PrivateKey, len(stakes))
	for i, s := range stakes {
		pubK, privK := testKey(t, i)
		parties[i] = &stake.Party{
			ID:    []byte(fmt.Sprintf("party-%d", i)),
			Stake: s,
			Key:   pubK.Bytes(),
		}
		keys[i] = privK
	}
	dist, err := stake.NewDistribution(parties)
	require.NoError(t, err)
	return dist, keys
}

func TestSignVerifyIndividual(t *testing.T) {
	dist, keys := testDistribution(t, 40, 60)
	params := Parameters{M: 64, K: 4, PhiF: 0.9}
	msg := []byte("snapshot digest")
	com := dist.Commitment()
	seed := LotterySeed(com)

	for _, party := range dist.Parties() {
		sigs, err := Sign(party.ID, keyFor(t, keys, dist, party.ID), dist, msg, params)
		require.NoError(t, err)

		won := make(map[uint64]struct{})
		for index := uint64(0); index < params.M; index++ {
			if EvalLottery(seed, msg, party.ID, index, party.Stake, com.TotalStake, params) {
				won[index] = struct{}{}
			}
		}
		// signatures exist exactly for the won indices
		require.Len(t, sigs, len(won))
		for i := range sigs {
			_, ok := won[sigs[i].Index]
			require.True(t, ok)
			require.NoError(t, VerifyIndividual(&sigs[i], com, msg, params))
		}
	}
}

// keyFor finds the private key matching a party id after canonical sorting.
func keyFor(t *testing.T, keys []bls.PrivateKey, dist *stake.Distribution, id []byte) bls.PrivateKey {
	t.Helper()
	party := dist.GetByID(id)
	require.NotNil(t, party)
	for _, key := range keys {
		if key.PubKey().Equals(party.Key) {
			return key
		}
	}
	t.Fatalf("no key for party %X", id)
	return nil
}

func TestSignNotAMember(t *testing.T) {
	dist, keys := testDistribution(t, 40, 60)
	params := Parameters{M: 64, K: 4, PhiF: 0.9}

	_, err := Sign([]byte("stranger"), keys[0], dist, []byte("msg"), params)
	require.ErrorIs(t, err, ErrNotAMember)

	// member id with a foreign secret key
	_, wrongKey := testKey(t, 99)
	_, err = Sign([]byte("party-0"), wrongKey, dist, []byte("msg"), params)
	require.ErrorIs(t, err, ErrNotAMember)
}

func TestVerifyIndividualRejects(t *testing.T) {
	dist, keys := testDistribution(t, 100)
	// phi_f = 1 guarantees every index is won
	params := Parameters{M: 8, K: 2, PhiF: 1}
	msg := []byte("snapshot digest")
	com := dist.Commitment()

	sigs, err := Sign([]byte("party-0"), keys[0], dist, msg, params)
	require.NoError(t, err)
	require.Len(t, sigs, int(params.M))

	// wrong message
	err = VerifyIndividual(&sigs[0], com, []byte("other"), params)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// out of range index claims no eligibility
	tampered := sigs[0]
	tampered.Index = params.M
	err = VerifyIndividual(&tampered, com, msg, params)
	require.ErrorIs(t, err, ErrInvalidEligibility)

	// tampered stake breaks the proof
	tampered = sigs[0]
	tampered.Proof.Party.Stake++
	err = VerifyIndividual(&tampered, com, msg, params)
	require.ErrorIs(t, err, ErrInvalidProof)

	// tampered body breaks the signature
	tampered = sigs[0]
	tampered.Body = append([]byte(nil), tampered.Body...)
	tampered.Body[0] ^= 0xff
	err = VerifyIndividual(&tampered, com, msg, params)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// foreign commitment breaks the proof
	other, _ := testDistribution(t, 50, 50)
	err = VerifyIndividual(&sigs[0], other.Commitment(), msg, params)
	require.ErrorIs(t, err, ErrInvalidProof)
}
