package cert

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlachaumepalo/mithril/codec"
	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
)

var testParams = stm.Parameters{M: 8, K: 3, PhiF: 1}

// testQuorum builds a deterministic distribution and a verified aggregate
// over msg. phi_f = 1 makes every party win every index, so quorum is
// always reachable.
func testQuorum(t *testing.T, epoch uint64, msg []byte) (stake.Commitment, *stm.AggregateSignature) {
	t.Helper()

	const partyCount = 3
	parties := make([]*stake.Party, partyCount)
	keys := make([]bls.PrivateKey, partyCount)
	for i := range parties {
		seed := sha256.Sum256([]byte(fmt.Sprintf("cert-test-key-%d-%d", epoch, i)))
		keys[i] = bls.PrivateKey(seed[:])
		parties[i] = &stake.Party{
			ID:    []byte(fmt.Sprintf("party-%d", i)),
			Stake: uint64(10 * (i + 1)),
			Key:   keys[i].PubKey().Bytes(),
		}
	}
	dist, err := stake.NewDistribution(parties)
	require.NoError(t, err)

	var all []stm.IndividualSignature
	for i, p := range parties {
		sigs, err := stm.Sign(p.ID, keys[i], dist, msg, testParams)
		require.NoError(t, err)
		all = append(all, sigs...)
	}

	agg, err := stm.Aggregate(all, testParams)
	require.NoError(t, err)
	return dist.Commitment(), agg
}

// testChain issues a genesis certificate followed by length linked ones,
// one per epoch.
func testChain(t *testing.T, length int) []*Certificate {
	t.Helper()

	com, _ := testQuorum(t, 0, []byte("genesis"))
	chain := []*Certificate{Genesis(0, []byte("genesis"), com)}

	for epoch := uint64(1); epoch <= uint64(length); epoch++ {
		msg := []byte(fmt.Sprintf("snapshot digest %d", epoch))
		com, agg := testQuorum(t, epoch, msg)

		prevHash, err := chain[len(chain)-1].Hash()
		require.NoError(t, err)
		chain = append(chain, Issue(epoch, msg, agg, com, prevHash))
	}
	return chain
}

func TestVerifyChain(t *testing.T) {
	chain := testChain(t, 3)
	require.NoError(t, VerifyChain(chain, testParams))

	require.True(t, chain[0].IsGenesis())
	for _, c := range chain[1:] {
		require.False(t, c.IsGenesis())
	}
}

func TestVerifyChainRejects(t *testing.T) {
	chain := testChain(t, 3)

	t.Run("empty", func(t *testing.T) {
		require.ErrorIs(t, VerifyChain(nil, testParams), ErrEmptyChain)
	})

	t.Run("no genesis", func(t *testing.T) {
		err := VerifyChain(chain[1:], testParams)
		require.ErrorIs(t, err, ErrNotGenesis)
	})

	t.Run("altered prev hash", func(t *testing.T) {
		broken := append([]*Certificate(nil), chain...)
		c := *broken[2]
		c.PrevHash = append([]byte(nil), c.PrevHash...)
		c.PrevHash[0] ^= 0xff
		broken[2] = &c

		err := VerifyChain(broken, testParams)
		require.ErrorIs(t, err, ErrBrokenLink)
		var chainErr *ChainError
		require.ErrorAs(t, err, &chainErr)
		require.Equal(t, 2, chainErr.Index)
	})

	t.Run("tampered certificate breaks the successor link", func(t *testing.T) {
		broken := append([]*Certificate(nil), chain...)
		c := *broken[1]
		c.MessageDigest = []byte("rewritten history")
		broken[1] = &c

		err := VerifyChain(broken, testParams)
		var chainErr *ChainError
		require.ErrorAs(t, err, &chainErr)
	})

	t.Run("epoch regression", func(t *testing.T) {
		msg := []byte("snapshot digest 1") // reuse epoch 1 quorum
		com, agg := testQuorum(t, 1, msg)
		prevHash, err := chain[len(chain)-1].Hash()
		require.NoError(t, err)

		regressed := append(append([]*Certificate(nil), chain...),
			Issue(1, msg, agg, com, prevHash))
		err = VerifyChain(regressed, testParams)
		require.ErrorIs(t, err, ErrEpochRegression)
		var chainErr *ChainError
		require.ErrorAs(t, err, &chainErr)
		require.Equal(t, len(regressed)-1, chainErr.Index)
	})

	t.Run("missing aggregate", func(t *testing.T) {
		broken := append([]*Certificate(nil), chain...)
		c := *broken[3]
		c.AggSig = nil
		broken[3] = &c
		// the hash changes with the aggregate, so relink the certificate
		prevHash, err := broken[2].Hash()
		require.NoError(t, err)
		c.PrevHash = prevHash

		err = VerifyChain(broken, testParams)
		require.ErrorIs(t, err, ErrMissingAggregate)
	})
}

func TestCertificateEncoding(t *testing.T) {
	chain := testChain(t, 1)
	head := chain[1]

	data, err := codec.Marshal(head)
	require.NoError(t, err)

	var decoded Certificate
	require.NoError(t, codec.Unmarshal(data, &decoded))

	wantHash, err := head.Hash()
	require.NoError(t, err)
	gotHash, err := decoded.Hash()
	require.NoError(t, err)
	require.Equal(t, wantHash, gotHash)

	// the decoded certificate still chains and verifies
	require.NoError(t, VerifyChain([]*Certificate{chain[0], &decoded}, testParams))
}
