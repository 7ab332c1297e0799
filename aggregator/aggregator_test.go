package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/crypto/ed25519"
	"github.com/dlachaumepalo/mithril/crypto/local"
	"github.com/dlachaumepalo/mithril/gossip"
	"github.com/dlachaumepalo/mithril/round"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
	"github.com/dlachaumepalo/mithril/store"
)

var testParams = stm.Parameters{M: 8, K: 4, PhiF: 1}

// epochDigest derives a deterministic digest per epoch, standing in for
// real snapshot digests.
func epochDigest(_ context.Context, epoch uint64) ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	digest := sha256.Sum256(buf[:])
	return digest[:], nil
}

func testDistribution(t *testing.T, stakes ...uint64) (*stake.Distribution, []bls.PrivateKey) {
	t.Helper()

	parties := make([]*stake.Party, len(stakes))
	keys := make([]bls.PrivateKey, len(stakes))
	for i, s := range stakes {
		seed := sha256.Sum256([]byte(fmt.Sprintf("aggregator-test-key-%d", i)))
		keys[i] = bls.PrivateKey(seed[:])
		parties[i] = &stake.Party{
			ID:    []byte(fmt.Sprintf("party-%d", i)),
			Stake: s,
			Key:   keys[i].PubKey().Bytes(),
		}
	}
	dist, err := stake.NewDistribution(parties)
	require.NoError(t, err)
	return dist, keys
}

func newTestAggregator(t *testing.T, h host.Host, dist *stake.Distribution, member *Member) (*Aggregator, store.Store) {
	t.Helper()

	psub, err := pubsub.NewGossipSub(context.Background(), h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign))
	require.NoError(t, err)
	_, privKey, err := ed25519.GenKeys()
	require.NoError(t, err)
	signer, err := local.NewSigner(privKey)
	require.NoError(t, err)

	st := store.NewMemStore()
	rounds := round.NewManager()
	bro := gossip.NewBroadcaster("aggregator-test", signer, rounds, psub)

	distFn := func(context.Context, uint64) (*stake.Distribution, error) {
		return dist, nil
	}
	agg := NewAggregator(bro, rounds, st, distFn, epochDigest, member, testParams,
		WithRoundTimeout(time.Second*10),
		WithRetryDelay(time.Millisecond*50),
	)
	bro.SetHandler(agg)
	require.NoError(t, bro.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		require.NoError(t, bro.Stop(ctx))
	})
	return agg, st
}

func connect(ctx context.Context, t *testing.T, net mocknet.Mocknet) {
	hs := net.Hosts()
	subs := make([]event.Subscription, len(hs))
	for i, h := range hs {
		subs[i], _ = h.EventBus().Subscribe(&event.EvtPeerIdentificationCompleted{})
	}

	err := net.ConnectAllButSelf()
	require.NoError(t, err)

	for _, sub := range subs {
		select {
		case <-sub.Out():
		case <-ctx.Done():
			require.Fail(t, "timeout waiting for peers to connect")
		}
	}
}

func TestAggregatorProducesChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*60)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshLinked(2)
	require.NoError(t, err)

	dist, keys := testDistribution(t, 100)
	member := &Member{ID: []byte("party-0"), Key: keys[0]}

	// node 0 drives the chain, node 1 only observes delivered certificates
	driver, driverStore := newTestAggregator(t, net.Hosts()[0], dist, member)
	_, observerStore := newTestAggregator(t, net.Hosts()[1], dist, nil)

	connect(ctx, t, net)
	driver.Start()
	t.Cleanup(driver.Stop)

	// the driver certifies several epochs on top of its genesis
	require.Eventually(t, func() bool {
		head, err := driverStore.Head(ctx)
		return err == nil && head.Epoch >= 3
	}, time.Second*30, time.Millisecond*50)

	chain, err := driverStore.Chain(ctx)
	require.NoError(t, err)
	require.True(t, chain[0].IsGenesis())
	require.NoError(t, cert.VerifyChain(chain, testParams))

	// epochs advance one at a time
	for i, c := range chain {
		require.EqualValues(t, i, c.Epoch)
	}

	// the observer assembled the same chain purely from gossip
	require.Eventually(t, func() bool {
		head, err := observerStore.Head(ctx)
		return err == nil && head.Epoch >= 2
	}, time.Second*30, time.Millisecond*50)

	observed, err := observerStore.Chain(ctx)
	require.NoError(t, err)
	require.NoError(t, cert.VerifyChain(observed, testParams))
	for i, c := range observed {
		wantHash, err := chain[i].Hash()
		require.NoError(t, err)
		gotHash, err := c.Hash()
		require.NoError(t, err)
		require.Equal(t, wantHash, gotHash)
	}
}

func TestHandleCertificate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	t.Cleanup(cancel)

	dist, keys := testDistribution(t, 40, 60)
	st := store.NewMemStore()
	distFn := func(context.Context, uint64) (*stake.Distribution, error) {
		return dist, nil
	}
	agg := NewAggregator(nil, round.NewManager(), st, distFn, epochDigest, nil, testParams)

	digest0, err := epochDigest(ctx, 0)
	require.NoError(t, err)
	genesis := cert.Genesis(0, digest0, dist.Commitment())

	// non-genesis certificates cannot start a chain
	digest1, err := epochDigest(ctx, 1)
	require.NoError(t, err)
	var sigs []stm.IndividualSignature
	for i, p := range dist.Parties() {
		partySigs, err := stm.Sign(p.ID, keys[i], dist, digest1, testParams)
		require.NoError(t, err)
		sigs = append(sigs, partySigs...)
	}
	agg1, err := stm.Aggregate(sigs, testParams)
	require.NoError(t, err)
	genesisHash, err := genesis.Hash()
	require.NoError(t, err)
	next := cert.Issue(1, digest1, agg1, dist.Commitment(), genesisHash)

	err = agg.HandleCertificate(ctx, next)
	require.ErrorIs(t, err, ErrCertificateMismatch)

	require.NoError(t, agg.HandleCertificate(ctx, genesis))
	// re-delivery is absorbed
	require.NoError(t, agg.HandleCertificate(ctx, genesis))

	require.NoError(t, agg.HandleCertificate(ctx, next))
	head, err := st.Head(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, head.Epoch)

	// certificates not extending the head are refused
	stale := cert.Issue(2, digest1, agg1, dist.Commitment(), genesisHash)
	err = agg.HandleCertificate(ctx, stale)
	require.ErrorIs(t, err, ErrCertificateMismatch)

	// certificates with a broken aggregate are refused
	digest2, err := epochDigest(ctx, 2)
	require.NoError(t, err)
	nextHash, err := next.Hash()
	require.NoError(t, err)
	forged := cert.Issue(2, digest2, agg1, dist.Commitment(), nextHash)
	err = agg.HandleCertificate(ctx, forged)
	require.Error(t, err)
}
