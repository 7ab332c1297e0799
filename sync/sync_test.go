package sync

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
	"github.com/dlachaumepalo/mithril/store"
)

var testParams = stm.Parameters{M: 8, K: 2, PhiF: 1}

func testChain(t *testing.T, n int) []*cert.Certificate {
	t.Helper()

	parties := make([]*stake.Party, 2)
	keys := make([]bls.PrivateKey, 2)
	for i := range parties {
		seed := sha256.Sum256([]byte(fmt.Sprintf("sync-test-key-%d", i)))
		keys[i] = bls.PrivateKey(seed[:])
		parties[i] = &stake.Party{
			ID:    []byte(fmt.Sprintf("party-%d", i)),
			Stake: 50,
			Key:   keys[i].PubKey().Bytes(),
		}
	}
	dist, err := stake.NewDistribution(parties)
	require.NoError(t, err)

	chain := []*cert.Certificate{cert.Genesis(0, []byte("genesis digest"), dist.Commitment())}
	for i := 1; i <= n; i++ {
		msg := []byte(fmt.Sprintf("digest %d", i))
		var sigs []stm.IndividualSignature
		for j, p := range dist.Parties() {
			partySigs, err := stm.Sign(p.ID, keys[j], dist, msg, testParams)
			require.NoError(t, err)
			sigs = append(sigs, partySigs...)
		}
		agg, err := stm.Aggregate(sigs, testParams)
		require.NoError(t, err)

		prevHash, err := chain[len(chain)-1].Hash()
		require.NoError(t, err)
		chain = append(chain, cert.Issue(uint64(i), msg, agg, dist.Commitment(), prevHash))
	}
	return chain
}

func TestSyncer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	chain := testChain(t, 4)
	serverStore := store.NewMemStore()
	for _, c := range chain {
		require.NoError(t, serverStore.SaveCertificate(ctx, c))
	}

	server := NewSyncer(serverStore, hosts[0], testParams)
	server.Start()
	t.Cleanup(server.Stop)

	clientStore := store.NewMemStore()
	client := NewSyncer(clientStore, hosts[1], testParams)
	client.Start()
	t.Cleanup(client.Stop)

	// a fresh client adopts the full remote chain
	require.NoError(t, client.Sync(ctx, hosts[0].ID()))
	got, err := clientStore.Chain(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(chain))
	require.NoError(t, cert.VerifyChain(got, testParams))

	head, err := clientStore.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, chain[len(chain)-1].Epoch, head.Epoch)

	// syncing again makes no progress, both sides hold the same head
	err = client.Sync(ctx, hosts[0].ID())
	require.ErrorIs(t, err, ErrNoProgress)

	// the server refuses nothing: roles reverse cleanly
	err = server.Sync(ctx, hosts[1].ID())
	require.ErrorIs(t, err, ErrNoProgress)
}

func TestSyncerRejectsBrokenChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	t.Cleanup(cancel)

	net, err := mocknet.FullMeshConnected(2)
	require.NoError(t, err)
	hosts := net.Hosts()

	chain := testChain(t, 2)
	serverStore := store.NewMemStore()
	for _, c := range chain {
		require.NoError(t, serverStore.SaveCertificate(ctx, c))
	}
	// tamper the stored middle certificate, breaking its link
	chain[1].MessageDigest = []byte("forged digest")
	server := NewSyncer(serverStore, hosts[0], testParams)
	server.Start()
	t.Cleanup(server.Stop)

	clientStore := store.NewMemStore()
	client := NewSyncer(clientStore, hosts[1], testParams)
	err = client.Sync(ctx, hosts[0].ID())
	require.Error(t, err)

	// nothing was persisted
	_, err = clientStore.Head(ctx)
	require.ErrorIs(t, err, store.ErrEmptyStore)
}