package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/dlachaumepalo/mithril/aggregator"
	"github.com/dlachaumepalo/mithril/bootstrap"
	"github.com/dlachaumepalo/mithril/crypto"
	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/crypto/ed25519"
	"github.com/dlachaumepalo/mithril/crypto/local"
	"github.com/dlachaumepalo/mithril/gossip"
	"github.com/dlachaumepalo/mithril/round"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
	"github.com/dlachaumepalo/mithril/store"
	chainsync "github.com/dlachaumepalo/mithril/sync"
)

var networkID gossip.NetworkID = "mithril"

var (
	isBootstrapper bool
	bootstrapper   string
	kickoffTimeout time.Duration
	selfStake      uint64
	storePath      string
	paramM         uint64
	paramK         uint64
	paramPhiF      float64
)

func init() {
	flag.BoolVar(&isBootstrapper, "is-bootstrapper", false,
		"To indicate node is bootstrapper",
	)
	flag.StringVar(&bootstrapper, "bootstrapper", "",
		"Specifies network bootstrapper multiaddr",
	)
	flag.DurationVar(&kickoffTimeout, "kickoff-timeout", time.Second*5,
		"Timeout before starting certificate production",
	)
	flag.Uint64Var(&selfStake, "stake", 1000,
		"Stake to register the local party with",
	)
	flag.StringVar(&storePath, "store", "",
		"Certificate store path. Defaults to ~/.mithril/data",
	)
	flag.Uint64Var(&paramM, "param-m", 100, "Number of lottery indices")
	flag.Uint64Var(&paramK, "param-k", 60, "Quorum of distinct indices per certificate")
	flag.Float64Var(&paramPhiF, "param-phi-f", 0.65, "Lottery difficulty in (0, 1]")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx)
	if err != nil {
		fmt.Println(err)
		defer os.Exit(1)
		return
	}
}

func run(ctx context.Context) error {
	params := stm.Parameters{M: paramM, K: paramK, PhiF: paramPhiF}
	if err := params.Validate(); err != nil {
		return err
	}

	dir, err := nodeDir()
	if err != nil {
		return err
	}

	p2pKey, privKey, err := getIdentity(dir)
	if err != nil {
		return err
	}
	signer, err := local.NewSigner(privKey)
	if err != nil {
		return err
	}
	blsKey, err := getSigningKey(dir)
	if err != nil {
		return err
	}

	self := &stake.Party{
		ID:    signer.ID(),
		Stake: selfStake,
		Key:   blsKey.PubKey().Bytes(),
	}

	listenAddrs := []string{
		"/ip4/0.0.0.0/udp/10000/quic-v1",
		"/ip6/::/udp/10000/quic-v1",
	}
	listenMAddrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, s := range listenAddrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return err
		}
		listenMAddrs = append(listenMAddrs, addr)
	}

	host, err := libp2p.New(
		libp2p.Identity(p2pKey),
		libp2p.ListenAddrs(listenMAddrs...),
		libp2p.ResourceManager(&network.NullResourceManager{}),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	addrs, err := peer.AddrInfoToP2pAddrs(p2phost.InfoFromHost(host))
	if err != nil {
		return err
	}

	fmt.Println("The p2p host is listening on:")
	for _, addr := range addrs {
		fmt.Println("* ", addr.String())
	}
	fmt.Println()

	pSub, err := pubsub.NewFloodSub(ctx, host)
	if err != nil {
		return err
	}

	boot := bootstrap.NewService(host, self)
	var bootstrapperID *peer.ID
	if isBootstrapper {
		boot.Serve()
	} else {
		maddr, err := multiaddr.NewMultiaddr(bootstrapper)
		if err != nil {
			return fmt.Errorf("wrong bootstrapper multiaddr: %w", err)
		}

		addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return err
		}

		err = boot.Start(ctx, *addrInfo)
		if err != nil {
			return err
		}
		bootstrapperID = &addrInfo.ID
	}

	if storePath == "" {
		storePath = dir + "/data"
	}
	st, err := store.NewBadgerStore(storePath)
	if err != nil {
		return err
	}
	defer st.Close() //nolint: errcheck

	rounds := round.NewManager()
	broadcaster := gossip.NewBroadcaster(networkID, signer, rounds, pSub)

	syncer := chainsync.NewSyncer(st, host, params)
	syncer.Start()
	defer syncer.Stop()

	select {
	case <-time.After(kickoffTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	// the registry is pulled once at kickoff and the distribution stays
	// fixed for the node's lifetime
	dist, err := boot.Distribution(ctx, bootstrapperID)
	if err != nil {
		return err
	}
	distFn := func(context.Context, uint64) (*stake.Distribution, error) {
		return dist, nil
	}

	// catch up with the chain before producing on top of it
	if bootstrapperID != nil {
		err = syncer.Sync(ctx, *bootstrapperID)
		if err != nil && !errors.Is(err, chainsync.ErrNoProgress) {
			slog.WarnContext(ctx, "chain sync failed", "err", err)
		}
	}

	agg := aggregator.NewAggregator(
		broadcaster, rounds, st, distFn, epochDigest,
		&aggregator.Member{ID: self.ID, Key: blsKey},
		params,
	)
	broadcaster.SetHandler(agg)
	err = broadcaster.Start()
	if err != nil {
		return err
	}
	defer broadcaster.Stop(ctx) //nolint: errcheck

	agg.Start()
	defer agg.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// epochDigest derives the digest certified at each epoch.
func epochDigest(_ context.Context, epoch uint64) ([]byte, error) {
	h := sha256.New()
	h.Write([]byte(networkID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	h.Write(buf[:])
	return h.Sum(nil), nil
}

func nodeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	dir := home + "/.mithril"
	if err = os.Mkdir(dir, os.ModePerm); err != nil && !errors.Is(err, os.ErrExist) {
		return "", err
	}
	return dir, nil
}

func getIdentity(dir string) (libp2pcrypto.PrivKey, crypto.PrivKey, error) {
	var keyBytes []byte
	path := dir + "/key"
	f, err := os.Open(path)
	if err != nil {
		f, err = os.Create(path)
		if err != nil {
			return nil, nil, err
		}

		privKey, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			defer f.Close()
			return nil, nil, err
		}

		keyBytes, err = libp2pcrypto.MarshalPrivateKey(privKey)
		if err != nil {
			defer f.Close()
			return nil, nil, err
		}

		_, err = f.Write(keyBytes)
		if err != nil {
			defer f.Close()
			return nil, nil, err
		}
		if err = f.Sync(); err != nil {
			return nil, nil, err
		}
	}
	defer f.Close()

	if keyBytes == nil {
		keyBytes, err = io.ReadAll(f)
		if err != nil {
			return nil, nil, err
		}
	}

	p2pKey, err := libp2pcrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, nil, err
	}

	keyRaw, err := p2pKey.Raw()
	if err != nil {
		return nil, nil, err
	}
	key := ed25519.PrivateKey(keyRaw)

	slog.Info("identity", "pubkey", hex.EncodeToString(key.PubKey().Bytes()))
	return p2pKey, key, nil
}

// getSigningKey loads or generates the party's lottery signing key.
func getSigningKey(dir string) (bls.PrivateKey, error) {
	path := dir + "/signing_key"
	keyBytes, err := os.ReadFile(path)
	if err == nil {
		return bls.PrivateKey(keyBytes), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, key, err := bls.GenKeys()
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}

	slog.Info("generated signing key", "path", path)
	return key, nil
}
