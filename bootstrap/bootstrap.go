// Package bootstrap wires a fresh node into the network: it exchanges
// peer addresses through a bootstrapper node and registers the local
// party's stake and verification key, so every node can assemble the
// same stake distribution before signing starts.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/dlachaumepalo/mithril/codec"
	"github.com/dlachaumepalo/mithril/stake"
)

var (
	peersProtocol    protocol.ID = "/mithril/bootstrap/peers/v1"
	registerProtocol protocol.ID = "/mithril/bootstrap/register/v1"
	registryProtocol protocol.ID = "/mithril/bootstrap/registry/v1"
)

// Service runs the bootstrap protocols. A bootstrapper serves them, a
// regular node dials them once on startup.
type Service struct {
	host host.Host
	self *stake.Party

	partiesMu sync.Mutex
	parties   map[string]*stake.Party

	log *slog.Logger
}

func NewService(host host.Host, self *stake.Party) *Service {
	serv := &Service{
		host:    host,
		self:    self,
		parties: make(map[string]*stake.Party),
		log:     slog.With("module", "bootstrap-svc"),
	}
	if self != nil {
		serv.parties[string(self.ID)] = self
	}
	return serv
}

// Serve starts serving bootstrap requests: known peer addresses, party
// registrations and the assembled registry.
func (serv *Service) Serve() {
	serv.host.SetStreamHandler(peersProtocol, serv.servePeers)
	serv.host.SetStreamHandler(registerProtocol, func(stream network.Stream) {
		if err := serv.rcvRegistration(stream); err != nil {
			serv.log.Error("receiving registration", "err", err)
			stream.Reset() //nolint: errcheck
		}
	})
	serv.host.SetStreamHandler(registryProtocol, func(stream network.Stream) {
		if err := serv.serveRegistry(stream); err != nil {
			serv.log.Error("serving registry", "err", err)
		}
	})
}

// Start connects to the bootstrapper, registers the local party and
// connects to all the peers the bootstrapper knows about.
func (serv *Service) Start(ctx context.Context, bootstrapper peer.AddrInfo) error {
	err := serv.host.Connect(ctx, bootstrapper)
	if err != nil {
		return fmt.Errorf("connecting to bootstrapper: %w", err)
	}
	serv.log.DebugContext(ctx, "connected to bootstrapper")

	if serv.self != nil {
		if err := serv.register(ctx, bootstrapper.ID); err != nil {
			return err
		}
	}

	// this gives time for connections to settle on the bootstrapper and gets us all the peers
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}

	s, err := serv.host.NewStream(ctx, bootstrapper.ID, peersProtocol)
	if err != nil {
		return err
	}

	bytes, err := io.ReadAll(s)
	if err != nil {
		return err
	}

	var peers []peer.AddrInfo
	err = json.Unmarshal(bytes, &peers)
	if err != nil {
		return err
	}

	err = s.Close()
	if err != nil {
		return err
	}

	for _, p := range peers {
		if p.ID == serv.host.ID() {
			continue
		}
		go func() {
			err := serv.host.Connect(ctx, p)
			if err != nil {
				serv.log.Error("connecting to peer", "err", err)
			}
		}()
	}

	serv.log.Debug("started")
	return nil
}

// Distribution assembles the stake distribution out of the registered
// parties. On a regular node the registry is first pulled from the given
// bootstrapper; the bootstrapper itself assembles from local state.
func (serv *Service) Distribution(ctx context.Context, bootstrapper *peer.ID) (*stake.Distribution, error) {
	if bootstrapper != nil {
		if err := serv.pullRegistry(ctx, *bootstrapper); err != nil {
			return nil, err
		}
	}

	serv.partiesMu.Lock()
	parties := make([]*stake.Party, 0, len(serv.parties))
	for _, p := range serv.parties {
		parties = append(parties, p)
	}
	serv.partiesMu.Unlock()

	return stake.NewDistribution(parties)
}

// register sends the local party's registration to the bootstrapper.
func (serv *Service) register(ctx context.Context, to peer.ID) error {
	stream, err := serv.host.NewStream(ctx, to, registerProtocol)
	if err != nil {
		return fmt.Errorf("opening registration stream: %w", err)
	}
	defer stream.Close()

	data, err := codec.Marshal(serv.self)
	if err != nil {
		return err
	}
	if _, err = stream.Write(data); err != nil {
		return fmt.Errorf("writing registration: %w", err)
	}
	if err = stream.CloseWrite(); err != nil {
		return err
	}
	// the ack is the remote close, observed as EOF; a zero-length read
	// would return immediately without waiting
	if _, err = io.ReadAll(stream); err != nil {
		return fmt.Errorf("awaiting acknowledgement: %w", err)
	}
	return nil
}

// pullRegistry fetches all the registered parties from the bootstrapper.
func (serv *Service) pullRegistry(ctx context.Context, from peer.ID) error {
	stream, err := serv.host.NewStream(ctx, from, registryProtocol)
	if err != nil {
		return fmt.Errorf("opening registry stream: %w", err)
	}
	defer stream.Close()

	if err = stream.CloseWrite(); err != nil {
		return err
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	var parties []*stake.Party
	if err = codec.Unmarshal(data, &parties); err != nil {
		return fmt.Errorf("decoding registry: %w", err)
	}

	serv.partiesMu.Lock()
	defer serv.partiesMu.Unlock()
	for _, p := range parties {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid registered party: %w", err)
		}
		serv.parties[string(p.ID)] = p
	}
	return nil
}

func (serv *Service) servePeers(stream network.Stream) {
	store := serv.host.Peerstore()
	peerIDs := store.PeersWithAddrs()

	peers := make([]peer.AddrInfo, len(peerIDs))
	for i, p := range peerIDs {
		peers[i] = store.PeerInfo(p)
	}

	bytes, err := json.Marshal(peers)
	if err != nil {
		return
	}

	_, err = stream.Write(bytes)
	if err != nil {
		return
	}

	err = stream.CloseWrite()
	if err != nil {
		return
	}
}

func (serv *Service) rcvRegistration(stream network.Stream) error {
	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("reading registration: %w", err)
	}

	var party stake.Party
	if err = codec.Unmarshal(data, &party); err != nil {
		return fmt.Errorf("decoding registration: %w", err)
	}
	if err = party.Validate(); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}

	serv.partiesMu.Lock()
	serv.parties[string(party.ID)] = &party
	serv.partiesMu.Unlock()

	// ack the registrant by closing the stream, only after the party is
	// part of local state
	if err = stream.Close(); err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}

	serv.log.Debug("registered party", "id", fmt.Sprintf("%X", party.ID))
	return nil
}

func (serv *Service) serveRegistry(stream network.Stream) error {
	serv.partiesMu.Lock()
	parties := make([]*stake.Party, 0, len(serv.parties))
	for _, p := range serv.parties {
		parties = append(parties, p)
	}
	serv.partiesMu.Unlock()

	data, err := codec.Marshal(parties)
	if err != nil {
		return err
	}
	if _, err = stream.Write(data); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return stream.Close()
}
