// Package sync replicates the certificate chain to peers over direct
// libp2p streams, letting late joiners catch up without replaying gossip.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/codec"
	"github.com/dlachaumepalo/mithril/stm"
	"github.com/dlachaumepalo/mithril/store"
)

var defaultProtocolID = protocol.ID("/mithril/sync/v1")

// ErrNoProgress is thrown when a peer's chain does not extend past the
// local head.
var ErrNoProgress = errors.New("sync: peer chain not ahead")

// Syncer serves the local certificate chain to peers and pulls remote
// chains into the local store. Pulled chains are fully verified before a
// single certificate is persisted, so a malicious peer cannot corrupt
// the store.
type Syncer struct {
	store  store.CertificateStore
	host   host.Host
	params stm.Parameters

	protocolID protocol.ID

	log *slog.Logger
}

func NewSyncer(st store.CertificateStore, host host.Host, params stm.Parameters) *Syncer {
	return &Syncer{
		store:      st,
		host:       host,
		params:     params,
		protocolID: defaultProtocolID,
		log:        slog.With("module", "sync"),
	}
}

func (s *Syncer) Start() {
	s.host.SetStreamHandler(s.protocolID, func(stream network.Stream) {
		if err := s.serveChain(stream); err != nil {
			s.log.Error("serving chain", "err", err)
		}
	})
}

func (s *Syncer) Stop() {
	s.host.RemoveStreamHandler(s.protocolID)
}

// Sync pulls the full certificate chain from the given peer and persists
// it when it verifies and extends past the local head. A local chain that
// is already ahead or equal fails with [ErrNoProgress] and stays intact.
func (s *Syncer) Sync(ctx context.Context, from peer.ID) error {
	stream, err := s.host.NewStream(ctx, from, s.protocolID)
	if err != nil {
		return fmt.Errorf("sync: opening stream: %w", err)
	}
	defer stream.Close()

	// set stream deadline from the context deadline.
	// if it is empty, then we assume that it will
	// hang until the server will close the stream by the timeout.
	if dl, ok := ctx.Deadline(); ok {
		if err = stream.SetDeadline(dl); err != nil {
			s.log.WarnContext(ctx, "error setting deadline", "err", err)
		}
	}

	if err = stream.CloseWrite(); err != nil {
		return err
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("sync: reading chain: %w", err)
	}

	var chain []*cert.Certificate
	if err = codec.Unmarshal(data, &chain); err != nil {
		return fmt.Errorf("sync: decoding chain: %w", err)
	}
	if err = cert.VerifyChain(chain, s.params); err != nil {
		return fmt.Errorf("sync: verifying chain from(%s): %w", from, err)
	}

	head, err := s.store.Head(ctx)
	switch {
	case errors.Is(err, store.ErrEmptyStore):
	case err != nil:
		return err
	default:
		if chain[len(chain)-1].Epoch <= head.Epoch {
			return ErrNoProgress
		}
	}

	for _, c := range chain {
		if err = s.store.SaveCertificate(ctx, c); err != nil {
			return err
		}
	}
	s.log.InfoContext(ctx, "synced chain", "from", from, "length", len(chain))
	return nil
}

func (s *Syncer) serveChain(stream network.Stream) error {
	chain, err := s.store.Chain(context.TODO())
	if err != nil {
		return errors.Join(err, stream.Reset())
	}

	data, err := codec.Marshal(chain)
	if err != nil {
		return err
	}
	if _, err = stream.Write(data); err != nil {
		return fmt.Errorf("sync: writing chain: %w", err)
	}
	return stream.Close()
}
