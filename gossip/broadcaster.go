// Package gossip transports signing round traffic over libp2p PubSub.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/crypto"
	"github.com/dlachaumepalo/mithril/round"
	"github.com/dlachaumepalo/mithril/stm"
)

// Handler reacts to the delivered envelope kinds that need orchestration
// beyond plain signature admission: round openings and issued
// certificates.
type Handler interface {
	// HandleAnnouncement is invoked when a round opening for the
	// (epoch, digest) pair is delivered.
	HandleAnnouncement(ctx context.Context, epoch uint64, msgDigest []byte) error
	// HandleCertificate is invoked when an issued certificate is
	// delivered.
	HandleCertificate(ctx context.Context, c *cert.Certificate) error
}

// Broadcaster gossips round announcements, individual signatures and
// issued certificates over a single PubSub topic. Delivered signatures
// are admitted straight into the local [round.Manager]; everything else
// is dispatched to the [Handler].
type Broadcaster struct {
	networkID NetworkID

	rounds *round.Manager
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	signer  crypto.Signer
	handler Handler

	log *slog.Logger
}

// NewBroadcaster instantiates a new gossiping [Broadcaster] admitting
// delivered signatures into rounds.
func NewBroadcaster(networkID NetworkID, signer crypto.Signer, rounds *round.Manager, ps *pubsub.PubSub) *Broadcaster {
	return &Broadcaster{
		networkID: networkID,
		rounds:    rounds,
		pubsub:    ps,
		signer:    signer,
		log:       slog.With("module", "gossip"),
	}
}

// SetHandler registers the orchestration [Handler]. Must be called before
// [Broadcaster.Start]; without a Handler announcements and certificates
// are relayed but not acted upon.
func (bro *Broadcaster) SetHandler(handler Handler) {
	bro.handler = handler
}

func (bro *Broadcaster) Start() (err error) {
	bro.topic, err = bro.pubsub.Join(bro.networkID.String())
	if err != nil {
		return err
	}

	// pubsub forces us to create at least one subscription
	bro.sub, err = bro.topic.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		for {
			_, err := bro.sub.Next(context.Background())
			if err != nil {
				return
			}
		}
	}()

	err = bro.pubsub.RegisterTopicValidator(
		bro.networkID.String(),
		bro.deliverGossip,
		pubsub.WithValidatorTimeout(time.Second),
	)
	if err != nil {
		return err
	}

	return nil
}

func (bro *Broadcaster) Stop(ctx context.Context) (err error) {
	bro.sub.Cancel()
	err = errors.Join(err, bro.topic.Close())
	err = errors.Join(err, bro.pubsub.UnregisterTopicValidator(bro.networkID.String()))
	err = errors.Join(err, bro.rounds.Stop(ctx))
	return err
}

// AnnounceRound publishes a round opening for the (epoch, digest) pair.
// The announcement is also handled locally, so the announcer does not
// depend on loopback delivery.
func (bro *Broadcaster) AnnounceRound(ctx context.Context, epoch uint64, msgDigest []byte) error {
	if bro.handler != nil {
		if err := bro.handler.HandleAnnouncement(ctx, epoch, msgDigest); err != nil {
			return err
		}
	}
	return bro.publish(ctx, announcementEnvelope, &announcement{
		Epoch:         epoch,
		MessageDigest: msgDigest,
	})
}

// BroadcastSignatures publishes the given individual signatures for the
// (epoch, digest) pair, admitting each locally first. Signatures failing
// local admission are not published.
func (bro *Broadcaster) BroadcastSignatures(ctx context.Context, epoch uint64, msgDigest []byte, sigs []stm.IndividualSignature) error {
	key := round.NewKey(epoch, msgDigest)
	for _, sig := range sigs {
		if err := bro.rounds.Admit(ctx, key, sig); err != nil {
			return fmt.Errorf("gossip: admitting own signature(%d): %w", sig.Index, err)
		}
		err := bro.publish(ctx, signatureEnvelope, &signatureCarrier{
			Epoch:         epoch,
			MessageDigest: msgDigest,
			Signature:     sig,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// BroadcastCertificate publishes an issued certificate.
func (bro *Broadcaster) BroadcastCertificate(ctx context.Context, c *cert.Certificate) error {
	return bro.publish(ctx, certificateEnvelope, c)
}

// publish seals the payload into a signed envelope and gossips it.
func (bro *Broadcaster) publish(ctx context.Context, kind envelopeKind, payload any) error {
	data, err := sealEnvelope(bro.signer, kind, payload)
	if err != nil {
		return err
	}
	return bro.topic.Publish(ctx, data)
}

// deliverGossip delivers a PubSub gossip and reports its validity status
func (bro *Broadcaster) deliverGossip(ctx context.Context, _ peer.ID, gossip *pubsub.Message) (res pubsub.ValidationResult) {
	defer func() {
		// recover from potential panics caused by network gossips
		err := recover()
		if err != nil {
			bro.log.ErrorContext(ctx, "deliver gossip panic", "err", err)
			res = pubsub.ValidationReject
		}
	}()

	env, err := openEnvelope(bro.signer, gossip.Data)
	if err != nil {
		bro.log.ErrorContext(ctx, "opening gossip envelope", "err", err)
		return pubsub.ValidationReject
	}

	err = bro.processEnvelope(ctx, env)
	if err != nil {
		bro.log.ErrorContext(ctx, "processing gossip", "err", err)
		return pubsub.ValidationReject
	}

	return pubsub.ValidationAccept
}
