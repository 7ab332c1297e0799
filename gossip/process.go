package gossip

import (
	"context"
	"fmt"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/round"
)

func (bro *Broadcaster) processEnvelope(ctx context.Context, env *envelope) error {
	switch env.Kind {
	case announcementEnvelope:
		bro.log.DebugContext(ctx, "processing announcement")
		return bro.processAnnouncement(ctx, env)
	case signatureEnvelope:
		bro.log.DebugContext(ctx, "processing signature")
		return bro.processSignature(ctx, env)
	case certificateEnvelope:
		bro.log.DebugContext(ctx, "processing certificate")
		return bro.processCertificate(ctx, env)
	default:
		return fmt.Errorf("%w: %d", errUnknownEnvelope, env.Kind)
	}
}

func (bro *Broadcaster) processAnnouncement(ctx context.Context, env *envelope) error {
	ann, err := decodePayload[announcement](env)
	if err != nil {
		return err
	}
	if bro.handler == nil {
		return nil
	}

	err = bro.handler.HandleAnnouncement(ctx, ann.Epoch, ann.MessageDigest)
	if err != nil {
		return fmt.Errorf("handling announcement for epoch(%d): %w", ann.Epoch, err)
	}
	return nil
}

// processSignature admits a delivered individual signature into its round,
// waiting for the round to open if the announcement has not arrived yet.
// The round itself does the cryptographic verification, so invalid
// signatures are rejected here and never propagate further.
func (bro *Broadcaster) processSignature(ctx context.Context, env *envelope) error {
	carrier, err := decodePayload[signatureCarrier](env)
	if err != nil {
		return err
	}
	if err := carrier.Signature.Validate(); err != nil {
		return fmt.Errorf("validating signature for epoch(%d): %w", carrier.Epoch, err)
	}

	key := round.NewKey(carrier.Epoch, carrier.MessageDigest)
	err = bro.rounds.Admit(ctx, key, carrier.Signature)
	if err != nil {
		return fmt.Errorf("admitting signature(%d) from(%X) for epoch(%d): %w",
			carrier.Signature.Index, carrier.Signature.Signer(), carrier.Epoch, err)
	}
	return nil
}

func (bro *Broadcaster) processCertificate(ctx context.Context, env *envelope) error {
	c, err := decodePayload[cert.Certificate](env)
	if err != nil {
		return err
	}
	if bro.handler == nil {
		return nil
	}

	err = bro.handler.HandleCertificate(ctx, c)
	if err != nil {
		return fmt.Errorf("handling certificate for epoch(%d): %w", c.Epoch, err)
	}
	return nil
}
