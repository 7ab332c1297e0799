package gossip

import (
	"errors"
	"fmt"

	"github.com/dlachaumepalo/mithril/codec"
	"github.com/dlachaumepalo/mithril/crypto"
	"github.com/dlachaumepalo/mithril/stm"
)

// NetworkID separates disjoint networks gossiping over a shared transport.
type NetworkID string

func (nid NetworkID) String() string {
	return string(nid)
}

type envelopeKind uint8

const (
	// announcementEnvelope opens a signing round for an (epoch, digest)
	// pair.
	announcementEnvelope envelopeKind = iota + 1
	// signatureEnvelope carries one individual lottery signature.
	signatureEnvelope
	// certificateEnvelope disseminates an issued certificate.
	certificateEnvelope
)

var errUnknownEnvelope = errors.New("gossip: unknown envelope kind")

// envelope is the only message type traveling over the wire. The payload
// is opaque to the transport and authenticated by the sender's network
// identity, independently of the payload's own signatures.
type envelope struct {
	Kind    envelopeKind
	Payload []byte
	Auth    crypto.Signature
}

type announcement struct {
	Epoch         uint64
	MessageDigest []byte
}

type signatureCarrier struct {
	Epoch         uint64
	MessageDigest []byte
	Signature     stm.IndividualSignature
}

// sealEnvelope encodes the payload and wraps it into a signed envelope
// ready for publishing.
func sealEnvelope(signer crypto.Signer, kind envelopeKind, payload any) ([]byte, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gossip: encoding payload: %w", err)
	}
	auth, err := signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("gossip: authenticating envelope: %w", err)
	}
	return codec.Marshal(&envelope{Kind: kind, Payload: data, Auth: auth})
}

// openEnvelope decodes the envelope and checks the sender authentication
// before any payload is looked at.
func openEnvelope(verifier crypto.Signer, data []byte) (*envelope, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("gossip: decoding envelope: %w", err)
	}
	if err := verifier.Verify(env.Payload, env.Auth); err != nil {
		return nil, fmt.Errorf("gossip: envelope authentication: %w", err)
	}
	return &env, nil
}

func decodePayload[T any](env *envelope) (*T, error) {
	var payload T
	if err := codec.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("gossip: decoding payload: %w", err)
	}
	return &payload, nil
}
