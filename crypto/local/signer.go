// Package local implements a Signer over an in-process ed25519 keypair.
// The signer's identity is its verification key, so signatures carry
// everything a remote peer needs to verify them.
package local

import (
	"errors"

	"github.com/dlachaumepalo/mithril/crypto"
	"github.com/dlachaumepalo/mithril/crypto/ed25519"
)

// Signer authenticates payloads, like gossip envelopes, with a node-local
// private key.
type Signer struct {
	privKey crypto.PrivKey
	pubKey  crypto.PubKey
}

// NewSigner derives the Signer's identity from the given private key.
// The key must round-trip a signature over its own verification key,
// catching corrupted or mismatched key material early.
func NewSigner(privKey crypto.PrivKey) (*Signer, error) {
	pubKey := privKey.PubKey()
	if pubKey == nil || len(pubKey.Bytes()) == 0 {
		return nil, errors.New("private key yields no verification key")
	}

	probe := pubKey.Bytes()
	sig, err := privKey.Sign(probe)
	if err != nil {
		return nil, err
	}
	if !pubKey.VerifySignature(probe, sig) {
		return nil, errors.New("key material does not round-trip")
	}

	return &Signer{
		privKey: privKey,
		pubKey:  pubKey,
	}, nil
}

// ID returns the Signer's identity, its verification key bytes.
func (s *Signer) ID() []byte {
	return s.pubKey.Bytes()
}

func (s *Signer) Sign(msg []byte) (crypto.Signature, error) {
	signature, err := s.privKey.Sign(msg)
	if err != nil {
		return crypto.Signature{}, err
	}

	return crypto.Signature{
		Signer: s.ID(),
		Body:   signature,
	}, nil
}

// Verify checks signature over msg against the verification key the
// signature itself carries.
func (s *Signer) Verify(msg []byte, signature crypto.Signature) error {
	pubK := ed25519.PublicKey(signature.Signer)
	ok := pubK.VerifySignature(msg, signature.Body)
	if !ok {
		return errors.New("signature is invalid")
	}
	return nil
}
