// Package ed25519 wraps the stdlib Ed25519 scheme behind the crypto key
// interfaces. It authenticates transport-level payloads, like gossip
// envelopes, and is unrelated to the BLS keys parties lottery-sign with.
package ed25519

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/dlachaumepalo/mithril/crypto"
)

const (
	KeyType = "ed25519"
)

type PublicKey []byte

func (pubKey PublicKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

func (pubKey PublicKey) Equals(other []byte) bool {
	return len(other) == ed25519.PublicKeySize && bytes.Equal(pubKey, other)
}

func (pubKey PublicKey) Bytes() []byte {
	return pubKey
}

func (pubKey PublicKey) Type() string {
	return KeyType
}

type PrivateKey []byte

// Sign signs msg with pure Ed25519. The zero hash selects the unhashed
// variant; stdlib ed25519 refuses any pre-hash other than Ed25519ph.
func (privKey PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.PrivateKey(privKey).Sign(rand.Reader, msg, stdcrypto.Hash(0))
}

func (privKey PrivateKey) PubKey() crypto.PubKey {
	public := ed25519.PrivateKey(privKey).Public().(ed25519.PublicKey)
	key := make(PublicKey, ed25519.PublicKeySize)
	copy(key, public)
	return key
}

func (privKey PrivateKey) Equals(other []byte) bool {
	return len(other) == ed25519.PrivateKeySize && bytes.Equal(privKey, other)
}

func (privKey PrivateKey) Type() string {
	return KeyType
}

// GenKeys generates a fresh random Ed25519 keypair.
func GenKeys() (PublicKey, PrivateKey, error) {
	pubK, privK, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	public := make(PublicKey, ed25519.PublicKeySize)
	copy(public, pubK)
	private := make(PrivateKey, ed25519.PrivateKeySize)
	copy(private, privK)

	return public, private, nil
}

// BytesToPubKey validates and converts raw bytes into a PublicKey.
func BytesToPubKey(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.New("invalid key length")
	}

	key := make(PublicKey, ed25519.PublicKeySize)
	copy(key, b)
	return key, nil
}
