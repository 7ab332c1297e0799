// Package crypto defines the key and signer interfaces shared by the
// concrete schemes: BLS keys parties lottery-sign with and ed25519 keys
// authenticating transport payloads.
package crypto

// PubKey is a verification key of one of the supported schemes.
type PubKey interface {
	// VerifySignature reports whether the signature is valid over the message.
	VerifySignature([]byte, []byte) bool
	// Bytes returns the canonical encoding of the key.
	Bytes() []byte
	// Equals reports whether the key equals the given encoded key.
	Equals([]byte) bool
	// Type names the key's scheme.
	Type() string
}

// PrivKey is a signing key paired with a PubKey of the same scheme.
type PrivKey interface {
	// Sign produces a signature over the given message.
	Sign([]byte) ([]byte, error)
	// PubKey derives the verification key.
	PubKey() PubKey
	// Equals reports whether the key equals the given encoded key.
	Equals([]byte) bool
	// Type names the key's scheme.
	Type() string
}
