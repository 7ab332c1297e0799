// Package cert packages aggregate signatures into certificates and links
// them into a hash-chained, append-only sequence.
package cert

import (
	"bytes"
	"crypto/sha256"
	"time"

	"github.com/dlachaumepalo/mithril/codec"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
)

// certDomain tags certificate hashes against cross-protocol reuse.
var certDomain = []byte("mithril/cert/v1")

// genesisDomain derives the reserved previous-hash sentinel of a genesis
// certificate.
var genesisDomain = []byte("mithril/cert/genesis/v1")

// Certificate is an immutable, chain-linked attestation that a quorum of
// stake endorsed a message. Once issued it is never mutated; supersession
// happens by chain extension only.
type Certificate struct {
	// Epoch of the stake distribution the certificate was signed under.
	Epoch uint64
	// MessageDigest is the digest of the signed entity.
	MessageDigest []byte
	// Commitment binds the epoch's stake distribution. Commitments may
	// differ across epochs within one chain.
	Commitment stake.Commitment
	// AggSig is the quorum signature over MessageDigest. Nil only on a
	// genesis certificate, whose validity is axiomatic.
	AggSig *stm.AggregateSignature
	// PrevHash is the hash of the preceding certificate, or [GenesisHash]
	// on a genesis certificate.
	PrevHash []byte
	// IssuedAt records the issuance time. Metadata only, not verified.
	IssuedAt time.Time
}

// GenesisHash returns the reserved previous-hash sentinel marking a
// genesis certificate.
func GenesisHash() []byte {
	h := sha256.Sum256(genesisDomain)
	return h[:]
}

// Issue packages an aggregate signature into a Certificate linked to the
// certificate hashed by prevHash.
func Issue(epoch uint64, msgDigest []byte, aggSig *stm.AggregateSignature, com stake.Commitment, prevHash []byte) *Certificate {
	return &Certificate{
		Epoch:         epoch,
		MessageDigest: msgDigest,
		Commitment:    com,
		AggSig:        aggSig,
		PrevHash:      prevHash,
		IssuedAt:      time.Now().UTC(),
	}
}

// Genesis issues the trusted first certificate of a chain. It carries no
// aggregate signature; trust in it is established out-of-band.
func Genesis(epoch uint64, msgDigest []byte, com stake.Commitment) *Certificate {
	return Issue(epoch, msgDigest, nil, com, GenesisHash())
}

// IsGenesis reports whether the certificate carries the genesis sentinel.
func (c *Certificate) IsGenesis() bool {
	return bytes.Equal(c.PrevHash, GenesisHash())
}

// Hash returns the digest of the certificate's canonical encoding,
// the value the successor's PrevHash must carry.
func (c *Certificate) Hash() ([]byte, error) {
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(certDomain)
	h.Write(data)
	return h.Sum(nil), nil
}
