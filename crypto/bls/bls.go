// Package bls implements the BLS signature scheme over BLS12-381 with
// minimal-size public keys: public keys live in G1, signatures in G2.
//
// Signing is deterministic, so repeated signatures over the same message
// from the same key are byte-equal. Signatures over a common message can be
// aggregated by group addition and verified with a single pairing check
// against the aggregated public key.
package bls

import (
	"errors"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/dlachaumepalo/mithril/crypto"
)

const (
	KeyType = "bls12-381"

	// PublicKeySize is the size of a compressed G1 public key.
	PublicKeySize = bls12381.SizeOfG1AffineCompressed
	// SignatureSize is the size of a compressed G2 signature.
	SignatureSize = bls12381.SizeOfG2AffineCompressed
	// PrivateKeySize is the size of a big-endian scalar of the fr field.
	PrivateKeySize = fr.Bytes
)

// dst is the hash-to-curve domain separation tag. It is part of the
// protocol: all parties must hash messages to G2 identically.
var dst = []byte("MITHRIL-V1-CS01-with-BLS12381G2_XMD:SHA-256_SSWU_RO_")

type PublicKey []byte

func (pubKey PublicKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}

	var pk bls12381.G1Affine
	if _, err := pk.SetBytes(pubKey); err != nil {
		return false
	}
	var sg bls12381.G2Affine
	if _, err := sg.SetBytes(sig); err != nil {
		return false
	}

	hm, err := bls12381.HashToG2(msg, dst)
	if err != nil {
		return false
	}

	// e(pk, H(msg)) * e(-g1, sig) == 1
	_, _, g1, _ := bls12381.Generators()
	var negG1 bls12381.G1Affine
	negG1.Neg(&g1)

	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{pk, negG1},
		[]bls12381.G2Affine{hm, sg},
	)
	return err == nil && ok
}

func (pubKey PublicKey) Equals(other []byte) bool {
	if len(other) != PublicKeySize || len(pubKey) != PublicKeySize {
		return false
	}
	for i := range pubKey {
		if pubKey[i] != other[i] {
			return false
		}
	}
	return true
}

func (pubKey PublicKey) Bytes() []byte {
	return pubKey
}

func (pubKey PublicKey) Type() string {
	return KeyType
}

type PrivateKey []byte

func (privKey PrivateKey) Sign(msg []byte) ([]byte, error) {
	var sk fr.Element
	sk.SetBytes(privKey)

	hm, err := bls12381.HashToG2(msg, dst)
	if err != nil {
		return nil, err
	}

	var s big.Int
	sk.BigInt(&s)

	var sig bls12381.G2Affine
	sig.ScalarMultiplication(&hm, &s)

	out := sig.Bytes()
	return out[:], nil
}

func (privKey PrivateKey) PubKey() crypto.PubKey {
	var sk fr.Element
	sk.SetBytes(privKey)

	var s big.Int
	sk.BigInt(&s)

	_, _, g1, _ := bls12381.Generators()
	var pk bls12381.G1Affine
	pk.ScalarMultiplication(&g1, &s)

	out := pk.Bytes()
	return PublicKey(out[:])
}

func (privKey PrivateKey) Equals(other []byte) bool {
	if len(other) != PrivateKeySize || len(privKey) != PrivateKeySize {
		return false
	}
	equal := true
	for i := range privKey {
		if privKey[i] != other[i] {
			equal = false
		}
	}
	return equal
}

func (privKey PrivateKey) Type() string {
	return KeyType
}

// GenKeys generates a fresh random BLS keypair.
func GenKeys() (PublicKey, PrivateKey, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, err
	}

	skBytes := sk.Bytes()
	privKey := make(PrivateKey, PrivateKeySize)
	copy(privKey, skBytes[:])

	pubKey, ok := privKey.PubKey().(PublicKey)
	if !ok {
		return nil, nil, errors.New("unexpected public key type")
	}
	return pubKey, privKey, nil
}

// BytesToPubKey validates and converts raw bytes into a PublicKey.
func BytesToPubKey(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, errors.New("invalid key length")
	}

	var pk bls12381.G1Affine
	if _, err := pk.SetBytes(b); err != nil {
		return nil, err
	}

	key := make(PublicKey, PublicKeySize)
	copy(key, b)
	return key, nil
}

// AggregateSignatures sums the given signatures into a single G2 point.
func AggregateSignatures(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}

	var sum bls12381.G2Jac
	for _, sig := range sigs {
		var sg bls12381.G2Affine
		if _, err := sg.SetBytes(sig); err != nil {
			return nil, err
		}
		var j bls12381.G2Jac
		j.FromAffine(&sg)
		sum.AddAssign(&j)
	}

	var agg bls12381.G2Affine
	agg.FromJacobian(&sum)
	out := agg.Bytes()
	return out[:], nil
}

// AggregatePubKeys sums the given public keys into a single G1 point.
func AggregatePubKeys(pubKeys [][]byte) (PublicKey, error) {
	if len(pubKeys) == 0 {
		return nil, errors.New("no public keys to aggregate")
	}

	var sum bls12381.G1Jac
	for _, pubKey := range pubKeys {
		var pk bls12381.G1Affine
		if _, err := pk.SetBytes(pubKey); err != nil {
			return nil, err
		}
		var j bls12381.G1Jac
		j.FromAffine(&pk)
		sum.AddAssign(&j)
	}

	var agg bls12381.G1Affine
	agg.FromJacobian(&sum)
	out := agg.Bytes()
	return PublicKey(out[:]), nil
}

// VerifyAggregate verifies an aggregated signature over a common message
// against the set of public keys whose signatures were aggregated.
// It costs a single pairing check regardless of the number of keys.
func VerifyAggregate(pubKeys [][]byte, msg []byte, aggSig []byte) bool {
	aggKey, err := AggregatePubKeys(pubKeys)
	if err != nil {
		return false
	}
	return aggKey.VerifySignature(msg, aggSig)
}
