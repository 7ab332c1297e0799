package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlachaumepalo/mithril/crypto/ed25519"
)

func TestSigner(t *testing.T) {
	pubK, privK, err := ed25519.GenKeys()
	require.NoError(t, err)

	signer, err := NewSigner(privK)
	require.NoError(t, err)
	assert.Equal(t, pubK.Bytes(), signer.ID())

	msg := []byte("gossip envelope payload")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	assert.Equal(t, signer.ID(), sig.Signer)
	require.NoError(t, signer.Verify(msg, sig))

	// any signer verifies, the signature carries its verification key
	_, otherPriv, err := ed25519.GenKeys()
	require.NoError(t, err)
	other, err := NewSigner(otherPriv)
	require.NoError(t, err)
	require.NoError(t, other.Verify(msg, sig))

	// tampered body and swapped signer identity are both refused
	tampered := sig
	tampered.Body = append([]byte(nil), sig.Body...)
	tampered.Body[0] ^= 0xff
	require.Error(t, signer.Verify(msg, tampered))

	forged := sig
	forged.Signer = other.ID()
	require.Error(t, signer.Verify(msg, forged))
}
