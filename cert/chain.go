package cert

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dlachaumepalo/mithril/stm"
)

var (
	// ErrEmptyChain is thrown when verifying a chain with no certificates.
	ErrEmptyChain = errors.New("cert: empty chain")
	// ErrNotGenesis is thrown when the first certificate of a chain does
	// not carry the genesis sentinel.
	ErrNotGenesis = errors.New("cert: chain does not start at genesis")
	// ErrBrokenLink is thrown when a certificate's previous-hash does not
	// match the hash of its predecessor.
	ErrBrokenLink = errors.New("cert: broken chain link")
	// ErrEpochRegression is thrown when epochs decrease along a chain.
	ErrEpochRegression = errors.New("cert: epoch regression")
	// ErrMissingAggregate is thrown when a non-genesis certificate carries
	// no aggregate signature.
	ErrMissingAggregate = errors.New("cert: missing aggregate signature")
)

// ChainError attaches a chain verification failure to the index of the
// offending certificate.
type ChainError struct {
	// Index of the offending certificate within the verified sequence.
	Index int
	// Err is the underlying failure.
	Err error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("certificate #%d: %s", e.Index, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// VerifyChain walks an ordered sequence of certificates from genesis to
// head, checking that every previous-hash link matches the predecessor's
// hash, every non-genesis aggregate signature verifies against its own
// epoch's commitment, and epochs never decrease. The first certificate must
// be a genesis certificate; its validity is axiomatic and not derived.
//
// Failures carry the offending certificate's index via [ChainError].
func VerifyChain(certs []*Certificate, params stm.Parameters) error {
	if len(certs) == 0 {
		return ErrEmptyChain
	}
	if !certs[0].IsGenesis() {
		return &ChainError{Index: 0, Err: ErrNotGenesis}
	}

	prevHash, err := certs[0].Hash()
	if err != nil {
		return &ChainError{Index: 0, Err: err}
	}
	prevEpoch := certs[0].Epoch

	for i, c := range certs[1:] {
		index := i + 1
		if !bytes.Equal(c.PrevHash, prevHash) {
			return &ChainError{Index: index, Err: ErrBrokenLink}
		}
		if c.Epoch < prevEpoch {
			return &ChainError{Index: index, Err: ErrEpochRegression}
		}
		if c.AggSig == nil {
			return &ChainError{Index: index, Err: ErrMissingAggregate}
		}
		if err := c.AggSig.Verify(c.Commitment, c.MessageDigest, params); err != nil {
			return &ChainError{Index: index, Err: err}
		}

		prevHash, err = c.Hash()
		if err != nil {
			return &ChainError{Index: index, Err: err}
		}
		prevEpoch = c.Epoch
	}
	return nil
}
