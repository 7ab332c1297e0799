// Package stm implements the stake-based threshold multi-signature scheme:
// lottery-based signing eligibility, individual signatures with membership
// proofs and their aggregation into a self-contained quorum signature.
//
// Everything in the package is a pure function of its inputs and safe for
// concurrent use.
package stm

import (
	"fmt"
)

// Parameters are the security parameters of a protocol instance.
// They are fixed for the lifetime of the instance and shared by signers,
// aggregators and verifiers.
type Parameters struct {
	// M is the number of lottery indices evaluated per party per message.
	M uint64
	// K is the quorum: the minimum number of distinct won indices required
	// before aggregation is attempted.
	K uint64
	// PhiF tunes the per-unit-stake winning probability, in (0, 1].
	PhiF float64
}

// Validate performs basic validation.
func (p Parameters) Validate() error {
	if p.M == 0 {
		return fmt.Errorf("%w: m must be positive", ErrInvalidParameters)
	}
	if p.K == 0 || p.K > p.M {
		return fmt.Errorf("%w: need 0 < k <= m, got k=%d m=%d", ErrInvalidParameters, p.K, p.M)
	}
	if !(p.PhiF > 0 && p.PhiF <= 1) {
		return fmt.Errorf("%w: phi_f must be in (0, 1], got %v", ErrInvalidParameters, p.PhiF)
	}
	return nil
}
