package stm

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/stake"
)

// AggregateSignature is a verifiable combination of individual signatures
// whose won indices are pairwise distinct and cover at least k indices.
// It is self-contained: verification needs only the message, the stake
// commitment and the protocol parameters.
type AggregateSignature struct {
	// Signatures holds the constituents in increasing index order.
	Signatures []IndividualSignature
}

// Aggregate combines the given individual signatures into an
// AggregateSignature. Signatures claiming the same index are de-duplicated
// deterministically, keeping the one with the lowest signer id, so the
// result is reproducible regardless of arrival order. Fails with
// [ErrInsufficientQuorum] when fewer than k distinct indices remain.
//
// Constituents are expected to be verified on admission; Aggregate does not
// re-check them.
func Aggregate(sigs []IndividualSignature, params Parameters) (*AggregateSignature, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	byIndex := make(map[uint64]*IndividualSignature, len(sigs))
	for i := range sigs {
		sig := &sigs[i]
		if sig.Index >= params.M {
			continue
		}
		held, ok := byIndex[sig.Index]
		if !ok || bytes.Compare(sig.Signer(), held.Signer()) < 0 {
			byIndex[sig.Index] = sig
		}
	}

	if uint64(len(byIndex)) < params.K {
		return nil, fmt.Errorf("%w: %d distinct indices, need %d",
			ErrInsufficientQuorum, len(byIndex), params.K)
	}

	out := make([]IndividualSignature, 0, len(byIndex))
	for _, sig := range byIndex {
		out = append(out, *sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return &AggregateSignature{Signatures: out}, nil
}

// Verify checks the AggregateSignature against the stake commitment and the
// message without any side channel: every constituent's membership proof and
// lottery eligibility is re-derived, indices must be pairwise distinct and
// cover at least k, and the signatures of all distinct signers are checked
// with a single batched pairing.
//
// Constituent checks are pure and run concurrently.
func (as *AggregateSignature) Verify(com stake.Commitment, msg []byte, params Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if as == nil {
		return ErrQuorumNotMet
	}

	seen := make(map[uint64]struct{}, len(as.Signatures))
	for i := range as.Signatures {
		index := as.Signatures[i].Index
		if _, ok := seen[index]; ok {
			return fmt.Errorf("%w: index %d", ErrDuplicateIndex, index)
		}
		seen[index] = struct{}{}
	}
	if uint64(len(seen)) < params.K {
		return fmt.Errorf("%w: %d distinct indices, need %d",
			ErrQuorumNotMet, len(seen), params.K)
	}

	seed := LotterySeed(com)
	var wg errgroup.Group
	for i := range as.Signatures {
		sig := &as.Signatures[i]
		wg.Go(func() error {
			if err := sig.Validate(); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
			}
			if !stake.VerifyMembership(&sig.Proof, com) {
				return fmt.Errorf("%w: signer %X", ErrInvalidProof, sig.Signer())
			}
			party := sig.Proof.Party
			if !EvalLottery(seed, msg, party.ID, sig.Index, party.Stake, com.TotalStake, params) {
				return fmt.Errorf("%w: signer %X index %d", ErrInvalidEligibility, sig.Signer(), sig.Index)
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}

	keys, bodies, err := as.distinctSigners()
	if err != nil {
		return err
	}
	aggSig, err := bls.AggregateSignatures(bodies)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !bls.VerifyAggregate(keys, msg, aggSig) {
		return fmt.Errorf("%w: batched pairing check failed", ErrInvalidSignature)
	}
	return nil
}

// distinctSigners collapses the constituents to one (key, body) pair per
// signer. A signer winning several indices signs the message once, so its
// bodies must be byte-equal across indices.
func (as *AggregateSignature) distinctSigners() (keys, bodies [][]byte, err error) {
	bySigner := make(map[string]*IndividualSignature, len(as.Signatures))
	for i := range as.Signatures {
		sig := &as.Signatures[i]
		held, ok := bySigner[string(sig.Signer())]
		if !ok {
			bySigner[string(sig.Signer())] = sig
			keys = append(keys, sig.Proof.Party.Key)
			bodies = append(bodies, sig.Body)
			continue
		}
		if !bytes.Equal(held.Body, sig.Body) {
			return nil, nil, fmt.Errorf("%w: signer %X has diverging bodies",
				ErrInvalidSignature, sig.Signer())
		}
	}
	return keys, bodies, nil
}
