package stm

import (
	"errors"
	"fmt"

	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/stake"
)

// IndividualSignature is a single party's signature over a message at one
// won lottery index. It is a stateless value: the embedded membership proof
// carries the signer's identity, stake and verification key, so it verifies
// against a stake commitment alone.
type IndividualSignature struct {
	// Index is the lottery index this signature was won at.
	Index uint64
	// Body is the BLS signature over the message.
	Body []byte
	// Proof authenticates the signer against the epoch's stake commitment.
	Proof stake.MembershipProof
}

// Signer returns the id of the signing party.
func (s *IndividualSignature) Signer() []byte {
	return s.Proof.Party.ID
}

// Validate performs basic validation.
func (s *IndividualSignature) Validate() error {
	if s == nil {
		return errors.New("nil signature")
	}
	if len(s.Body) != bls.SignatureSize {
		return fmt.Errorf("signature body must be %d bytes, got %d", bls.SignatureSize, len(s.Body))
	}
	return s.Proof.Party.Validate()
}

// Sign evaluates the lottery for every index in [0, m) and produces an
// IndividualSignature for each won index. It is a pure function of its
// inputs and performs no I/O; an empty result means the party won nothing
// for this message. Fails with [ErrNotAMember] if the party is not in the
// distribution or its key does not match the secret key.
func Sign(partyID []byte, sk bls.PrivateKey, dist *stake.Distribution, msg []byte, params Parameters) ([]IndividualSignature, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	party := dist.GetByID(partyID)
	if party == nil {
		return nil, fmt.Errorf("%w: %X", ErrNotAMember, partyID)
	}
	if !sk.PubKey().Equals(party.Key) {
		return nil, fmt.Errorf("%w: verification key mismatch for %X", ErrNotAMember, partyID)
	}

	com := dist.Commitment()
	seed := LotterySeed(com)

	// the body and the proof are index independent, computed once on the
	// first won index
	var (
		body  []byte
		proof *stake.MembershipProof
		sigs  []IndividualSignature
	)
	for index := uint64(0); index < params.M; index++ {
		if !EvalLottery(seed, msg, partyID, index, party.Stake, com.TotalStake, params) {
			continue
		}
		if body == nil {
			var err error
			body, err = sk.Sign(msg)
			if err != nil {
				return nil, fmt.Errorf("signing message: %w", err)
			}
			proof, err = dist.ProveMembership(partyID)
			if err != nil {
				return nil, fmt.Errorf("proving membership: %w", err)
			}
		}
		sigs = append(sigs, IndividualSignature{Index: index, Body: body, Proof: *proof})
	}
	return sigs, nil
}

// VerifyIndividual re-derives the lottery result for the signature's index
// and checks the membership proof and the signature itself. The failure
// kinds [ErrInvalidProof], [ErrInvalidEligibility] and [ErrInvalidSignature]
// distinguish the cause for diagnostics.
func VerifyIndividual(sig *IndividualSignature, com stake.Commitment, msg []byte, params Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if !stake.VerifyMembership(&sig.Proof, com) {
		return fmt.Errorf("%w: signer %X", ErrInvalidProof, sig.Signer())
	}

	party := sig.Proof.Party
	if !EvalLottery(LotterySeed(com), msg, party.ID, sig.Index, party.Stake, com.TotalStake, params) {
		return fmt.Errorf("%w: signer %X index %d", ErrInvalidEligibility, sig.Signer(), sig.Index)
	}

	pubK, err := bls.BytesToPubKey(party.Key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !pubK.VerifySignature(msg, sig.Body) {
		return fmt.Errorf("%w: signer %X index %d", ErrInvalidSignature, sig.Signer(), sig.Index)
	}
	return nil
}
