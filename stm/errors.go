package stm

import "errors"

var (
	// ErrInvalidParameters is thrown on malformed [Parameters].
	ErrInvalidParameters = errors.New("stm: invalid parameters")

	// ErrNotAMember is thrown when a signing party is not part of the
	// stake distribution.
	ErrNotAMember = errors.New("stm: signer is not a member of the distribution")

	// ErrInvalidProof is thrown when a signature's membership proof does
	// not verify against the stake commitment.
	ErrInvalidProof = errors.New("stm: invalid membership proof")

	// ErrInvalidEligibility is thrown when re-evaluating the lottery does
	// not grant the claimed index to the signer.
	ErrInvalidEligibility = errors.New("stm: signer is not eligible for the index")

	// ErrInvalidSignature is thrown when the underlying signature does not
	// verify under the signer's key.
	ErrInvalidSignature = errors.New("stm: invalid signature")

	// ErrInsufficientQuorum is thrown by aggregation when the distinct won
	// indices of the input cover less than k.
	ErrInsufficientQuorum = errors.New("stm: insufficient quorum")

	// ErrQuorumNotMet is thrown by aggregate verification when the
	// aggregate covers less than k distinct indices.
	ErrQuorumNotMet = errors.New("stm: quorum not met")

	// ErrDuplicateIndex is thrown by aggregate verification when two
	// constituents claim the same index.
	ErrDuplicateIndex = errors.New("stm: duplicate index")
)
