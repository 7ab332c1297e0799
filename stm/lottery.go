package stm

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/dlachaumepalo/mithril/stake"
)

// lotterySeedDomain tags lottery seeds against cross-protocol reuse.
var lotterySeedDomain = []byte("mithril/stm/lottery/v1")

// LotterySeed derives the per-epoch lottery seed from the stake commitment.
// Both signers and verifiers derive it from the same commitment, so the
// lottery outcome is part of the protocol rather than local state.
func LotterySeed(com stake.Commitment) []byte {
	h := sha256.New()
	h.Write(lotterySeedDomain)
	h.Write(com.Hash())
	return h.Sum(nil)
}

// EvalLottery reports whether the party with the given stake wins the
// lottery index for the message. The outcome is a pure function of its
// inputs: a uniform value in [0,1) is derived from a hash of
// (seed, index, party id, message) and compared against the stake-weighted
// winning threshold. Signer and verifier run the exact same computation.
func EvalLottery(seed, msg, partyID []byte, index uint64, partyStake, totalStake uint64, params Parameters) bool {
	if totalStake == 0 || index >= params.M {
		return false
	}

	h := sha256.New()
	h.Write(seed)
	h.Write(binary.BigEndian.AppendUint64(nil, index))
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(len(partyID))))
	h.Write(partyID)
	h.Write(msg)
	digest := h.Sum(nil)

	ev := float64(binary.BigEndian.Uint64(digest[:8])) / (1 << 64)
	return ev < winThreshold(params.PhiF, partyStake, totalStake)
}

// winThreshold is 1 - (1 - phi_f)^(stake/totalStake): the per-index winning
// probability grows with stake share and is bounded by phi_f as the share
// approaches the total.
func winThreshold(phiF float64, partyStake, totalStake uint64) float64 {
	share := float64(partyStake) / float64(totalStake)
	return 1 - math.Pow(1-phiF, share)
}
