package stake

import (
	"errors"
	"math"
)

// MaxStake - the maximum allowed total stake.
const MaxStake = uint64(math.MaxUint64) / 8

// Party is a stakeholder entitled to sign proportionally to its stake.
// Immutable once published for an epoch.
type Party struct {
	// ID is an opaque identity of the Party, unique within a Distribution.
	ID []byte
	// Stake is the weight of the Party in the lottery.
	Stake uint64
	// Key is the verification key the Party signs with.
	Key []byte
}

// Validate performs basic validation.
func (p *Party) Validate() error {
	if p == nil {
		return errors.New("nil party")
	}
	if len(p.ID) == 0 {
		return errors.New("party does not have an id")
	}
	if len(p.Key) == 0 {
		return errors.New("party does not have a verification key")
	}
	if p.Stake > MaxStake {
		return errors.New("party stake exceeds MaxStake")
	}
	return nil
}

func safeAddClip(a, b uint64) uint64 {
	c, overflow := safeAdd(a, b)
	if overflow {
		return math.MaxUint64
	}
	return c
}

func safeAdd(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, true
	}
	return a + b, false
}
