// Package stake models the weighted party set of a single epoch and its
// Merkle commitment.
package stake

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dlachaumepalo/mithril/merkle"
)

var (
	// ErrInvalidDistribution is thrown when a Distribution is built from
	// a malformed party set.
	ErrInvalidDistribution = errors.New("stake: invalid distribution")
	// ErrUnknownParty is thrown when a requested id is not a member of
	// the Distribution.
	ErrUnknownParty = errors.New("stake: unknown party")
)

// commitmentDomain tags Commitment hashes against cross-protocol reuse.
var commitmentDomain = []byte("mithril/stake/commitment/v1")

// Distribution is the ordered set of parties of one epoch with their stake
// and verification keys. It is built once per epoch and immutable afterwards;
// parties are kept sorted by id so the commitment is deterministic.
type Distribution struct {
	parties []*Party
	byID    map[string]int

	totalStake uint64
	tree       *merkle.Tree
}

// NewDistribution builds a Distribution from the given parties.
// It fails with [ErrInvalidDistribution] on an empty set, a duplicate id,
// zero total stake or total stake above [MaxStake].
func NewDistribution(parties []*Party) (*Distribution, error) {
	if len(parties) == 0 {
		return nil, fmt.Errorf("%w: no parties", ErrInvalidDistribution)
	}

	sorted := make([]*Party, len(parties))
	copy(sorted, parties)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID, sorted[j].ID) < 0
	})

	byID := make(map[string]int, len(sorted))
	leaves := make([][]byte, len(sorted))
	var total uint64
	for i, p := range sorted {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: party #%d: %w", ErrInvalidDistribution, i, err)
		}
		if i > 0 && bytes.Equal(sorted[i-1].ID, p.ID) {
			return nil, fmt.Errorf("%w: duplicate party id %X", ErrInvalidDistribution, p.ID)
		}

		total = safeAddClip(total, p.Stake)
		if total > MaxStake {
			return nil, fmt.Errorf("%w: total stake exceeds MaxStake", ErrInvalidDistribution)
		}

		byID[string(p.ID)] = i
		leaves[i] = leafEncoding(p)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: zero total stake", ErrInvalidDistribution)
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDistribution, err)
	}

	return &Distribution{
		parties:    sorted,
		byID:       byID,
		totalStake: total,
		tree:       tree,
	}, nil
}

// Len returns the number of parties in the Distribution.
func (d *Distribution) Len() int { return len(d.parties) }

// TotalStake returns the sum of all party stakes.
func (d *Distribution) TotalStake() uint64 { return d.totalStake }

// Parties returns the parties in canonical order.
func (d *Distribution) Parties() []*Party {
	out := make([]*Party, len(d.parties))
	copy(out, d.parties)
	return out
}

// GetByID returns the Party with the given id, or nil if absent.
func (d *Distribution) GetByID(id []byte) *Party {
	i, ok := d.byID[string(id)]
	if !ok {
		return nil
	}
	return d.parties[i]
}

// Commitment returns the Commitment binding the Distribution.
func (d *Distribution) Commitment() Commitment {
	return Commitment{
		Root:       d.tree.Root(),
		TotalStake: d.totalStake,
	}
}

// ProveMembership produces a MembershipProof for the Party with the given id.
// It fails with [ErrUnknownParty] if the id is not in the Distribution.
func (d *Distribution) ProveMembership(id []byte) (*MembershipProof, error) {
	i, ok := d.byID[string(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %X", ErrUnknownParty, id)
	}

	proof, err := d.tree.Prove(i)
	if err != nil {
		return nil, err
	}
	return &MembershipProof{Party: *d.parties[i], Proof: *proof}, nil
}

// Commitment binds a Distribution to a single value: the Merkle root over
// the canonical party leaves together with the total stake. Carrying the
// total stake makes lottery verification self-contained given only the
// Commitment.
type Commitment struct {
	// Root is the Merkle root over the canonical (id, stake, key) leaves.
	Root []byte
	// TotalStake is the sum of all party stakes.
	TotalStake uint64
}

// Hash returns the digest binding the Commitment.
func (c Commitment) Hash() []byte {
	h := sha256.New()
	h.Write(commitmentDomain)
	h.Write(c.Root)
	h.Write(binary.BigEndian.AppendUint64(nil, c.TotalStake))
	return h.Sum(nil)
}

// Equals reports whether two Commitments bind the same Distribution.
func (c Commitment) Equals(other Commitment) bool {
	return c.TotalStake == other.TotalStake && bytes.Equal(c.Root, other.Root)
}

// MembershipProof authenticates a single Party against a Commitment.
// It embeds the party triple, so verifiers need only the Commitment.
type MembershipProof struct {
	// Party is the proven (id, stake, key) triple.
	Party Party
	// Proof is the Merkle audit path for the Party's leaf.
	Proof merkle.Proof
}

// VerifyMembership reports whether proof authenticates its Party against
// the given Commitment.
func VerifyMembership(proof *MembershipProof, com Commitment) bool {
	if proof == nil {
		return false
	}
	return merkle.VerifyProof(com.Root, leafEncoding(&proof.Party), &proof.Proof)
}

// leafEncoding is the canonical leaf encoding of a Party. The id is length
// prefixed so no two distinct triples share an encoding.
func leafEncoding(p *Party) []byte {
	buf := make([]byte, 0, 16+len(p.ID)+len(p.Key))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(p.ID)))
	buf = append(buf, p.ID...)
	buf = binary.BigEndian.AppendUint64(buf, p.Stake)
	buf = append(buf, p.Key...)
	return buf
}
