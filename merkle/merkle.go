// Package merkle implements a binary SHA-256 hash tree with audit paths.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
)

// ErrNoLeaves is thrown when a Tree is built over an empty leaf set.
var ErrNoLeaves = errors.New("merkle: no leaves")

// domain separation between leaves and internal nodes
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Tree is a binary hash tree over a fixed, ordered set of leaves.
// An odd node at the end of a level is paired with itself. The same rule is
// applied by [VerifyProof], keeping build and verification consistent.
type Tree struct {
	// levels[0] holds the leaf hashes, the last level holds the root
	levels [][][]byte
}

// NewTree builds a Tree from the given leaf encodings.
// Leaves are hashed with a leaf-specific prefix, so a leaf can never be
// reinterpreted as an internal node.
func NewTree(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = LeafHash(leaf)
	}

	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, (len(level)+1)/2)
		for i := range next {
			l := level[2*i]
			r := l
			if 2*i+1 < len(level) {
				r = level[2*i+1]
			}
			next[i] = nodeHash(l, r)
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the root hash of the Tree.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	out := make([]byte, len(root))
	copy(out, root)
	return out
}

// Len returns the number of leaves in the Tree.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Proof is an audit path authenticating a single leaf against a root hash.
type Proof struct {
	// Index is the position of the proven leaf.
	Index uint64
	// Path holds the sibling hashes from the leaf level up to the root.
	Path [][]byte
}

// Prove produces the audit path for the leaf at the given position.
func (t *Tree) Prove(i int) (*Proof, error) {
	if i < 0 || i >= t.Len() {
		return nil, errors.New("merkle: leaf index out of range")
	}

	path := make([][]byte, 0, len(t.levels)-1)
	pos := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		hash := make([]byte, len(level[sibling]))
		copy(hash, level[sibling])
		path = append(path, hash)
		pos /= 2
	}
	return &Proof{Index: uint64(i), Path: path}, nil
}

// VerifyProof reports whether the given leaf encoding is authenticated by
// proof against the root hash.
func VerifyProof(root, leaf []byte, proof *Proof) bool {
	if proof == nil {
		return false
	}

	hash := LeafHash(leaf)
	pos := proof.Index
	for _, sibling := range proof.Path {
		if pos%2 == 0 {
			hash = nodeHash(hash, sibling)
		} else {
			hash = nodeHash(sibling, hash)
		}
		pos /= 2
	}
	return bytes.Equal(hash, root)
}

// LeafHash hashes a leaf encoding with the leaf domain prefix.
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(l, r []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(l)
	h.Write(r)
	return h.Sum(nil)
}
