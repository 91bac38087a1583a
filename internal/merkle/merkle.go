// Package merkle builds binary merkle trees over ordered leaf hashes and
// produces sibling-path proofs that verify without access to the tree.
package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ProofStep is one level of a merkle path. Right indicates the sibling sits
// to the right of the running hash when recombining.
type ProofStep struct {
	Sibling common.Hash `json:"sibling"`
	Right   bool        `json:"right"`
}

// Proof carries everything a remote verifier needs: the leaf hash, the
// sibling path up to the root, and the root the path is expected to produce.
type Proof struct {
	Leaf common.Hash `json:"leaf"`
	Path []ProofStep `json:"path"`
	Root common.Hash `json:"root"`
}

// combine hashes two nodes into their parent with keccak-256.
func combine(left, right common.Hash) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(left[:])
	hasher.Write(right[:])
	var parent common.Hash
	hasher.Sum(parent[:0])
	return parent
}

// Root computes the tree root for the given leaves. An unpaired node at the
// end of a level is promoted unchanged to the level above. The root of a
// single leaf is the leaf itself; the root of zero leaves is the zero hash.
func Root(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// BuildProof returns the sibling path for leaves[index].
func BuildProof(leaves []common.Hash, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}

	proof := &Proof{Leaf: leaves[index]}
	level := append([]common.Hash(nil), leaves...)
	idx := index
	for len(level) > 1 {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof.Path = append(proof.Path, ProofStep{
				Sibling: level[sibling],
				Right:   idx%2 == 0,
			})
		}
		// An unpaired tail node is promoted without a path entry.
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
		idx /= 2
	}
	proof.Root = level[0]
	return proof, nil
}

// Verify recomputes the root from the leaf and the sibling path and compares
// it against the expected root. It is a pure function over the proof's own
// fields: a remote verifier needs nothing but the proof object. Malformed
// proofs verify to false, never to an error.
func (p *Proof) Verify() bool {
	if p == nil {
		return false
	}
	hash := p.Leaf
	for _, step := range p.Path {
		if step.Right {
			hash = combine(hash, step.Sibling)
		} else {
			hash = combine(step.Sibling, hash)
		}
	}
	return hash == p.Root
}
