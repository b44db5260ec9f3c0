// Package merkle commits a set of authorized actions to a single root and
// proves membership of individual actions against it. Pair hashing is
// commutative (sorted), matching the common on-chain proof verifier.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ErrEmptyTree is returned when building a tree without leaves.
var ErrEmptyTree = errors.New("merkle tree has no leaves")

// ErrUnknownLeaf is returned when a proof is requested for a leaf not in the tree.
var ErrUnknownLeaf = errors.New("leaf not in tree")

// Verifier checks that a leaf belongs to the set committed by root.
type Verifier interface {
	Verify(root, leaf common.Hash, proof []common.Hash) bool
}

// AuthorizedActionSet is the sorted-pair keccak verifier.
type AuthorizedActionSet struct{}

// Verify implements Verifier.
func (AuthorizedActionSet) Verify(root, leaf common.Hash, proof []common.Hash) bool {
	return Verify(root, leaf, proof)
}

// Verify walks proof from leaf and compares the result with root.
func Verify(root, leaf common.Hash, proof []common.Hash) bool {
	return ProcessProof(leaf, proof) == root
}

// ProcessProof returns the root implied by leaf and proof.
func ProcessProof(leaf common.Hash, proof []common.Hash) common.Hash {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed
}

// Leaf hashes an action: the target plus the authorization-relevant addresses
// extracted from its calldata, each ABI-encoded as a 32-byte word. The
// encoding is hashed twice so a leaf can never be confused with an inner node.
func Leaf(target common.Address, args []common.Address) common.Hash {
	buf := make([]byte, 0, 32*(len(args)+1))
	buf = append(buf, common.LeftPadBytes(target.Bytes(), 32)...)
	for _, a := range args {
		buf = append(buf, common.LeftPadBytes(a.Bytes(), 32)...)
	}
	inner := keccak(buf)
	return common.BytesToHash(keccak(inner))
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(keccak(a[:], b[:]))
}

func keccak(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Tree is a fully materialized Merkle tree used off-chain to compute roots
// and proofs for an account's admin.
type Tree struct {
	layers [][]common.Hash
}

// NewTree builds a tree over leaves. Leaves are deduplicated and sorted so the
// same set always yields the same root.
func NewTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	seen := make(map[common.Hash]struct{}, len(leaves))
	level := make([]common.Hash, 0, len(leaves))
	for _, l := range leaves {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		level = append(level, l)
	}
	sort.Slice(level, func(i, j int) bool {
		return bytes.Compare(level[i][:], level[j][:]) < 0
	})

	t := &Tree{layers: [][]common.Hash{level}}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd node is promoted unchanged.
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.layers = append(t.layers, next)
		level = next
	}
	return t, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Proof returns the sibling path for leaf.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	idx := -1
	for i, l := range t.layers[0] {
		if l == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrUnknownLeaf
	}

	var proof []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof, nil
}
