package btcapp

import (
	"crypto/sha256"
	"fmt"
)

// HashSize is the size of every Merkle tree node.
const HashSize = sha256.Size

// Hash is a Merkle tree node or leaf hash.
type Hash [HashSize]byte

// Domain separation prefixes for leaves and inner nodes.
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// ElementHash returns the leaf hash of an element: sha256(0x00 || data).
func ElementHash(data []byte) Hash {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func combine(left, right Hash) Hash {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// largestPowerOfTwoBelow returns the largest power of two strictly less
// than n, for n >= 2.
func largestPowerOfTwoBelow(n int) int {
	p := 1
	for p*2 < n {
		p *= 2
	}
	return p
}

// MerkleTree is the unbalanced binary tree the Bitcoin app uses to commit
// to lists: a tree of n leaves has a left subtree holding the largest
// power of two strictly below n leaves and a right subtree holding the
// rest.
type MerkleTree struct {
	leaves []Hash
}

// NewMerkleTree builds a tree over leaf hashes.
func NewMerkleTree(leaves []Hash) *MerkleTree {
	cp := make([]Hash, len(leaves))
	copy(cp, leaves)
	return &MerkleTree{leaves: cp}
}

// NewMerkleTreeFromElements builds a tree over the element hashes of
// elements.
func NewMerkleTreeFromElements(elements [][]byte) *MerkleTree {
	leaves := make([]Hash, len(elements))
	for i, e := range elements {
		leaves[i] = ElementHash(e)
	}
	return &MerkleTree{leaves: leaves}
}

// Size returns the number of leaves.
func (m *MerkleTree) Size() int {
	return len(m.leaves)
}

// Leaf returns the leaf hash at index.
func (m *MerkleTree) Leaf(index int) (Hash, error) {
	if index < 0 || index >= len(m.leaves) {
		return Hash{}, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(m.leaves))
	}
	return m.leaves[index], nil
}

// Root returns the root hash. The root of an empty tree is all zeros.
func (m *MerkleTree) Root() Hash {
	if len(m.leaves) == 0 {
		return Hash{}
	}
	return rootOf(m.leaves)
}

func rootOf(leaves []Hash) Hash {
	if len(leaves) == 1 {
		return leaves[0]
	}
	split := largestPowerOfTwoBelow(len(leaves))
	return combine(rootOf(leaves[:split]), rootOf(leaves[split:]))
}

// Proof returns the sibling hashes needed to recompute the root from the
// leaf at index, ordered from the leaf level upwards.
func (m *MerkleTree) Proof(index int) ([]Hash, error) {
	if index < 0 || index >= len(m.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(m.leaves))
	}
	return proofOf(m.leaves, index), nil
}

func proofOf(leaves []Hash, index int) []Hash {
	if len(leaves) == 1 {
		return nil
	}
	split := largestPowerOfTwoBelow(len(leaves))
	if index < split {
		return append(proofOf(leaves[:split], index), rootOf(leaves[split:]))
	}
	return append(proofOf(leaves[split:], index-split), rootOf(leaves[:split]))
}

// IndexOf returns the position of a leaf hash.
func (m *MerkleTree) IndexOf(leaf Hash) (int, bool) {
	for i, l := range m.leaves {
		if l == leaf {
			return i, true
		}
	}
	return 0, false
}

// VerifyProof recomputes the root of a tree of size leaves from the leaf at
// index and its proof.
func VerifyProof(root, leaf Hash, index, size int, proof []Hash) bool {
	if index < 0 || index >= size {
		return false
	}
	got, ok := rootFromProof(leaf, index, size, proof)
	return ok && got == root
}

func rootFromProof(leaf Hash, index, size int, proof []Hash) (Hash, bool) {
	if size == 1 {
		return leaf, len(proof) == 0
	}
	if len(proof) == 0 {
		return Hash{}, false
	}
	top := proof[len(proof)-1]
	rest := proof[:len(proof)-1]

	split := largestPowerOfTwoBelow(size)
	if index < split {
		sub, ok := rootFromProof(leaf, index, split, rest)
		return combine(sub, top), ok
	}
	sub, ok := rootFromProof(leaf, index-split, size-split, rest)
	return combine(top, sub), ok
}
