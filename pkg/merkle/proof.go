package merkle

import (
	"bytes"
	"fmt"
)

// InclusionProof proves a leaf's membership under a root. Produced for
// external auditors; the VSM itself never needs one.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// ProofStep is one sibling on the way to the root. Side reports where
// the sibling sits relative to the running hash.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof generates an inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: no leaf at index %d", index)
	}

	proof := &InclusionProof{
		LeafIndex: index,
		LeafHash:  t.Leaves[index].Hash,
		Root:      t.Root,
	}

	level := make([]string, len(t.Leaves))
	for i, l := range t.Leaves {
		level[i] = l.Hash
	}

	pos := index
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, EmptyHash)
		}
		sibling := pos ^ 1
		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, SiblingHash: level[sibling]})
		level = nextLevel(level)
		pos /= 2
	}

	return proof, nil
}

// VerifyProof checks an inclusion proof against an expected root.
func VerifyProof(proof *InclusionProof, expectedRoot string) bool {
	if proof == nil {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		var buf bytes.Buffer
		buf.WriteString(nodePrefix)
		buf.WriteByte(0)
		if step.Side == "L" {
			buf.Write(hexToBytes(step.SiblingHash))
			buf.Write(hexToBytes(current))
		} else {
			buf.Write(hexToBytes(current))
			buf.Write(hexToBytes(step.SiblingHash))
		}
		current = sha256Hex(buf.Bytes())
	}
	return current == expectedRoot
}
