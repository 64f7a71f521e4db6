// Package merkle implements the two tree structures backing a
// BpiAccount: a fixed-capacity state tree whose leaves hold the latest
// committed value per slot, and an unbounded append-only history tree
// recording every committed transition. Roots are recomputed on every
// mutation and are deterministic for a given leaf sequence.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/bpi/pkg/canonicalize"
)

// Mode distinguishes the two tree shapes.
type Mode string

const (
	ModeState   Mode = "state"
	ModeHistory Mode = "history"
)

const (
	leafPrefix = "bpi:tree:leaf:v1"
	nodePrefix = "bpi:tree:node:v1"
)

// EmptyHash is the sentinel used for the empty tree root and for
// padding odd levels. Padding with a fixed sentinel rather than
// duplicating the last node keeps trees of different shapes from
// sharing a root.
var EmptyHash = sha256Hex(nil)

// Leaf is one committed value with its hash.
type Leaf struct {
	Value json.RawMessage `json:"value"`
	Hash  string          `json:"hash"`
}

// Tree is the serializable Merkle structure. Capacity applies only to
// state trees.
type Tree struct {
	Mode     Mode   `json:"mode"`
	Capacity int    `json:"capacity,omitempty"`
	Leaves   []Leaf `json:"leaves"`
	Root     string `json:"root"`
}

// NewStateTree creates an empty fixed-capacity state tree.
func NewStateTree(capacity int) *Tree {
	return &Tree{Mode: ModeState, Capacity: capacity, Leaves: []Leaf{}, Root: EmptyHash}
}

// NewHistoryTree creates an empty append-only history tree.
func NewHistoryTree() *Tree {
	return &Tree{Mode: ModeHistory, Leaves: []Leaf{}, Root: EmptyHash}
}

// InsertOrUpdate sets the leaf at index and recomputes the root.
// Only state trees support in-place updates. The index must address an
// existing slot or the next free one, and never exceed capacity.
func (t *Tree) InsertOrUpdate(index int, value json.RawMessage) (string, error) {
	if t.Mode != ModeState {
		return "", fmt.Errorf("merkle: insert-or-update on %s tree", t.Mode)
	}
	if index < 0 || index >= t.Capacity {
		return "", fmt.Errorf("merkle: index %d out of capacity %d", index, t.Capacity)
	}
	if index > len(t.Leaves) {
		return "", fmt.Errorf("merkle: index %d would leave a gap (have %d leaves)", index, len(t.Leaves))
	}

	leaf, err := buildLeaf(value)
	if err != nil {
		return "", err
	}
	if index == len(t.Leaves) {
		t.Leaves = append(t.Leaves, leaf)
	} else {
		t.Leaves[index] = leaf
	}
	t.recompute()
	return t.Root, nil
}

// Append adds a leaf at the next free index and recomputes the root.
// History leaves are never removed or reordered.
func (t *Tree) Append(value json.RawMessage) (string, error) {
	if t.Mode != ModeHistory {
		return "", fmt.Errorf("merkle: append on %s tree", t.Mode)
	}
	leaf, err := buildLeaf(value)
	if err != nil {
		return "", err
	}
	t.Leaves = append(t.Leaves, leaf)
	t.recompute()
	return t.Root, nil
}

// Serialize returns the stable JSON representation of the tree
// (leaves with hashes, root, mode, capacity).
func (t *Tree) Serialize() ([]byte, error) {
	return json.Marshal(t)
}

// Deserialize parses a serialized tree and verifies its integrity: the
// stored root must match the root recomputed from the leaves. A
// mismatch means the serialized tree was corrupted and is fatal for the
// owning account's processing.
func Deserialize(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("merkle: malformed tree: %w", err)
	}
	if t.Mode != ModeState && t.Mode != ModeHistory {
		return nil, fmt.Errorf("merkle: unknown tree mode %q", t.Mode)
	}
	if t.Leaves == nil {
		t.Leaves = []Leaf{}
	}
	stored := t.Root
	for i, l := range t.Leaves {
		h, err := leafHash(l.Value)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, err)
		}
		if h != l.Hash {
			return nil, fmt.Errorf("merkle: corrupt tree: leaf %d hash mismatch", i)
		}
	}
	t.recompute()
	if t.Root != stored {
		return nil, fmt.Errorf("merkle: corrupt tree: root mismatch (stored %s, computed %s)", stored, t.Root)
	}
	return &t, nil
}

// recompute rebuilds the root bottom-up from the current leaves.
func (t *Tree) recompute() {
	if len(t.Leaves) == 0 {
		t.Root = EmptyHash
		return
	}
	level := make([]string, len(t.Leaves))
	for i, l := range t.Leaves {
		level[i] = l.Hash
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	t.Root = level[0]
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, EmptyHash)
	}
	next := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func buildLeaf(value json.RawMessage) (Leaf, error) {
	h, err := leafHash(value)
	if err != nil {
		return Leaf{}, err
	}
	canonical, err := canonicalize.CanonicalBytes(value)
	if err != nil {
		return Leaf{}, err
	}
	return Leaf{Value: json.RawMessage(canonical), Hash: h}, nil
}

func leafHash(value json.RawMessage) (string, error) {
	canonical, err := canonicalize.CanonicalBytes(value)
	if err != nil {
		return "", fmt.Errorf("merkle: leaf canonicalization failed: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.Write(canonical)
	return sha256Hex(buf.Bytes()), nil
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
