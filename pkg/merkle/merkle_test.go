package merkle

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafValue(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"slot":%d,"total":%d}`, i, i*100))
}

func TestStateTree_InsertOrUpdate(t *testing.T) {
	tree := NewStateTree(4)
	assert.Equal(t, EmptyHash, tree.Root)

	root1, err := tree.InsertOrUpdate(0, leafValue(0))
	require.NoError(t, err)
	assert.Len(t, tree.Leaves, 1)
	assert.NotEqual(t, EmptyHash, root1)

	// In-place replacement changes the root but not the leaf count.
	root2, err := tree.InsertOrUpdate(0, leafValue(1))
	require.NoError(t, err)
	assert.Len(t, tree.Leaves, 1)
	assert.NotEqual(t, root1, root2)
}

func TestStateTree_CapacityEnforced(t *testing.T) {
	tree := NewStateTree(2)
	_, err := tree.InsertOrUpdate(0, leafValue(0))
	require.NoError(t, err)
	_, err = tree.InsertOrUpdate(1, leafValue(1))
	require.NoError(t, err)

	_, err = tree.InsertOrUpdate(2, leafValue(2))
	assert.Error(t, err)
	assert.Len(t, tree.Leaves, 2)
}

func TestStateTree_NoGaps(t *testing.T) {
	tree := NewStateTree(4)
	_, err := tree.InsertOrUpdate(2, leafValue(2))
	assert.Error(t, err)
}

func TestStateTree_RejectsAppendAPI(t *testing.T) {
	tree := NewStateTree(4)
	_, err := tree.Append(leafValue(0))
	assert.Error(t, err)
}

func TestHistoryTree_AppendOnly(t *testing.T) {
	tree := NewHistoryTree()

	var roots []string
	for i := 0; i < 5; i++ {
		root, err := tree.Append(leafValue(i))
		require.NoError(t, err)
		roots = append(roots, root)
	}
	assert.Len(t, tree.Leaves, 5)

	// Every append changes the root.
	seen := map[string]bool{}
	for _, r := range roots {
		assert.False(t, seen[r])
		seen[r] = true
	}

	_, err := tree.InsertOrUpdate(0, leafValue(9))
	assert.Error(t, err, "history leaves must never be replaced")
}

func TestRoot_Deterministic(t *testing.T) {
	build := func() string {
		tree := NewHistoryTree()
		for i := 0; i < 7; i++ {
			_, err := tree.Append(leafValue(i))
			require.NoError(t, err)
		}
		return tree.Root
	}
	assert.Equal(t, build(), build())
}

func TestRoot_SentinelPaddingDisambiguatesShapes(t *testing.T) {
	// A 3-leaf tree where the last leaf happens to repeat must not
	// collide with the 4-leaf tree carrying an explicit duplicate.
	three := NewHistoryTree()
	for _, v := range []int{0, 1, 2} {
		_, err := three.Append(leafValue(v))
		require.NoError(t, err)
	}

	four := NewHistoryTree()
	for _, v := range []int{0, 1, 2, 2} {
		_, err := four.Append(leafValue(v))
		require.NoError(t, err)
	}

	assert.NotEqual(t, three.Root, four.Root)
}

func TestLeafHash_CanonicalAcrossSerializations(t *testing.T) {
	a := NewHistoryTree()
	_, err := a.Append(json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)

	b := NewHistoryTree()
	_, err = b.Append(json.RawMessage(`{ "a": 1, "b": 2 }`))
	require.NoError(t, err)

	assert.Equal(t, a.Root, b.Root)
}

func TestSerialize_RoundTrip(t *testing.T) {
	tree := NewStateTree(4)
	for i := 0; i < 3; i++ {
		_, err := tree.InsertOrUpdate(i, leafValue(i))
		require.NoError(t, err)
	}

	data, err := tree.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, tree.Root, restored.Root)
	assert.Equal(t, tree.Capacity, restored.Capacity)
	assert.Len(t, restored.Leaves, 3)

	// Round-tripped tree stays usable.
	_, err = restored.InsertOrUpdate(3, leafValue(3))
	assert.NoError(t, err)
}

func TestDeserialize_DetectsTampering(t *testing.T) {
	tree := NewHistoryTree()
	_, err := tree.Append(leafValue(0))
	require.NoError(t, err)
	_, err = tree.Append(leafValue(1))
	require.NoError(t, err)

	data, err := tree.Serialize()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	leaves := raw["leaves"].([]interface{})
	leaf := leaves[0].(map[string]interface{})
	leaf["value"] = map[string]interface{}{"slot": 0, "total": 999999}
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = Deserialize(tampered)
	assert.Error(t, err)
}

func TestDeserialize_MalformedInput(t *testing.T) {
	_, err := Deserialize([]byte("not json"))
	assert.Error(t, err)

	_, err = Deserialize([]byte(`{"mode":"bogus","leaves":[],"root":""}`))
	assert.Error(t, err)
}

func TestProof_VerifyAcrossSizes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13} {
		tree := NewHistoryTree()
		for i := 0; i < n; i++ {
			_, err := tree.Append(leafValue(i))
			require.NoError(t, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			require.NoError(t, err, "n=%d i=%d", n, i)
			assert.True(t, VerifyProof(proof, tree.Root), "n=%d i=%d", n, i)
		}
	}
}

func TestProof_RejectsWrongRoot(t *testing.T) {
	tree := NewHistoryTree()
	for i := 0; i < 4; i++ {
		_, err := tree.Append(leafValue(i))
		require.NoError(t, err)
	}
	proof, err := tree.Proof(1)
	require.NoError(t, err)

	assert.False(t, VerifyProof(proof, EmptyHash))
	assert.False(t, VerifyProof(nil, tree.Root))
}

func TestProof_NoLeaf(t *testing.T) {
	tree := NewHistoryTree()
	_, err := tree.Proof(0)
	assert.Error(t, err)
}
