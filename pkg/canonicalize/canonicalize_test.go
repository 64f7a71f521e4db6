package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalBytes_SortsKeys(t *testing.T) {
	a, err := CanonicalBytes([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := CanonicalBytes([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalBytes_MalformedJSON(t *testing.T) {
	_, err := CanonicalBytes([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestHashBytes_Deterministic(t *testing.T) {
	b, err := Canonicalize(map[string]interface{}{"amount": 300, "items": []int{1, 2}})
	require.NoError(t, err)

	h1 := HashBytes(b)
	assert.Equal(t, h1, HashBytes(b))
	assert.Len(t, h1, 64)
}

func TestHash_WhitespaceInsensitive(t *testing.T) {
	a, err := CanonicalBytes([]byte(`{ "x" : 1 }`))
	require.NoError(t, err)
	b, err := CanonicalBytes([]byte(`{"x":1}`))
	require.NoError(t, err)

	assert.Equal(t, HashBytes(a), HashBytes(b))
}
