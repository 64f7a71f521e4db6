package sequencer

import (
	"errors"
	"testing"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id string, nonce uint64) *contracts.Transaction {
	return &contracts.Transaction{ID: id, Nonce: nonce}
}

func TestOrder_SortsByNonce(t *testing.T) {
	ordered := Order([]*contracts.Transaction{tx("c", 3), tx("a", 1), tx("b", 2)})

	require.Len(t, ordered, 3)
	assert.Equal(t, "a", ordered[0].ID)
	assert.Equal(t, "b", ordered[1].ID)
	assert.Equal(t, "c", ordered[2].ID)
}

func TestOrder_StableForEqualNonces(t *testing.T) {
	ordered := Order([]*contracts.Transaction{tx("first", 1), tx("second", 1)})

	assert.Equal(t, "first", ordered[0].ID)
	assert.Equal(t, "second", ordered[1].ID)
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	in := []*contracts.Transaction{tx("b", 2), tx("a", 1)}
	Order(in)
	assert.Equal(t, "b", in[0].ID)
}

func TestCheck_Sequential(t *testing.T) {
	assert.NoError(t, Check(0, 1))
	assert.NoError(t, Check(41, 42))
}

func TestCheck_Replay(t *testing.T) {
	err := Check(5, 5)
	require.Error(t, err)

	var nonceErr *contracts.NonceOrderError
	require.True(t, errors.As(err, &nonceErr))
	assert.True(t, nonceErr.Replay)
	assert.Equal(t, uint64(6), nonceErr.Expected)

	err = Check(5, 1)
	require.True(t, errors.As(err, &nonceErr))
	assert.True(t, nonceErr.Replay)
}

func TestCheck_AheadIsHeldNotReplay(t *testing.T) {
	err := Check(5, 7)
	require.Error(t, err)

	var nonceErr *contracts.NonceOrderError
	require.True(t, errors.As(err, &nonceErr))
	assert.False(t, nonceErr.Replay)
	assert.Equal(t, uint64(7), nonceErr.Got)
}
