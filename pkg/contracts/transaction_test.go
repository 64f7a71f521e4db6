package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionMarkExecuted(t *testing.T) {
	tx := &Transaction{ID: "tx1", Status: TransactionStatusNew}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, tx.MarkExecuted(at))
	assert.Equal(t, TransactionStatusExecuted, tx.Status)
	require.NotNil(t, tx.ExecutedAt)
	assert.Equal(t, at, *tx.ExecutedAt)

	// Terminal states are permanent.
	assert.Error(t, tx.MarkExecuted(at.Add(time.Minute)))
	assert.Error(t, tx.MarkRejected(ReasonSignatureInvalid))
	assert.Equal(t, at, *tx.ExecutedAt)
}

func TestTransactionMarkRejected(t *testing.T) {
	tx := &Transaction{ID: "tx2", Status: TransactionStatusNew}

	require.NoError(t, tx.MarkRejected(ReasonNonceReplayed))
	assert.Equal(t, TransactionStatusRejected, tx.Status)
	assert.Equal(t, ReasonNonceReplayed, tx.Reason)

	assert.Error(t, tx.MarkRejected(ReasonEvaluationFailed))
	assert.Error(t, tx.MarkExecuted(time.Now()))
	assert.Equal(t, ReasonNonceReplayed, tx.Reason)
	assert.Nil(t, tx.ExecutedAt)
}
