package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/Mindburn-Labs/bpi/pkg/merkle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	subjects     *SubjectStore
	workgroups   *WorkgroupStore
	worksteps    *WorkstepStore
	workflows    *WorkflowStore
	accounts     *AccountStore
	transactions *TransactionStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	subjects, err := NewSubjectStore(db)
	require.NoError(t, err)
	workgroups, err := NewWorkgroupStore(db, subjects)
	require.NoError(t, err)
	worksteps, err := NewWorkstepStore(db)
	require.NoError(t, err)
	workflows, err := NewWorkflowStore(db, worksteps)
	require.NoError(t, err)
	transactions, err := NewTransactionStore(db)
	require.NoError(t, err)

	return &fixture{
		subjects:     subjects,
		workgroups:   workgroups,
		worksteps:    worksteps,
		workflows:    workflows,
		accounts:     NewAccountStore(db),
		transactions: transactions,
	}
}

func (f *fixture) seedWorkflow(t *testing.T, ctx context.Context) (*contracts.Workflow, *contracts.BpiSubjectAccount) {
	t.Helper()

	subject := &contracts.BpiSubject{
		ID:   "subject-1",
		Name: "Supplier",
		PublicKeys: []contracts.PublicKey{
			{Type: contracts.KeyTypeEcdsa, Value: "ecdsa-pub"},
			{Type: contracts.KeyTypeEddsa, Value: "eddsa-pub"},
		},
	}
	require.NoError(t, f.subjects.CreateSubject(ctx, subject))

	account := &contracts.BpiSubjectAccount{
		ID:                  "subject-account-1",
		CreatorBpiSubjectID: subject.ID,
		OwnerBpiSubjectID:   subject.ID,
	}
	require.NoError(t, f.subjects.CreateSubjectAccount(ctx, account))

	wg := &contracts.Workgroup{ID: "workgroup-1", Name: "Test workgroup"}
	require.NoError(t, f.workgroups.Create(ctx, wg))

	ws := &contracts.Workstep{
		ID:          "workstep-1",
		Name:        "workstep1",
		Version:     "1.0.0",
		Status:      contracts.WorkstepStatusNew,
		WorkgroupID: wg.ID,
	}
	require.NoError(t, f.worksteps.Create(ctx, ws))

	wf := &contracts.Workflow{
		ID:                     "workflow-1",
		Name:                   "workflow1",
		WorkgroupID:            wg.ID,
		WorkstepIDs:            []string{ws.ID},
		OwnerSubjectAccountIDs: []string{account.ID},
	}
	require.NoError(t, f.workflows.Create(ctx, wf))
	return wf, account
}

func TestSubjectStore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subject := &contracts.BpiSubject{
		ID:          "s1",
		Name:        "External Bpi Subject - Supplier",
		Description: "A test Bpi Subject",
		PublicKeys: []contracts.PublicKey{
			{Type: contracts.KeyTypeEcdsa, Value: "k-ecdsa"},
			{Type: contracts.KeyTypeEddsa, Value: "k-eddsa"},
		},
	}
	require.NoError(t, f.subjects.CreateSubject(ctx, subject))

	got, err := f.subjects.GetSubject(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, subject.Name, got.Name)
	assert.Len(t, got.PublicKeys, 2)

	byKey, err := f.subjects.GetSubjectByKey(ctx, contracts.KeyTypeEcdsa, "k-ecdsa")
	require.NoError(t, err)
	assert.Equal(t, "s1", byKey.ID)
}

func TestSubjectStore_DuplicateKeyTypeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.subjects.CreateSubject(ctx, &contracts.BpiSubject{
		ID:   "s1",
		Name: "dup",
		PublicKeys: []contracts.PublicKey{
			{Type: contracts.KeyTypeEddsa, Value: "a"},
			{Type: contracts.KeyTypeEddsa, Value: "b"},
		},
	})
	assert.Error(t, err)
}

func TestSubjectAccount_NonceStartsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, account := f.seedWorkflow(t, ctx)

	got, err := f.subjects.GetSubjectAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.LastCommittedNonce)
	assert.False(t, got.Flagged())
}

func TestSubjectAccount_FlagAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, account := f.seedWorkflow(t, ctx)

	require.NoError(t, f.subjects.FlagSubjectAccount(ctx, account.ID, time.Now()))
	got, err := f.subjects.GetSubjectAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.Flagged())

	require.NoError(t, f.subjects.ClearSubjectAccountFlag(ctx, account.ID))
	got, err = f.subjects.GetSubjectAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.Flagged())
}

func TestWorkgroupStore_UpdateMembershipAndExpandParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"sup", "buy"} {
		require.NoError(t, f.subjects.CreateSubject(ctx, &contracts.BpiSubject{ID: id, Name: id}))
	}
	wg := &contracts.Workgroup{ID: "wg", Name: "Test workgroup"}
	require.NoError(t, f.workgroups.Create(ctx, wg))

	wg.AdministratorIDs = []string{"sup"}
	wg.ParticipantIDs = []string{"sup", "buy"}
	require.NoError(t, f.workgroups.Update(ctx, wg))

	got, err := f.workgroups.Get(ctx, "wg")
	require.NoError(t, err)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, "sup", got.Participants[0].ID)
	assert.Equal(t, "buy", got.Participants[1].ID)
}

func TestWorkstepStore_SemverValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.workgroups.Create(ctx, &contracts.Workgroup{ID: "wg", Name: "wg"}))

	err := f.worksteps.Create(ctx, &contracts.Workstep{
		ID: "ws", Name: "ws", Version: "not-a-version", WorkgroupID: "wg",
	})
	assert.Error(t, err)

	require.NoError(t, f.worksteps.Create(ctx, &contracts.Workstep{
		ID: "ws", Name: "ws", Version: "1", WorkgroupID: "wg",
	}))
	got, err := f.worksteps.Get(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, contracts.DefaultCircuitArity, got.Circuit.Arity)
}

func TestWorkflowStore_ProvisionsAccountWithEmptyTrees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, _ := f.seedWorkflow(t, ctx)

	got, err := f.workflows.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.BpiAccountID)

	account, err := f.accounts.Get(ctx, got.BpiAccountID)
	require.NoError(t, err)

	state, err := merkle.Deserialize([]byte(account.StateTree))
	require.NoError(t, err)
	assert.Equal(t, merkle.ModeState, state.Mode)
	assert.Equal(t, 1, state.Capacity)
	assert.Empty(t, state.Leaves)

	history, err := merkle.Deserialize([]byte(account.HistoryTree))
	require.NoError(t, err)
	assert.Equal(t, merkle.ModeHistory, history.Mode)
	assert.Empty(t, history.Leaves)
}

func TestTransactionStore_DuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := &contracts.Transaction{
		ID: "tx-1", Nonce: 1, WorkflowInstanceID: "wf", WorkstepInstanceID: "ws",
		FromSubjectAccountID: "a", ToSubjectAccountID: "b",
		Payload: "{}", Signature: "sig", CreatedAt: time.Now(),
	}
	require.NoError(t, f.transactions.Create(ctx, tx))

	err := f.transactions.Create(ctx, tx)
	assert.True(t, errors.Is(err, ErrDuplicateTransactionID))

	stored, err := f.transactions.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TransactionStatusNew, stored.Status)
}

func TestTransactionStore_PendingBySender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, sender := range []string{"a", "a", "b"} {
		tx := &contracts.Transaction{
			ID: "tx-" + string(rune('1'+i)), Nonce: uint64(i + 1),
			WorkflowInstanceID: "wf", WorkstepInstanceID: "ws",
			FromSubjectAccountID: sender, ToSubjectAccountID: "x",
			Payload: "{}", Signature: "sig", CreatedAt: time.Now(),
		}
		require.NoError(t, f.transactions.Create(ctx, tx))
	}
	require.NoError(t, f.transactions.Reject(ctx, "tx-3", contracts.ReasonSignatureInvalid))

	groups, err := f.transactions.PendingBySender(ctx)
	require.NoError(t, err)
	assert.Len(t, groups["a"], 2)
	assert.NotContains(t, groups, "b", "rejected transactions are not pending")
}

func TestTransactionStore_RejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := &contracts.Transaction{
		ID: "tx-1", Nonce: 1, WorkflowInstanceID: "wf", WorkstepInstanceID: "ws",
		FromSubjectAccountID: "a", ToSubjectAccountID: "b",
		Payload: "{}", Signature: "sig", CreatedAt: time.Now(),
	}
	require.NoError(t, f.transactions.Create(ctx, tx))
	require.NoError(t, f.transactions.Reject(ctx, "tx-1", contracts.ReasonNonceReplayed))

	got, err := f.transactions.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TransactionStatusRejected, got.Status)
	assert.Equal(t, contracts.ReasonNonceReplayed, got.Reason)

	assert.Error(t, f.transactions.Reject(ctx, "tx-1", contracts.ReasonSignatureInvalid))
}

func TestCommitTransition_Atomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, account := f.seedWorkflow(t, ctx)

	tx := &contracts.Transaction{
		ID: "tx-1", Nonce: 1, WorkflowInstanceID: wf.ID, WorkstepInstanceID: "workstep-1",
		FromSubjectAccountID: account.ID, ToSubjectAccountID: "other",
		Payload: "{}", Signature: "sig", CreatedAt: time.Now(),
	}
	require.NoError(t, f.transactions.Create(ctx, tx))

	loaded, err := f.accounts.Get(ctx, wf.BpiAccountID)
	require.NoError(t, err)
	state, err := merkle.Deserialize([]byte(loaded.StateTree))
	require.NoError(t, err)
	history, err := merkle.Deserialize([]byte(loaded.HistoryTree))
	require.NoError(t, err)

	leaf := []byte(`{"invoiceId":"INV123","totalPrice":300}`)
	_, err = state.InsertOrUpdate(0, leaf)
	require.NoError(t, err)
	_, err = history.Append(leaf)
	require.NoError(t, err)
	stateBytes, err := state.Serialize()
	require.NoError(t, err)
	historyBytes, err := history.Serialize()
	require.NoError(t, err)

	require.NoError(t, f.accounts.CommitTransition(ctx, CommitInput{
		AccountID:              wf.BpiAccountID,
		StateTree:              stateBytes,
		HistoryTree:            historyBytes,
		SenderSubjectAccountID: account.ID,
		Nonce:                  1,
		TransactionID:          "tx-1",
		ExecutedAt:             time.Now(),
	}))

	committed, err := f.accounts.Get(ctx, wf.BpiAccountID)
	require.NoError(t, err)
	gotState, err := merkle.Deserialize([]byte(committed.StateTree))
	require.NoError(t, err)
	assert.Len(t, gotState.Leaves, 1)

	sa, err := f.subjects.GetSubjectAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sa.LastCommittedNonce)

	gotTx, err := f.transactions.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TransactionStatusExecuted, gotTx.Status)
	require.NotNil(t, gotTx.ExecutedAt)
}

func TestCommitTransition_NonceConflictRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, account := f.seedWorkflow(t, ctx)

	tx := &contracts.Transaction{
		ID: "tx-1", Nonce: 2, WorkflowInstanceID: wf.ID, WorkstepInstanceID: "workstep-1",
		FromSubjectAccountID: account.ID, ToSubjectAccountID: "other",
		Payload: "{}", Signature: "sig", CreatedAt: time.Now(),
	}
	require.NoError(t, f.transactions.Create(ctx, tx))

	state, err := merkle.NewStateTree(1).Serialize()
	require.NoError(t, err)
	history, err := merkle.NewHistoryTree().Serialize()
	require.NoError(t, err)

	// Nonce 2 with last_committed_nonce still 0: the guarded UPDATE
	// matches nothing and the whole commit rolls back.
	err = f.accounts.CommitTransition(ctx, CommitInput{
		AccountID:              wf.BpiAccountID,
		StateTree:              state,
		HistoryTree:            history,
		SenderSubjectAccountID: account.ID,
		Nonce:                  2,
		TransactionID:          "tx-1",
		ExecutedAt:             time.Now(),
	})
	var commitErr *contracts.CommitError
	require.True(t, errors.As(err, &commitErr))

	gotTx, err := f.transactions.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TransactionStatusNew, gotTx.Status, "failed commit must leave the transaction NEW")

	sa, err := f.subjects.GetSubjectAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sa.LastCommittedNonce)
}
