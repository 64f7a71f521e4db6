package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// AccountStore reads BpiAccounts and owns the scoped commit
// transaction: tree updates, nonce advance and status transition land
// together or not at all.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	// Tables are created by WorkflowStore and TransactionStore; this
	// store only reads and mutates them.
	return &AccountStore{db: db}
}

// Get loads an account with its serialized trees and owner ids.
func (s *AccountStore) Get(ctx context.Context, id string) (*contracts.BpiAccount, error) {
	account := &contracts.BpiAccount{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT state_tree, history_tree FROM bpi_accounts WHERE id = ?`, id,
	).Scan(&account.StateTree, &account.HistoryTree)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_account_id FROM bpi_account_owners WHERE account_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var said string
		if err := rows.Scan(&said); err != nil {
			return nil, err
		}
		account.OwnerSubjectAccountIDs = append(account.OwnerSubjectAccountIDs, said)
	}
	return account, rows.Err()
}

// CommitInput carries everything one transaction commit must persist.
type CommitInput struct {
	AccountID              string
	StateTree              []byte
	HistoryTree            []byte
	SenderSubjectAccountID string
	Nonce                  uint64
	TransactionID          string
	ExecutedAt             time.Time
}

// CommitTransition applies one EXECUTED transition atomically: both
// trees, the sender's last committed nonce, and the transaction status
// succeed or fail together. A partial commit is never observable; on
// any failure the transaction row stays NEW and the caller retries on a
// later cycle.
func (s *AccountStore) CommitTransition(ctx context.Context, in CommitInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.CommitError{AccountID: in.AccountID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE bpi_accounts SET state_tree = ?, history_tree = ? WHERE id = ?`,
		string(in.StateTree), string(in.HistoryTree), in.AccountID,
	)
	if err != nil {
		return &contracts.CommitError{AccountID: in.AccountID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.CommitError{AccountID: in.AccountID, Err: fmt.Errorf("account not found")}
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE bpi_subject_accounts SET last_committed_nonce = ? WHERE id = ? AND last_committed_nonce = ?`,
		in.Nonce, in.SenderSubjectAccountID, in.Nonce-1,
	)
	if err != nil {
		return &contracts.CommitError{AccountID: in.AccountID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.CommitError{
			AccountID: in.AccountID,
			Err:       fmt.Errorf("nonce advance conflict for subject account %s", in.SenderSubjectAccountID),
		}
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE transactions SET status = ?, executed_at = ? WHERE id = ? AND status = ?`,
		string(contracts.TransactionStatusExecuted),
		in.ExecutedAt.UTC().Format(time.RFC3339Nano),
		in.TransactionID,
		string(contracts.TransactionStatusNew),
	)
	if err != nil {
		return &contracts.CommitError{AccountID: in.AccountID, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &contracts.CommitError{
			AccountID: in.AccountID,
			Err:       fmt.Errorf("transaction %s not in NEW state", in.TransactionID),
		}
	}

	if err := tx.Commit(); err != nil {
		return &contracts.CommitError{AccountID: in.AccountID, Err: err}
	}
	return nil
}
