package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// ErrDuplicateTransactionID reports a submission reusing an existing
// transaction id. Rejected at the submission boundary before any nonce
// or signature work.
var ErrDuplicateTransactionID = errors.New("transaction id already exists")

// TransactionStore persists transactions through their lifecycle.
type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) (*TransactionStore, error) {
	s := &TransactionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TransactionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS transactions (
		id                      TEXT PRIMARY KEY,
		nonce                   INTEGER NOT NULL,
		workflow_instance_id    TEXT NOT NULL,
		workstep_instance_id    TEXT NOT NULL,
		from_subject_account_id TEXT NOT NULL,
		to_subject_account_id   TEXT NOT NULL,
		payload                 TEXT NOT NULL,
		signature               TEXT NOT NULL,
		status                  TEXT NOT NULL DEFAULT 'NEW',
		reason                  TEXT NOT NULL DEFAULT '',
		created_at              TEXT NOT NULL,
		executed_at             TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status, from_subject_account_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create stores a submitted transaction with status NEW. Duplicate ids
// are rejected by the primary key, so concurrent submissions of the
// same id cannot race past each other.
func (s *TransactionStore) Create(ctx context.Context, t *contracts.Transaction) error {
	t.Status = contracts.TransactionStatusNew
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, nonce, workflow_instance_id, workstep_instance_id,
			from_subject_account_id, to_subject_account_id, payload, signature, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Nonce, t.WorkflowInstanceID, t.WorkstepInstanceID,
		t.FromSubjectAccountID, t.ToSubjectAccountID, t.Payload, t.Signature,
		string(t.Status), t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", t.ID, ErrDuplicateTransactionID)
		}
		return fmt.Errorf("create transaction %s: %w", t.ID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get loads a transaction by id.
func (s *TransactionStore) Get(ctx context.Context, id string) (*contracts.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nonce, workflow_instance_id, workstep_instance_id,
			from_subject_account_id, to_subject_account_id, payload, signature,
			status, reason, created_at, executed_at
		 FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}
	return t, nil
}

// PendingBySender returns all NEW transactions grouped by sending
// subject account, each group in submission order. The VSM cycle's
// collect phase.
func (s *TransactionStore) PendingBySender(ctx context.Context) (map[string][]*contracts.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nonce, workflow_instance_id, workstep_instance_id,
			from_subject_account_id, to_subject_account_id, payload, signature,
			status, reason, created_at, executed_at
		 FROM transactions WHERE status = ? ORDER BY created_at, id`,
		string(contracts.TransactionStatusNew))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	groups := make(map[string][]*contracts.Transaction)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		groups[t.FromSubjectAccountID] = append(groups[t.FromSubjectAccountID], t)
	}
	return groups, rows.Err()
}

// Reject marks a NEW transaction REJECTED with a reason code. Terminal.
func (s *TransactionStore) Reject(ctx context.Context, id string, reason contracts.RejectionReason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, reason = ? WHERE id = ? AND status = ?`,
		string(contracts.TransactionStatusRejected), string(reason), id,
		string(contracts.TransactionStatusNew),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s not in NEW state", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*contracts.Transaction, error) {
	var t contracts.Transaction
	var status, reason, createdAt string
	var executedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Nonce, &t.WorkflowInstanceID, &t.WorkstepInstanceID,
		&t.FromSubjectAccountID, &t.ToSubjectAccountID, &t.Payload, &t.Signature,
		&status, &reason, &createdAt, &executedAt); err != nil {
		return nil, err
	}
	t.Status = contracts.TransactionStatus(status)
	t.Reason = contracts.RejectionReason(reason)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	t.CreatedAt = created
	if executedAt.Valid {
		executed, err := time.Parse(time.RFC3339Nano, executedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad executed_at: %w", err)
		}
		t.ExecutedAt = &executed
	}
	return &t, nil
}
