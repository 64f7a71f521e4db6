package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// SubjectStore persists BpiSubjects with their typed key sets, and
// BpiSubjectAccounts with their nonce and flag state.
type SubjectStore struct {
	db *sql.DB
}

func NewSubjectStore(db *sql.DB) (*SubjectStore, error) {
	s := &SubjectStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SubjectStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS bpi_subjects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS bpi_subject_keys (
		subject_id TEXT NOT NULL REFERENCES bpi_subjects(id),
		key_type   TEXT NOT NULL,
		key_value  TEXT NOT NULL,
		UNIQUE(subject_id, key_type)
	);
	CREATE TABLE IF NOT EXISTS bpi_subject_accounts (
		id                   TEXT PRIMARY KEY,
		creator_subject_id   TEXT NOT NULL REFERENCES bpi_subjects(id),
		owner_subject_id     TEXT NOT NULL REFERENCES bpi_subjects(id),
		last_committed_nonce INTEGER NOT NULL DEFAULT 0,
		flagged_at           TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateSubject stores a subject and its keys. Keys must be unique per
// type per subject.
func (s *SubjectStore) CreateSubject(ctx context.Context, subject *contracts.BpiSubject) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bpi_subjects (id, name, description) VALUES (?, ?, ?)`,
		subject.ID, subject.Name, subject.Description,
	); err != nil {
		return fmt.Errorf("create subject %s: %w", subject.ID, err)
	}
	for _, k := range subject.PublicKeys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bpi_subject_keys (subject_id, key_type, key_value) VALUES (?, ?, ?)`,
			subject.ID, string(k.Type), k.Value,
		); err != nil {
			return fmt.Errorf("create subject %s key %s: %w", subject.ID, k.Type, err)
		}
	}
	return tx.Commit()
}

// GetSubject loads a subject with its key set.
func (s *SubjectStore) GetSubject(ctx context.Context, id string) (*contracts.BpiSubject, error) {
	subject := &contracts.BpiSubject{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description FROM bpi_subjects WHERE id = ?`, id,
	).Scan(&subject.Name, &subject.Description)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key_type, key_value FROM bpi_subject_keys WHERE subject_id = ? ORDER BY key_type`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k contracts.PublicKey
		var kt string
		if err := rows.Scan(&kt, &k.Value); err != nil {
			return nil, err
		}
		k.Type = contracts.KeyType(kt)
		subject.PublicKeys = append(subject.PublicKeys, k)
	}
	return subject, rows.Err()
}

// GetSubjectByKey resolves the subject registered with the given key
// value and type. Used by the login flow to find the claimant.
func (s *SubjectStore) GetSubjectByKey(ctx context.Context, keyType contracts.KeyType, keyValue string) (*contracts.BpiSubject, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id FROM bpi_subject_keys WHERE key_type = ? AND key_value = ?`,
		string(keyType), keyValue,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("subject by %s key: %w", keyType, err)
	}
	return s.GetSubject(ctx, id)
}

// CreateSubjectAccount stores a subject account; the nonce starts at 0.
func (s *SubjectStore) CreateSubjectAccount(ctx context.Context, account *contracts.BpiSubjectAccount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bpi_subject_accounts (id, creator_subject_id, owner_subject_id) VALUES (?, ?, ?)`,
		account.ID, account.CreatorBpiSubjectID, account.OwnerBpiSubjectID,
	)
	if err != nil {
		return fmt.Errorf("create subject account %s: %w", account.ID, err)
	}
	return nil
}

// GetSubjectAccount loads a subject account including nonce and flag.
func (s *SubjectStore) GetSubjectAccount(ctx context.Context, id string) (*contracts.BpiSubjectAccount, error) {
	account := &contracts.BpiSubjectAccount{ID: id}
	var flaggedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT creator_subject_id, owner_subject_id, last_committed_nonce, flagged_at
		 FROM bpi_subject_accounts WHERE id = ?`, id,
	).Scan(&account.CreatorBpiSubjectID, &account.OwnerBpiSubjectID, &account.LastCommittedNonce, &flaggedAt)
	if err != nil {
		return nil, fmt.Errorf("subject account %s: %w", id, err)
	}
	if flaggedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, flaggedAt.String)
		if err != nil {
			return nil, fmt.Errorf("subject account %s: bad flagged_at: %w", id, err)
		}
		account.FlaggedAt = &t
	}
	return account, nil
}

// FlagSubjectAccount quarantines the account's queue for operator
// intervention.
func (s *SubjectStore) FlagSubjectAccount(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bpi_subject_accounts SET flagged_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	return err
}

// ClearSubjectAccountFlag lifts the quarantine.
func (s *SubjectStore) ClearSubjectAccountFlag(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bpi_subject_accounts SET flagged_at = NULL WHERE id = ?`, id)
	return err
}
