package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// WorkgroupStore persists workgroups with their administrator and
// participant membership.
type WorkgroupStore struct {
	db       *sql.DB
	subjects *SubjectStore
}

func NewWorkgroupStore(db *sql.DB, subjects *SubjectStore) (*WorkgroupStore, error) {
	s := &WorkgroupStore{db: db, subjects: subjects}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WorkgroupStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS workgroups (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		security_policy TEXT NOT NULL DEFAULT '',
		privacy_policy  TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS workgroup_members (
		workgroup_id TEXT NOT NULL REFERENCES workgroups(id),
		subject_id   TEXT NOT NULL REFERENCES bpi_subjects(id),
		role         TEXT NOT NULL CHECK (role IN ('admin', 'participant')),
		position     INTEGER NOT NULL,
		UNIQUE(workgroup_id, subject_id, role)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create stores a workgroup shell; membership is set via Update.
func (s *WorkgroupStore) Create(ctx context.Context, wg *contracts.Workgroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workgroups (id, name, security_policy, privacy_policy) VALUES (?, ?, ?, ?)`,
		wg.ID, wg.Name, wg.SecurityPolicy, wg.PrivacyPolicy,
	); err != nil {
		return fmt.Errorf("create workgroup %s: %w", wg.ID, err)
	}
	if err := insertMembers(ctx, tx, wg.ID, "admin", wg.AdministratorIDs); err != nil {
		return err
	}
	if err := insertMembers(ctx, tx, wg.ID, "participant", wg.ParticipantIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// Update replaces name, policies and membership.
func (s *WorkgroupStore) Update(ctx context.Context, wg *contracts.Workgroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE workgroups SET name = ?, security_policy = ?, privacy_policy = ? WHERE id = ?`,
		wg.Name, wg.SecurityPolicy, wg.PrivacyPolicy, wg.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workgroup %s: %w", wg.ID, sql.ErrNoRows)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workgroup_members WHERE workgroup_id = ?`, wg.ID); err != nil {
		return err
	}
	if err := insertMembers(ctx, tx, wg.ID, "admin", wg.AdministratorIDs); err != nil {
		return err
	}
	if err := insertMembers(ctx, tx, wg.ID, "participant", wg.ParticipantIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// Get loads a workgroup with its membership, expanding participants to
// full subjects.
func (s *WorkgroupStore) Get(ctx context.Context, id string) (*contracts.Workgroup, error) {
	wg := &contracts.Workgroup{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, security_policy, privacy_policy FROM workgroups WHERE id = ?`, id,
	).Scan(&wg.Name, &wg.SecurityPolicy, &wg.PrivacyPolicy)
	if err != nil {
		return nil, fmt.Errorf("workgroup %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, role FROM workgroup_members WHERE workgroup_id = ? ORDER BY role, position`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var subjectID, role string
		if err := rows.Scan(&subjectID, &role); err != nil {
			return nil, err
		}
		if role == "admin" {
			wg.AdministratorIDs = append(wg.AdministratorIDs, subjectID)
		} else {
			wg.ParticipantIDs = append(wg.ParticipantIDs, subjectID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, pid := range wg.ParticipantIDs {
		subject, err := s.subjects.GetSubject(ctx, pid)
		if err != nil {
			return nil, err
		}
		wg.Participants = append(wg.Participants, *subject)
	}
	return wg, nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, workgroupID, role string, subjectIDs []string) error {
	for i, sid := range subjectIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workgroup_members (workgroup_id, subject_id, role, position) VALUES (?, ?, ?, ?)`,
			workgroupID, sid, role, i,
		); err != nil {
			return fmt.Errorf("workgroup %s %s %s: %w", workgroupID, role, sid, err)
		}
	}
	return nil
}
