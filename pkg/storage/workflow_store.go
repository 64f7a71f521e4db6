package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/bpi/pkg/contracts"
	"github.com/Mindburn-Labs/bpi/pkg/merkle"
	"github.com/google/uuid"
)

// WorkflowStore persists workflows and provisions each workflow's
// BpiAccount (with empty state and history trees) atomically at
// creation.
type WorkflowStore struct {
	db        *sql.DB
	worksteps *WorkstepStore
}

func NewWorkflowStore(db *sql.DB, worksteps *WorkstepStore) (*WorkflowStore, error) {
	s := &WorkflowStore{db: db, worksteps: worksteps}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WorkflowStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS bpi_accounts (
		id           TEXT PRIMARY KEY,
		state_tree   TEXT NOT NULL,
		history_tree TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bpi_account_owners (
		account_id         TEXT NOT NULL REFERENCES bpi_accounts(id),
		subject_account_id TEXT NOT NULL REFERENCES bpi_subject_accounts(id),
		position           INTEGER NOT NULL,
		UNIQUE(account_id, subject_account_id)
	);
	CREATE TABLE IF NOT EXISTS workflows (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		workgroup_id   TEXT NOT NULL REFERENCES workgroups(id),
		bpi_account_id TEXT NOT NULL REFERENCES bpi_accounts(id)
	);
	CREATE TABLE IF NOT EXISTS workflow_worksteps (
		workflow_id TEXT NOT NULL REFERENCES workflows(id),
		workstep_id TEXT NOT NULL REFERENCES worksteps(id),
		position    INTEGER NOT NULL,
		UNIQUE(workflow_id, workstep_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create stores the workflow and its BpiAccount in one transaction.
// The state tree capacity is the slot count of the workflow's workstep
// sequence (one slot per workstep).
func (s *WorkflowStore) Create(ctx context.Context, wf *contracts.Workflow) error {
	if len(wf.WorkstepIDs) == 0 {
		return fmt.Errorf("workflow %s: at least one workstep required", wf.ID)
	}
	if len(wf.OwnerSubjectAccountIDs) == 0 {
		return fmt.Errorf("workflow %s: at least one owner subject account required", wf.ID)
	}
	for _, wsID := range wf.WorkstepIDs {
		if _, err := s.worksteps.Get(ctx, wsID); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
	}

	if wf.BpiAccountID == "" {
		wf.BpiAccountID = uuid.NewString()
	}
	stateTree, err := merkle.NewStateTree(len(wf.WorkstepIDs)).Serialize()
	if err != nil {
		return err
	}
	historyTree, err := merkle.NewHistoryTree().Serialize()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bpi_accounts (id, state_tree, history_tree) VALUES (?, ?, ?)`,
		wf.BpiAccountID, string(stateTree), string(historyTree),
	); err != nil {
		return fmt.Errorf("create account for workflow %s: %w", wf.ID, err)
	}
	for i, said := range wf.OwnerSubjectAccountIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bpi_account_owners (account_id, subject_account_id, position) VALUES (?, ?, ?)`,
			wf.BpiAccountID, said, i,
		); err != nil {
			return fmt.Errorf("account owner %s: %w", said, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, workgroup_id, bpi_account_id) VALUES (?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.WorkgroupID, wf.BpiAccountID,
	); err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.ID, err)
	}
	for i, wsID := range wf.WorkstepIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_worksteps (workflow_id, workstep_id, position) VALUES (?, ?, ?)`,
			wf.ID, wsID, i,
		); err != nil {
			return fmt.Errorf("workflow %s workstep %s: %w", wf.ID, wsID, err)
		}
	}
	return tx.Commit()
}

// Get loads a workflow with its ordered workstep ids and owners.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*contracts.Workflow, error) {
	wf := &contracts.Workflow{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, workgroup_id, bpi_account_id FROM workflows WHERE id = ?`, id,
	).Scan(&wf.Name, &wf.WorkgroupID, &wf.BpiAccountID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT workstep_id FROM workflow_worksteps WHERE workflow_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var wsID string
		if err := rows.Scan(&wsID); err != nil {
			return nil, err
		}
		wf.WorkstepIDs = append(wf.WorkstepIDs, wsID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	owners, err := s.db.QueryContext(ctx,
		`SELECT subject_account_id FROM bpi_account_owners WHERE account_id = ? ORDER BY position`, wf.BpiAccountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = owners.Close() }()
	for owners.Next() {
		var said string
		if err := owners.Scan(&said); err != nil {
			return nil, err
		}
		wf.OwnerSubjectAccountIDs = append(wf.OwnerSubjectAccountIDs, said)
	}
	return wf, owners.Err()
}
