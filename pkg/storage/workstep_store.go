package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/Mindburn-Labs/bpi/pkg/contracts"
)

// WorkstepStore persists workstep definitions. Versions must parse as
// semantic versions.
type WorkstepStore struct {
	db *sql.DB
}

func NewWorkstepStore(db *sql.DB) (*WorkstepStore, error) {
	s := &WorkstepStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WorkstepStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS worksteps (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		version         TEXT NOT NULL,
		status          TEXT NOT NULL,
		workgroup_id    TEXT NOT NULL REFERENCES workgroups(id),
		arity           INTEGER NOT NULL,
		schema_json     TEXT NOT NULL DEFAULT '',
		policy_expr     TEXT NOT NULL DEFAULT '',
		security_policy TEXT NOT NULL DEFAULT '',
		privacy_policy  TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create validates and stores a workstep. A zero arity defaults to the
// built-in circuit capacity.
func (s *WorkstepStore) Create(ctx context.Context, ws *contracts.Workstep) error {
	if _, err := semver.NewVersion(ws.Version); err != nil {
		return fmt.Errorf("workstep %s: invalid version %q: %w", ws.ID, ws.Version, err)
	}
	if ws.Circuit.Arity <= 0 {
		ws.Circuit.Arity = contracts.DefaultCircuitArity
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worksteps (id, name, version, status, workgroup_id, arity, schema_json, policy_expr, security_policy, privacy_policy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.Version, string(ws.Status), ws.WorkgroupID,
		ws.Circuit.Arity, ws.Circuit.SchemaJSON, ws.Circuit.PolicyExpr,
		ws.SecurityPolicy, ws.PrivacyPolicy,
	)
	if err != nil {
		return fmt.Errorf("create workstep %s: %w", ws.ID, err)
	}
	return nil
}

// Get loads a workstep definition.
func (s *WorkstepStore) Get(ctx context.Context, id string) (*contracts.Workstep, error) {
	ws := &contracts.Workstep{ID: id}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, status, workgroup_id, arity, schema_json, policy_expr, security_policy, privacy_policy
		 FROM worksteps WHERE id = ?`, id,
	).Scan(&ws.Name, &ws.Version, &status, &ws.WorkgroupID,
		&ws.Circuit.Arity, &ws.Circuit.SchemaJSON, &ws.Circuit.PolicyExpr,
		&ws.SecurityPolicy, &ws.PrivacyPolicy)
	if err != nil {
		return nil, fmt.Errorf("workstep %s: %w", id, err)
	}
	ws.Status = contracts.WorkstepStatus(status)
	return ws, nil
}
