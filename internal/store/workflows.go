package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("not found")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateWorkflow inserts a workflow shell with no versions yet.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workflows (id, name, description, created_at, updated_at)
		VALUES (:id, :name, :description, :created_at, :updated_at)`, w)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workflows WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out []Workflow
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM workflows ORDER BY created_at, id`)
	return out, err
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveVersion appends a new graph version for a workflow. Versions are
// monotonically increasing; the caller does not pick the number.
func (s *Store) SaveVersion(ctx context.Context, workflowID string, graphJSON []byte) (int, error) {
	var version int
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		var cur sql.NullInt64
		if err := tx.GetContext(ctx, &cur,
			`SELECT MAX(version) FROM workflow_versions WHERE workflow_id = ?`, workflowID); err != nil {
			return err
		}
		version = int(cur.Int64) + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_versions (workflow_id, version, graph_json, created_at)
			VALUES (?, ?, ?, ?)`, workflowID, version, graphJSON, time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE workflows SET updated_at = ? WHERE id = ?`, time.Now().UTC(), workflowID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save version: %w", err)
	}
	return version, nil
}

// GetVersion fetches one graph version; version 0 means latest.
func (s *Store) GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	var v WorkflowVersion
	var err error
	if version == 0 {
		err = s.db.GetContext(ctx, &v, `
			SELECT * FROM workflow_versions WHERE workflow_id = ?
			ORDER BY version DESC LIMIT 1`, workflowID)
	} else {
		err = s.db.GetContext(ctx, &v, `
			SELECT * FROM workflow_versions WHERE workflow_id = ? AND version = ?`,
			workflowID, version)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// SavePlan stores a compiled plan snapshot keyed by its content hash. Saving
// the same hash twice is a no-op: identical content, nothing to update.
func (s *Store) SavePlan(ctx context.Context, p *PlanRecord) error {
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO plans (hash, workflow_id, version, snapshot, created_at)
		VALUES (:hash, :workflow_id, :version, :snapshot, :created_at)
		ON CONFLICT (hash) DO NOTHING`, p)
	return err
}

func (s *Store) GetPlan(ctx context.Context, hash string) (*PlanRecord, error) {
	var p PlanRecord
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM plans WHERE hash = ?`, hash); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) error {
	sc.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO schedules (id, workflow_id, cron_expr, enabled, created_at)
		VALUES (:id, :workflow_id, :cron_expr, :enabled, :created_at)`, sc)
	return err
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	q := `SELECT * FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, id`
	var out []Schedule
	err := s.db.SelectContext(ctx, &out, q)
	return out, err
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	w.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO webhooks (id, workflow_id, name, secret, script, enabled, created_at)
		VALUES (:id, :workflow_id, :name, :secret, :script, :enabled, :created_at)`, w)
	return err
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var w Webhook
	if err := s.db.GetContext(ctx, &w, `SELECT * FROM webhooks WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (s *Store) ListWebhooks(ctx context.Context, workflowID string) ([]Webhook, error) {
	var out []Webhook
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM webhooks WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	return out, err
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutSecret appends a new version of the named secret and returns it.
func (s *Store) PutSecret(ctx context.Context, name string, value []byte) (int, error) {
	var version int
	err := s.tx(ctx, func(tx *sqlx.Tx) error {
		var cur sql.NullInt64
		if err := tx.GetContext(ctx, &cur,
			`SELECT MAX(version) FROM secrets WHERE name = ?`, name); err != nil {
			return err
		}
		version = int(cur.Int64) + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO secrets (name, version, value, created_at)
			VALUES (?, ?, ?, ?)`, name, version, value, time.Now().UTC())
		return err
	})
	return version, err
}

// GetSecret fetches a secret; version 0 means latest.
func (s *Store) GetSecret(ctx context.Context, name string, version int) (*SecretRecord, error) {
	var rec SecretRecord
	var err error
	if version == 0 {
		err = s.db.GetContext(ctx, &rec, `
			SELECT * FROM secrets WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	} else {
		err = s.db.GetContext(ctx, &rec,
			`SELECT * FROM secrets WHERE name = ? AND version = ?`, name, version)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListSecretNames returns registered secret names without values.
func (s *Store) ListSecretNames(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT name FROM secrets ORDER BY name`)
	return out, err
}
