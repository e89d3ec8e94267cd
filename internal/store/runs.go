package store

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyResolved is returned when a suspension token is used twice.
var ErrAlreadyResolved = errors.New("suspension already resolved")

func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	r.CreatedAt = time.Now().UTC()
	if r.Status == "" {
		r.Status = RunPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, plan_hash, status, trigger_kind, trigger_payload, error, created_at)
		VALUES (:id, :workflow_id, :plan_hash, :status, :trigger_kind, :trigger_payload, :error, :created_at)`, r)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM runs WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, workflowID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Run
	var err error
	if workflowID == "" {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT * FROM runs WHERE workflow_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`, workflowID, limit)
	}
	return out, err
}

// ListRunsByStatus feeds restart recovery: runs left running or suspended by
// a previous process are picked up from here.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]Run, error) {
	var out []Run
	for _, st := range statuses {
		var batch []Run
		if err := s.db.SelectContext(ctx, &batch,
			`SELECT * FROM runs WHERE status = ? ORDER BY created_at, id`, st); err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// SetRunStatus transitions a run, stamping started_at on the first move to
// running and finished_at on any terminal state.
func (s *Store) SetRunStatus(ctx context.Context, id string, status RunStatus, runErr string) error {
	now := time.Now().UTC()
	var err error
	switch {
	case status == RunRunning:
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ?`, status, runErr, now, id)
	case status.Terminal():
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, finished_at = ?
			WHERE id = ?`, status, runErr, now, id)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = ? WHERE id = ?`, status, runErr, id)
	}
	return err
}

// UpsertNodeState records one node-invocation transition. The engine calls
// this before acting on the transition, so a crash replays from here.
func (s *Store) UpsertNodeState(ctx context.Context, ns *NodeState) error {
	ns.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO node_states (run_id, node_id, child_index, status, attempt, output_json, error_kind, error, updated_at)
		VALUES (:run_id, :node_id, :child_index, :status, :attempt, :output_json, :error_kind, :error, :updated_at)
		ON CONFLICT (run_id, node_id, child_index) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			output_json = excluded.output_json,
			error_kind = excluded.error_kind,
			error = excluded.error,
			updated_at = excluded.updated_at`, ns)
	return err
}

func (s *Store) GetNodeStates(ctx context.Context, runID string) ([]NodeState, error) {
	var out []NodeState
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM node_states WHERE run_id = ?
		ORDER BY node_id, child_index`, runID)
	return out, err
}

func (s *Store) CreateSuspension(ctx context.Context, sp *Suspension) error {
	sp.CreatedAt = time.Now().UTC()
	if sp.Status == "" {
		sp.Status = SuspensionPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO suspensions (token, run_id, node_id, kind, status, payload_json, created_at, timeout_at)
		VALUES (:token, :run_id, :node_id, :kind, :status, :payload_json, :created_at, :timeout_at)`, sp)
	return err
}

func (s *Store) GetSuspension(ctx context.Context, token string) (*Suspension, error) {
	var sp Suspension
	if err := s.db.GetContext(ctx, &sp, `SELECT * FROM suspensions WHERE token = ?`, token); err != nil {
		return nil, notFound(err)
	}
	return &sp, nil
}

// ResolveSuspension consumes a token exactly once. A token that already left
// pending returns ErrAlreadyResolved; an unknown token returns ErrNotFound.
func (s *Store) ResolveSuspension(ctx context.Context, token string, resolution []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE suspensions SET status = ?, resolved_at = ?, resolution_json = ?
		WHERE token = ? AND status = ?`,
		SuspensionResolved, time.Now().UTC(), resolution, token, SuspensionPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetSuspension(ctx, token); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

// ExpireSuspension marks a pending suspension expired when its timeout lapses.
// A token that already left pending is untouched.
func (s *Store) ExpireSuspension(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE suspensions SET status = ? WHERE token = ? AND status = ?`,
		SuspensionExpired, token, SuspensionPending)
	return err
}

// CancelOpenSuspensions revokes every pending suspension of a run. Their
// tokens stop resolving from this point on.
func (s *Store) CancelOpenSuspensions(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE suspensions SET status = ? WHERE run_id = ? AND status = ?`,
		SuspensionCancelled, runID, SuspensionPending)
	return err
}

// OpenSuspensions lists a run's pending suspensions in creation order.
func (s *Store) OpenSuspensions(ctx context.Context, runID string) ([]Suspension, error) {
	var out []Suspension
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM suspensions WHERE run_id = ? AND status = ?
		ORDER BY created_at, token`, runID, SuspensionPending)
	return out, err
}

// AppendEvent adds one progress event to a run's log.
func (s *Store) AppendEvent(ctx context.Context, ev *RunEvent) error {
	ev.CreatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO run_events (run_id, node_id, kind, data_json, created_at)
		VALUES (:run_id, :node_id, :kind, :data_json, :created_at)`, ev)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		ev.Seq = seq
	}
	return nil
}

// EventsSince returns a run's events with seq greater than after, oldest
// first. SSE reconnects pass their last seen seq.
func (s *Store) EventsSince(ctx context.Context, runID string, after int64, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []RunEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM run_events WHERE run_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`, runID, after, limit)
	return out, err
}

func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, node_id, name, mime, scope, size_bytes, path, created_at)
		VALUES (:id, :run_id, :node_id, :name, :mime, :scope, :size_bytes, :path, :created_at)`, a)
	return err
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM artifacts WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	var out []Artifact
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM artifacts WHERE run_id = ? ORDER BY created_at, id`, runID)
	return out, err
}
