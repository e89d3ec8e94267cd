// Package store is the durability layer: workflows, graph versions, compiled
// plans, runs, node invocations, suspensions, artifacts, schedules, and
// webhook configurations, all in a single SQLite database. Every run-state
// transition the engine makes lands here before it is acted on, which is what
// makes restart recovery possible.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at path (created if absent) and applies
// migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// tx runs fn in a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_versions (
	workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	version     INTEGER NOT NULL,
	graph_json  BLOB NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (workflow_id, version)
);

CREATE TABLE IF NOT EXISTS plans (
	hash        TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	version     INTEGER NOT NULL,
	snapshot    BLOB NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	plan_hash   TEXT NOT NULL REFERENCES plans(hash),
	status      TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	trigger_payload BLOB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS runs_by_workflow ON runs(workflow_id, created_at);
CREATE INDEX IF NOT EXISTS runs_by_status ON runs(status);

CREATE TABLE IF NOT EXISTS node_states (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	node_id     TEXT NOT NULL,
	child_index INTEGER NOT NULL DEFAULT -1,
	status      TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	output_json BLOB,
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, node_id, child_index)
);

CREATE TABLE IF NOT EXISTS suspensions (
	token        TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	node_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	payload_json BLOB,
	created_at   TIMESTAMP NOT NULL,
	timeout_at   TIMESTAMP,
	resolved_at  TIMESTAMP,
	resolution_json BLOB
);
CREATE INDEX IF NOT EXISTS suspensions_by_run ON suspensions(run_id);

CREATE TABLE IF NOT EXISTS run_events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	node_id   TEXT NOT NULL DEFAULT '',
	kind      TEXT NOT NULL,
	data_json BLOB,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS run_events_by_run ON run_events(run_id, seq);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	mime       TEXT NOT NULL DEFAULT 'application/octet-stream',
	scope      TEXT NOT NULL DEFAULT 'run',
	size_bytes INTEGER NOT NULL,
	path       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_by_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS schedules (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	cron_expr   TEXT NOT NULL,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhooks (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	secret      TEXT NOT NULL DEFAULT '',
	script      TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	name       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	value      BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (name, version)
);
`
