// Package storage persists campaign run state in a per-run SQLite database.
//
// One database file lives in each run root. All engine mutation goes through
// Store methods; cross-process exclusion uses the OS file lock in lock.go,
// never an in-process mutex.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is the schema generation this build reads and writes.
// Older databases are upgraded in place; newer ones are refused.
const SchemaVersion = 5

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_info (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    run_id        TEXT PRIMARY KEY,
    campaign_slug TEXT NOT NULL,
    status        TEXT NOT NULL,
    status_reason TEXT,
    config_json   TEXT NOT NULL DEFAULT '{}',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    task_id                  TEXT PRIMARY KEY,
    run_id                   TEXT NOT NULL REFERENCES runs(run_id),
    workflow_id              TEXT NOT NULL,
    kind                     TEXT NOT NULL DEFAULT 'task',
    status                   TEXT NOT NULL,
    operator_key             TEXT,
    variant                  TEXT,
    image                    TEXT NOT NULL DEFAULT '',
    command                  TEXT NOT NULL DEFAULT '',
    files_json               TEXT NOT NULL DEFAULT '{}',
    env_json                 TEXT NOT NULL DEFAULT '{}',
    dependencies_json        TEXT NOT NULL DEFAULT '[]',
    download_patterns_json   TEXT NOT NULL DEFAULT '[]',
    resources_json           TEXT NOT NULL DEFAULT '{}',
    gate_json                TEXT,
    external_json            TEXT,
    allow_failure            INTEGER NOT NULL DEFAULT 0,
    allow_dependency_failure INTEGER NOT NULL DEFAULT 0,
    error                    TEXT,
    current_attempt_id       TEXT,
    created_at               TIMESTAMP NOT NULL,
    updated_at               TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_run_status ON tasks(run_id, status);

CREATE TABLE IF NOT EXISTS task_attempts (
    attempt_id         TEXT PRIMARY KEY,
    task_id            TEXT NOT NULL REFERENCES tasks(task_id),
    attempt_index      INTEGER NOT NULL,
    status             TEXT NOT NULL,
    operator_type      TEXT NOT NULL,
    external_id        TEXT,
    artifact_path      TEXT,
    operator_data_json TEXT NOT NULL DEFAULT '{}',
    error              TEXT,
    created_at         TIMESTAMP NOT NULL,
    submitted_at       TIMESTAMP,
    ended_at           TIMESTAMP,
    UNIQUE (task_id, attempt_index)
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id);
CREATE INDEX IF NOT EXISTS idx_attempts_status ON task_attempts(status);

CREATE TABLE IF NOT EXISTS external_runs (
    external_run_id TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    task_id         TEXT NOT NULL,
    status          TEXT NOT NULL,
    external_id     TEXT,
    metadata_json   TEXT NOT NULL DEFAULT '{}',
    created_at      TIMESTAMP,
    updated_at      TIMESTAMP
);
`

// Store wraps the per-run SQLite database.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the state database at path and
// ensures the schema is current.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_fk=1&_loc=UTC&_journal_mode=WAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite is single-writer; a pool of one avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// migrations holds the in-place column additions that take an existing
// database from version-1 to version. Fresh databases get the full DDL
// and never run these.
var migrations = map[int][]string{
	5: {
		`ALTER TABLE runs ADD COLUMN status_reason TEXT`,
		`ALTER TABLE tasks ADD COLUMN image TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN allow_failure INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tasks ADD COLUMN allow_dependency_failure INTEGER NOT NULL DEFAULT 0`,
	},
}

func (s *Store) ensureSchema() error {
	var version int
	err := s.db.Get(&version, `SELECT version FROM schema_info LIMIT 1`)
	switch {
	case err == nil && version > SchemaVersion:
		return fmt.Errorf("%w: database is v%d, this build understands v%d",
			ErrSchemaVersion, version, SchemaVersion)
	case err == nil && version == SchemaVersion:
		return nil
	}

	if version > 0 && version < SchemaVersion {
		for v := version + 1; v <= SchemaVersion; v++ {
			for _, stmt := range migrations[v] {
				if _, err := s.db.Exec(stmt); err != nil {
					return fmt.Errorf("migrate schema to v%d: %w", v, err)
				}
			}
		}
	}

	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM schema_info`); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, SchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	if version != 0 && version < SchemaVersion {
		s.logger.Info("Upgraded state schema",
			slog.Int("from", version), slog.Int("to", SchemaVersion))
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
