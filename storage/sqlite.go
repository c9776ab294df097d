// Package storage persists playbooks, executions and the audit trail.
// SQLite holds the authoritative state; ClickHouse (optional) receives
// the append-only audit stream.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore wraps two connection pools over one database file: a
// single-connection write pool (SQLite allows one writer) and a wider
// read pool. WAL mode lets readers proceed during writes.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	logger  *zap.SugaredLogger
}

// NewSQLiteStore opens (creating if needed) the database at path and
// runs migrations.
func NewSQLiteStore(path string, maxReadConns int, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxReadConns <= 0 {
		maxReadConns = 4
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open sqlite read pool: %w", err)
	}
	readDB.SetMaxOpenConns(maxReadConns)
	readDB.SetConnMaxLifetime(0)

	s := &SQLiteStore{writeDB: writeDB, readDB: readDB, logger: logger}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	logger.Infow("Opened SQLite store", "path", path, "read_conns", maxReadConns)
	return s, nil
}

// Close closes both pools.
func (s *SQLiteStore) Close() error {
	rerr := s.readDB.Close()
	werr := s.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// WithTransaction runs fn inside a write transaction, rolling back on
// error or panic.
func (s *SQLiteStore) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Errorw("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS playbooks (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			organization_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			trigger_type TEXT NOT NULL DEFAULT '',
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playbooks_org ON playbooks(organization_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			playbook_id TEXT NOT NULL,
			playbook_version INTEGER NOT NULL,
			organization_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			context TEXT,
			error TEXT NOT NULL DEFAULT '',
			steps_total INTEGER NOT NULL DEFAULT 0,
			steps_completed INTEGER NOT NULL DEFAULT 0,
			steps_skipped INTEGER NOT NULL DEFAULT 0,
			enqueued_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_playbook ON executions(playbook_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_org ON executions(organization_id, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			action_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, step_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// timeFmt is the canonical timestamp encoding in SQLite columns.
const timeFmt = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFmt) }

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(timeFmt, s) }

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
