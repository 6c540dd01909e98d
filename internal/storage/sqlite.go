package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
	provisionSideTables bool
}

func NewSQLite(dsn string, provisionSideTables bool) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:commguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{
		baseStore: baseStore{
			db:       db,
			bind:     func(q string) string { return q },
			hasTable: sqliteHasTable,
		},
		provisionSideTables: provisionSideTables,
	}, nil
}

func sqliteHasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			risk_score REAL NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_created ON violations(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_subject ON violations(subject)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			operator TEXT NOT NULL,
			scope_kind TEXT NOT NULL,
			scope_target TEXT NOT NULL DEFAULT '',
			conditions_json TEXT NOT NULL,
			actions_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			policy_id TEXT NOT NULL,
			policy_name TEXT NOT NULL,
			violation_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_order INTEGER NOT NULL,
			action_config_json TEXT NOT NULL,
			status TEXT NOT NULL,
			not_before TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			result_json TEXT NOT NULL DEFAULT 'null',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_due ON executions(status, not_before)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_violation ON executions(violation_id)`,
	}
	if s.provisionSideTables {
		stmts = append(stmts, sqliteSideTables...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var sqliteSideTables = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS access_restrictions (
		subject TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		expiry TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS monitoring_flags (
		subject TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		expiry TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS activity_logging (
		subject TEXT PRIMARY KEY,
		scopes_json TEXT NOT NULL,
		expiry TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}
