package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
	provisionSideTables bool
}

func NewPostgres(dsn string, provisionSideTables bool) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/commguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{
		baseStore: baseStore{
			db:       db,
			bind:     rebindPositional,
			hasTable: postgresHasTable,
		},
		provisionSideTables: provisionSideTables,
	}, nil
}

// rebindPositional rewrites ? placeholders into $1..$n. None of the
// statements in this package embed a literal question mark.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func postgresHasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
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
			risk_score DOUBLE PRECISION NOT NULL,
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
		stmts = append(stmts, postgresSideTables...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var postgresSideTables = []string{
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
		id BIGSERIAL PRIMARY KEY,
		subject TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}
