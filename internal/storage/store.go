package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"commguard/internal/config"
	"commguard/internal/model"
)

// ErrBadRecord marks a write rejected for structural reasons (missing
// referenced entities, empty keys). Callers treat it as non-retryable.
var ErrBadRecord = errors.New("storage: bad record")

var ErrNotFound = errors.New("storage: not found")

// Capabilities reports which side-effect tables exist in the schema.
// Probed once at dispatcher start; absent tables put the corresponding
// handlers on the degraded path instead of failing executions.
type Capabilities struct {
	Incidents     bool `json:"incidents"`
	Restrictions  bool `json:"restrictions"`
	Monitoring    bool `json:"monitoring"`
	ActivityLog   bool `json:"activity_log"`
	Notifications bool `json:"notifications"`
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveViolation(ctx context.Context, v model.Violation) error
	GetViolation(ctx context.Context, id string) (model.Violation, error)
	ListViolations(ctx context.Context, limit int) ([]model.Violation, error)
	SetViolationStatus(ctx context.Context, id string, status model.ViolationStatus) error

	UpsertPolicy(ctx context.Context, p model.Policy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context) ([]model.Policy, error)

	CreateExecutions(ctx context.Context, execs []model.Execution) error
	HasExecutions(ctx context.Context, violationID string) (bool, error)
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]model.Execution, error)
	ListExecutions(ctx context.Context, status model.ExecutionStatus, limit int) ([]model.Execution, error)
	ListExecutionsByViolation(ctx context.Context, violationID string) ([]model.Execution, error)
	ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error)
	CompleteExecution(ctx context.Context, id string, result map[string]string, completedAt time.Time) error
	FailExecution(ctx context.Context, id string, errMsg string, completedAt time.Time) error
	RescheduleExecution(ctx context.Context, id string, notBefore time.Time) error

	CreateIncident(ctx context.Context, inc model.Incident) error
	SetAccessRestriction(ctx context.Context, subject, scope string, expiry time.Time) error
	SetMonitoringLevel(ctx context.Context, subject, level string, expiry time.Time) error
	SetActivityLogging(ctx context.Context, subject string, scopes []string, expiry time.Time) error
	SaveNotification(ctx context.Context, subject, priority, message string) error

	Capabilities(ctx context.Context) (Capabilities, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN, cfg.ProvisionSideTables)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, cfg.ProvisionSideTables)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// tsLayout is fixed-width UTC so stored timestamps sort lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

// baseStore carries every statement in ? placeholder form; drivers supply
// the bind rewrite and the table-existence probe.
type baseStore struct {
	db       *sql.DB
	bind     func(string) string
	hasTable func(ctx context.Context, db *sql.DB, name string) (bool, error)
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) SaveViolation(ctx context.Context, v model.Violation) error {
	if v.ID == "" || v.Subject == "" {
		return ErrBadRecord
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO violations (id, subject, category, severity, description, risk_score, source, tags_json, metadata_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		v.ID,
		v.Subject,
		v.Category,
		string(v.Severity),
		v.Description,
		v.RiskScore,
		v.Source,
		encodeJSON(v.Tags),
		encodeJSON(v.Metadata),
		string(v.Status),
		fmtTime(v.CreatedAt),
	)
	return err
}

const violationColumns = `id, subject, category, severity, description, risk_score, source, tags_json, metadata_json, status, created_at`

func scanViolation(rows interface{ Scan(...any) error }) (model.Violation, error) {
	var v model.Violation
	var severity, status, tagsJSON, metaJSON, createdAt string
	if err := rows.Scan(&v.ID, &v.Subject, &v.Category, &severity, &v.Description, &v.RiskScore, &v.Source, &tagsJSON, &metaJSON, &status, &createdAt); err != nil {
		return model.Violation{}, err
	}
	v.Severity = model.Severity(severity)
	v.Status = model.ViolationStatus(status)
	v.CreatedAt = parseTime(createdAt)
	_ = json.Unmarshal([]byte(tagsJSON), &v.Tags)
	_ = json.Unmarshal([]byte(metaJSON), &v.Metadata)
	return v, nil
}

func (b *baseStore) GetViolation(ctx context.Context, id string) (model.Violation, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT `+violationColumns+` FROM violations WHERE id = ?`), id)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Violation{}, ErrNotFound
	}
	return v, err
}

func (b *baseStore) ListViolations(ctx context.Context, limit int) ([]model.Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT `+violationColumns+` FROM violations ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Violation, 0, limit)
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (b *baseStore) SetViolationStatus(ctx context.Context, id string, status model.ViolationStatus) error {
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE violations SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) UpsertPolicy(ctx context.Context, p model.Policy) error {
	if p.ID == "" || p.Name == "" {
		return ErrBadRecord
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO policies (id, name, enabled, priority, operator, scope_kind, scope_target, conditions_json, actions_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			priority = excluded.priority,
			operator = excluded.operator,
			scope_kind = excluded.scope_kind,
			scope_target = excluded.scope_target,
			conditions_json = excluded.conditions_json,
			actions_json = excluded.actions_json`),
		p.ID,
		p.Name,
		enabled,
		p.Priority,
		string(p.Operator),
		string(p.Scope.Kind),
		p.Scope.Target,
		encodeJSON(p.Conditions),
		encodeJSON(p.Actions),
	)
	return err
}

func (b *baseStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, b.bind(`DELETE FROM policies WHERE id = ?`), id)
	return err
}

func (b *baseStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, enabled, priority, operator, scope_kind, scope_target, conditions_json, actions_json FROM policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Policy, 0)
	for rows.Next() {
		var p model.Policy
		var enabled int
		var operator, scopeKind, condJSON, actJSON string
		if err := rows.Scan(&p.ID, &p.Name, &enabled, &p.Priority, &operator, &scopeKind, &p.Scope.Target, &condJSON, &actJSON); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		p.Operator = model.CombineOperator(operator)
		p.Scope.Kind = model.ScopeKind(scopeKind)
		_ = json.Unmarshal([]byte(condJSON), &p.Conditions)
		_ = json.Unmarshal([]byte(actJSON), &p.Actions)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *baseStore) CreateExecutions(ctx context.Context, execs []model.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.bind(
		`INSERT INTO executions (id, policy_id, policy_name, violation_id, action_type, action_order, action_config_json, status, not_before, attempts, result_json, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ex := range execs {
		if ex.ID == "" || ex.ViolationID == "" || ex.PolicyID == "" {
			_ = tx.Rollback()
			return ErrBadRecord
		}
		if _, err := stmt.ExecContext(ctx,
			ex.ID,
			ex.PolicyID,
			ex.PolicyName,
			ex.ViolationID,
			string(ex.Action.Type),
			ex.Action.Order,
			encodeJSON(ex.Action.Config),
			string(ex.Status),
			fmtTime(ex.NotBefore),
			ex.Attempts,
			encodeJSON(ex.Result),
			ex.Error,
			fmtTime(ex.CreatedAt),
			fmtTime(ex.StartedAt),
			fmtTime(ex.CompletedAt),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) HasExecutions(ctx context.Context, violationID string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT COUNT(*) FROM executions WHERE violation_id = ?`), violationID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

const executionColumns = `id, policy_id, policy_name, violation_id, action_type, action_order, action_config_json, status, not_before, attempts, result_json, error, created_at, started_at, completed_at`

func scanExecution(rows interface{ Scan(...any) error }) (model.Execution, error) {
	var ex model.Execution
	var actionType, configJSON, status, notBefore, resultJSON, createdAt, startedAt, completedAt string
	if err := rows.Scan(&ex.ID, &ex.PolicyID, &ex.PolicyName, &ex.ViolationID, &actionType, &ex.Action.Order, &configJSON, &status, &notBefore, &ex.Attempts, &resultJSON, &ex.Error, &createdAt, &startedAt, &completedAt); err != nil {
		return model.Execution{}, err
	}
	ex.Action.Type = model.ActionType(actionType)
	ex.Status = model.ExecutionStatus(status)
	ex.NotBefore = parseTime(notBefore)
	ex.CreatedAt = parseTime(createdAt)
	ex.StartedAt = parseTime(startedAt)
	ex.CompletedAt = parseTime(completedAt)
	_ = json.Unmarshal([]byte(configJSON), &ex.Action.Config)
	_ = json.Unmarshal([]byte(resultJSON), &ex.Result)
	return ex, nil
}

func (b *baseStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT `+executionColumns+` FROM executions
		WHERE status = ? AND (not_before = '' OR not_before <= ?)
		ORDER BY created_at ASC LIMIT ?`),
		string(model.ExecutionPending), fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (b *baseStore) ListExecutions(ctx context.Context, status model.ExecutionStatus, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = b.db.QueryContext(ctx, b.bind(
			`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		rows, err = b.db.QueryContext(ctx, b.bind(
			`SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY created_at DESC LIMIT ?`),
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (b *baseStore) ListExecutionsByViolation(ctx context.Context, violationID string) ([]model.Execution, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT `+executionColumns+` FROM executions WHERE violation_id = ? ORDER BY created_at ASC`), violationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]model.Execution, error) {
	out := make([]model.Execution, 0)
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ClaimExecution is the pending→running compare-and-set. A false return
// with nil error means another dispatcher instance claimed the row first.
func (b *baseStore) ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		string(model.ExecutionRunning), fmtTime(startedAt), id, string(model.ExecutionPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *baseStore) CompleteExecution(ctx context.Context, id string, result map[string]string, completedAt time.Time) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE executions SET status = ?, result_json = ?, completed_at = ? WHERE id = ? AND status = ?`),
		string(model.ExecutionSucceeded), encodeJSON(result), fmtTime(completedAt), id, string(model.ExecutionRunning))
	return err
}

func (b *baseStore) FailExecution(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE executions SET status = ?, attempts = attempts + 1, error = ?, completed_at = ? WHERE id = ? AND status = ?`),
		string(model.ExecutionFailed), errMsg, fmtTime(completedAt), id, string(model.ExecutionRunning))
	return err
}

func (b *baseStore) RescheduleExecution(ctx context.Context, id string, notBefore time.Time) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`UPDATE executions SET status = ?, attempts = attempts + 1, not_before = ?, started_at = '' WHERE id = ? AND status = ?`),
		string(model.ExecutionPending), fmtTime(notBefore), id, string(model.ExecutionRunning))
	return err
}

func (b *baseStore) CreateIncident(ctx context.Context, inc model.Incident) error {
	if inc.ID == "" || inc.Subject == "" {
		return ErrBadRecord
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO incidents (id, subject, severity, description, created_at) VALUES (?, ?, ?, ?, ?)`),
		inc.ID, inc.Subject, string(inc.Severity), inc.Description, fmtTime(inc.CreatedAt))
	return err
}

func (b *baseStore) SetAccessRestriction(ctx context.Context, subject, scope string, expiry time.Time) error {
	if subject == "" {
		return ErrBadRecord
	}
	var existingScope, existingExpiry string
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT scope, expiry FROM access_restrictions WHERE subject = ?`), subject).Scan(&existingScope, &existingExpiry)
	if err == nil {
		// An existing restriction wins only when it subsumes the new one:
		// a full lockout or the same scope, with equal or longer coverage.
		// A different narrow scope always replaces; it restricts something
		// the current row does not.
		covers := existingExpiry == "" || (!expiry.IsZero() && !parseTime(existingExpiry).Before(expiry))
		subsumes := existingScope == "all" || existingScope == scope
		if subsumes && covers {
			return nil
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.bind(
		`INSERT INTO access_restrictions (subject, scope, expiry) VALUES (?, ?, ?)
		ON CONFLICT (subject) DO UPDATE SET scope = excluded.scope, expiry = excluded.expiry`),
		subject, scope, fmtTime(expiry))
	return err
}

func (b *baseStore) SetMonitoringLevel(ctx context.Context, subject, level string, expiry time.Time) error {
	if subject == "" {
		return ErrBadRecord
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO monitoring_flags (subject, level, expiry) VALUES (?, ?, ?)
		ON CONFLICT (subject) DO UPDATE SET level = excluded.level, expiry = excluded.expiry`),
		subject, level, fmtTime(expiry))
	return err
}

func (b *baseStore) SetActivityLogging(ctx context.Context, subject string, scopes []string, expiry time.Time) error {
	if subject == "" {
		return ErrBadRecord
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO activity_logging (subject, scopes_json, expiry) VALUES (?, ?, ?)
		ON CONFLICT (subject) DO UPDATE SET scopes_json = excluded.scopes_json, expiry = excluded.expiry`),
		subject, encodeJSON(scopes), fmtTime(expiry))
	return err
}

func (b *baseStore) SaveNotification(ctx context.Context, subject, priority, message string) error {
	if subject == "" {
		return ErrBadRecord
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO notifications (subject, priority, message, created_at) VALUES (?, ?, ?, ?)`),
		subject, priority, message, fmtTime(time.Now()))
	return err
}

func (b *baseStore) Capabilities(ctx context.Context) (Capabilities, error) {
	caps := Capabilities{}
	probes := []struct {
		table string
		flag  *bool
	}{
		{"incidents", &caps.Incidents},
		{"access_restrictions", &caps.Restrictions},
		{"monitoring_flags", &caps.Monitoring},
		{"activity_logging", &caps.ActivityLog},
		{"notifications", &caps.Notifications},
	}
	for _, probe := range probes {
		ok, err := b.hasTable(ctx, b.db, probe.table)
		if err != nil {
			return Capabilities{}, err
		}
		*probe.flag = ok
	}
	return caps, nil
}
