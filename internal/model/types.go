package model

import "time"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low < medium < high < critical. Unknown values
// rank as -1 so ordered comparisons against them resolve false.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

type ViolationStatus string

const (
	ViolationActive        ViolationStatus = "active"
	ViolationInvestigating ViolationStatus = "investigating"
	ViolationResolved      ViolationStatus = "resolved"
)

// Violation is an immutable fact recorded by the ingestion/scoring
// collaborator. Only Status is mutable after creation.
type Violation struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Category    string            `json:"category"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description,omitempty"`
	RiskScore   float64           `json:"risk_score"`
	Source      string            `json:"source,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      ViolationStatus   `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeGroup   ScopeKind = "group"
	ScopeSubject ScopeKind = "subject"
)

type Scope struct {
	Kind   ScopeKind `json:"kind" yaml:"kind"`
	Target string    `json:"target,omitempty" yaml:"target,omitempty"`
}

type CombineOperator string

const (
	CombineAnd CombineOperator = "and"
	CombineOr  CombineOperator = "or"
)

type ConditionOperator string

const (
	OpEquals         ConditionOperator = "equals"
	OpNotEquals      ConditionOperator = "not_equals"
	OpGreaterThan    ConditionOperator = "greater_than"
	OpLessThan       ConditionOperator = "less_than"
	OpContains       ConditionOperator = "contains"
	OpIn             ConditionOperator = "in"
	OpGreaterOrEqual ConditionOperator = "greater_or_equal"
	OpLessOrEqual    ConditionOperator = "less_or_equal"
)

type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    string            `json:"value" yaml:"value"`
}

type ActionType string

const (
	ActionEmailAlert          ActionType = "email_alert"
	ActionEscalateIncident    ActionType = "escalate_incident"
	ActionIncreaseMonitoring  ActionType = "increase_monitoring"
	ActionDisableAccess       ActionType = "disable_access"
	ActionLogDetailedActivity ActionType = "log_detailed_activity"
	ActionImmediateAlert      ActionType = "immediate_alert"
)

// ActionConfig carries the typed configuration for every action type.
// Each handler reads only the fields relevant to its type.
type ActionConfig struct {
	Recipients       []string      `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Subject          string        `json:"subject,omitempty" yaml:"subject,omitempty"`
	IncidentSeverity Severity      `json:"incident_severity,omitempty" yaml:"incident_severity,omitempty"`
	NotifyManagement bool          `json:"notify_management,omitempty" yaml:"notify_management,omitempty"`
	MonitoringLevel  string        `json:"monitoring_level,omitempty" yaml:"monitoring_level,omitempty"`
	RestrictionScope string        `json:"restriction_scope,omitempty" yaml:"restriction_scope,omitempty"`
	Service          string        `json:"service,omitempty" yaml:"service,omitempty"`
	Permanent        bool          `json:"permanent,omitempty" yaml:"permanent,omitempty"`
	NotifySubject    bool          `json:"notify_subject,omitempty" yaml:"notify_subject,omitempty"`
	LoggingScopes    []string      `json:"logging_scopes,omitempty" yaml:"logging_scopes,omitempty"`
	Channels         []string      `json:"channels,omitempty" yaml:"channels,omitempty"`
	Priority         string        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Duration         time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Delay            time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

type Action struct {
	Type   ActionType   `json:"type" yaml:"type"`
	Order  int          `json:"order" yaml:"order"`
	Config ActionConfig `json:"config" yaml:"config"`
}

type Policy struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Priority   int             `json:"priority" yaml:"priority"`
	Scope      Scope           `json:"scope" yaml:"scope"`
	Operator   CombineOperator `json:"operator" yaml:"operator"`
	Conditions []Condition     `json:"conditions" yaml:"conditions"`
	Actions    []Action        `json:"actions" yaml:"actions"`
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is the durable unit of work: one scheduled action run for one
// matched policy against one violation. Rows are never deleted.
type Execution struct {
	ID          string            `json:"id"`
	PolicyID    string            `json:"policy_id"`
	PolicyName  string            `json:"policy_name"`
	ViolationID string            `json:"violation_id"`
	Action      Action            `json:"action"`
	Status      ExecutionStatus   `json:"status"`
	NotBefore   time.Time         `json:"not_before"`
	Attempts    int               `json:"attempts"`
	Result      map[string]string `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// SubjectProfile is resolved employee-directory metadata handed to
// condition evaluation and action handlers.
type SubjectProfile struct {
	Subject             string  `json:"subject"`
	Group               string  `json:"group,omitempty"`
	Email               string  `json:"email,omitempty"`
	ManagerEmail        string  `json:"manager_email,omitempty"`
	HistoricalRiskScore float64 `json:"historical_risk_score"`
}

type Incident struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type AnalysisResult struct {
	RiskScore float64  `json:"risk_score"`
	Findings  []string `json:"findings,omitempty"`
}
