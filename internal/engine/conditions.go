package engine

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"commguard/internal/model"
)

// ViolationContext is the value a condition's field selector resolves
// against: the violation plus the resolved subject profile.
type ViolationContext struct {
	Violation model.Violation
	Profile   model.SubjectProfile
}

// EvalCondition applies one condition to a violation context. Total for
// well-formed input: malformed comparison values and unknown fields
// resolve to false with a diagnostic instead of aborting sibling
// conditions.
func EvalCondition(cond model.Condition, vctx ViolationContext, logger *slog.Logger) bool {
	raw, ok := resolveField(cond.Field, vctx)
	if !ok {
		if logger != nil {
			logger.Debug("condition field not resolvable", "field", cond.Field)
		}
		return false
	}

	switch cond.Operator {
	case model.OpEquals:
		return raw == canonical(cond.Field, cond.Value)
	case model.OpNotEquals:
		return raw != canonical(cond.Field, cond.Value)
	case model.OpContains:
		return strings.Contains(raw, canonical(cond.Field, cond.Value))
	case model.OpIn:
		for _, member := range parseMembers(cond.Value) {
			if raw == canonical(cond.Field, member) {
				return true
			}
		}
		return false
	case model.OpGreaterThan, model.OpLessThan, model.OpGreaterOrEqual, model.OpLessOrEqual:
		left, okL := coerceNumber(cond.Field, raw)
		right, okR := coerceNumber(cond.Field, cond.Value)
		if !okL || !okR {
			if logger != nil {
				logger.Debug("condition operands not numeric",
					"field", cond.Field, "operator", string(cond.Operator), "value", cond.Value)
			}
			return false
		}
		switch cond.Operator {
		case model.OpGreaterThan:
			return left > right
		case model.OpLessThan:
			return left < right
		case model.OpGreaterOrEqual:
			return left >= right
		default:
			return left <= right
		}
	}
	if logger != nil {
		logger.Debug("unknown condition operator", "operator", string(cond.Operator))
	}
	return false
}

// EvalConditions combines a policy's condition set with its operator.
// An empty set matches everything; catch-all policies are legal.
// The returned slice holds the conditions that evaluated true.
func EvalConditions(conds []model.Condition, op model.CombineOperator, vctx ViolationContext, logger *slog.Logger) (bool, []model.Condition) {
	if len(conds) == 0 {
		return true, nil
	}
	matched := make([]model.Condition, 0, len(conds))
	for _, c := range conds {
		if EvalCondition(c, vctx, logger) {
			matched = append(matched, c)
		}
	}
	if op == model.CombineOr {
		return len(matched) > 0, matched
	}
	return len(matched) == len(conds), matched
}

func resolveField(field string, vctx ViolationContext) (string, bool) {
	v := vctx.Violation
	switch field {
	case "risk_score":
		return formatFloat(v.RiskScore), true
	case "severity":
		return strings.ToLower(string(v.Severity)), true
	case "category":
		return strings.ToLower(v.Category), true
	case "subject":
		return v.Subject, true
	case "description":
		return v.Description, true
	case "source":
		return v.Source, true
	case "status":
		return string(v.Status), true
	case "tags":
		return strings.Join(v.Tags, ","), true
	case "group":
		return vctx.Profile.Group, true
	case "historical_risk_score":
		return formatFloat(vctx.Profile.HistoricalRiskScore), true
	}
	if key, ok := strings.CutPrefix(field, "meta:"); ok {
		val, exists := v.Metadata[key]
		return val, exists
	}
	if name, ok := strings.CutPrefix(field, "tag:"); ok {
		for _, tag := range v.Tags {
			if tag == name {
				return "true", true
			}
		}
		return "false", true
	}
	return "", false
}

// canonical lowercases severity and category comparison values: severity
// is a lowercase enum, and connectors store categories lowercased, so a
// policy written with any casing still matches. Every other field
// compares verbatim (case-sensitive).
func canonical(field, value string) string {
	switch field {
	case "severity", "category":
		return strings.ToLower(value)
	}
	return value
}

func coerceNumber(field, value string) (float64, bool) {
	if field == "severity" {
		rank := model.Severity(strings.ToLower(value)).Rank()
		if rank >= 0 {
			return float64(rank), true
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parseMembers reads the comparison value of an `in` condition: a JSON
// array when it looks like one, a comma-separated list otherwise.
func parseMembers(value string) []string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return list
		}
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
