package engine

import (
	"fmt"
	"strings"

	"commguard/internal/model"
)

var validOperators = map[model.ConditionOperator]struct{}{
	model.OpEquals:         {},
	model.OpNotEquals:      {},
	model.OpGreaterThan:    {},
	model.OpLessThan:       {},
	model.OpContains:       {},
	model.OpIn:             {},
	model.OpGreaterOrEqual: {},
	model.OpLessOrEqual:    {},
}

var validActionTypes = map[model.ActionType]struct{}{
	model.ActionEmailAlert:          {},
	model.ActionEscalateIncident:    {},
	model.ActionIncreaseMonitoring:  {},
	model.ActionDisableAccess:       {},
	model.ActionLogDetailedActivity: {},
	model.ActionImmediateAlert:      {},
}

// ValidatePolicy rejects malformed policies before they reach storage so
// the dispatcher only ever sees members of the closed action set.
func ValidatePolicy(p model.Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy: name is required")
	}
	switch p.Operator {
	case model.CombineAnd, model.CombineOr, "":
	default:
		return fmt.Errorf("policy %q: unknown combine operator %q", p.Name, p.Operator)
	}
	switch p.Scope.Kind {
	case model.ScopeGlobal, "":
	case model.ScopeGroup, model.ScopeSubject:
		if strings.TrimSpace(p.Scope.Target) == "" {
			return fmt.Errorf("policy %q: %s scope requires a target", p.Name, p.Scope.Kind)
		}
	default:
		return fmt.Errorf("policy %q: unknown scope kind %q", p.Name, p.Scope.Kind)
	}
	for i, c := range p.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("policy %q: conditions[%d]: field is required", p.Name, i)
		}
		if _, ok := validOperators[c.Operator]; !ok {
			return fmt.Errorf("policy %q: conditions[%d]: unknown operator %q", p.Name, i, c.Operator)
		}
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %q: at least one action is required", p.Name)
	}
	for i, a := range p.Actions {
		if _, ok := validActionTypes[a.Type]; !ok {
			return fmt.Errorf("policy %q: actions[%d]: unknown action type %q", p.Name, i, a.Type)
		}
	}
	return nil
}

// NormalizePolicy fills generated ids and default enum values on
// config-seeded or API-submitted policies.
func NormalizePolicy(p model.Policy, newID func() string) model.Policy {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Operator == "" {
		p.Operator = model.CombineAnd
	}
	if p.Scope.Kind == "" {
		p.Scope.Kind = model.ScopeGlobal
	}
	for i := range p.Actions {
		if p.Actions[i].Order == 0 {
			p.Actions[i].Order = i
		}
	}
	return p
}
