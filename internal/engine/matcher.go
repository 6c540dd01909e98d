package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"commguard/internal/model"
)

// PolicyLister is the read-only policy source the matcher refreshes from.
type PolicyLister interface {
	ListPolicies(ctx context.Context) ([]model.Policy, error)
}

type Match struct {
	Policy            model.Policy
	MatchedConditions []model.Condition
}

// Matcher evaluates violations against an in-memory policy snapshot.
// Matching is read-only and safe to call redundantly; snapshot swaps are
// atomic so a reload never tears a match in progress.
type Matcher struct {
	policies atomic.Value // []model.Policy
	logger   *slog.Logger
}

func NewMatcher(logger *slog.Logger) *Matcher {
	m := &Matcher{logger: logger}
	m.policies.Store([]model.Policy{})
	return m
}

func (m *Matcher) SetPolicies(policies []model.Policy) {
	snapshot := make([]model.Policy, len(policies))
	copy(snapshot, policies)
	m.policies.Store(snapshot)
}

func (m *Matcher) Policies() []model.Policy {
	if v := m.policies.Load(); v != nil {
		return v.([]model.Policy)
	}
	return nil
}

func (m *Matcher) Reload(ctx context.Context, source PolicyLister) error {
	policies, err := source.ListPolicies(ctx)
	if err != nil {
		return err
	}
	m.SetPolicies(policies)
	if m.logger != nil {
		m.logger.Info("policy snapshot reloaded", "policies", len(policies))
	}
	return nil
}

// Match returns the enabled, in-scope policies whose combined condition
// set evaluates true, ordered by (priority, name) for the audit trail.
// Priority orders the result only; it never short-circuits evaluation.
func (m *Matcher) Match(vctx ViolationContext) []Match {
	out := make([]Match, 0)
	for _, p := range m.Policies() {
		if !p.Enabled {
			continue
		}
		if !scopeApplies(p.Scope, vctx) {
			continue
		}
		ok, matched := EvalConditions(p.Conditions, p.Operator, vctx, m.logger)
		if !ok {
			continue
		}
		out = append(out, Match{Policy: p, MatchedConditions: matched})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy.Priority != out[j].Policy.Priority {
			return out[i].Policy.Priority < out[j].Policy.Priority
		}
		return out[i].Policy.Name < out[j].Policy.Name
	})
	return out
}

func scopeApplies(scope model.Scope, vctx ViolationContext) bool {
	switch scope.Kind {
	case model.ScopeGroup:
		return scope.Target != "" && scope.Target == vctx.Profile.Group
	case model.ScopeSubject:
		return scope.Target != "" && scope.Target == vctx.Violation.Subject
	default:
		// Global, including policies with no scope set.
		return true
	}
}
