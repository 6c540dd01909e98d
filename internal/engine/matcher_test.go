package engine

import (
	"testing"

	"commguard/internal/model"
)

func highRiskPolicy(id, name string, priority int) model.Policy {
	return model.Policy{
		ID:       id,
		Name:     name,
		Enabled:  true,
		Priority: priority,
		Operator: model.CombineAnd,
		Conditions: []model.Condition{
			{Field: "risk_score", Operator: model.OpGreaterThan, Value: "70"},
		},
		Actions: []model.Action{{Type: model.ActionEmailAlert}},
	}
}

func TestMatchFiltersDisabledAndOutOfScope(t *testing.T) {
	m := NewMatcher(nil)
	disabled := highRiskPolicy("p1", "disabled", 1)
	disabled.Enabled = false
	otherGroup := highRiskPolicy("p2", "other-group", 1)
	otherGroup.Scope = model.Scope{Kind: model.ScopeGroup, Target: "finance"}
	sameGroup := highRiskPolicy("p3", "same-group", 1)
	sameGroup.Scope = model.Scope{Kind: model.ScopeGroup, Target: "engineering"}
	subjectScoped := highRiskPolicy("p4", "subject-scoped", 1)
	subjectScoped.Scope = model.Scope{Kind: model.ScopeSubject, Target: "jdoe"}
	m.SetPolicies([]model.Policy{disabled, otherGroup, sameGroup, subjectScoped})

	matches := m.Match(testViolation())
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	for _, match := range matches {
		if match.Policy.ID == "p1" || match.Policy.ID == "p2" {
			t.Fatalf("policy %s must not match", match.Policy.ID)
		}
	}
}

func TestMatchOrderedByPriorityThenName(t *testing.T) {
	m := NewMatcher(nil)
	m.SetPolicies([]model.Policy{
		highRiskPolicy("pB", "bravo", 2),
		highRiskPolicy("pA", "alpha", 2),
		highRiskPolicy("pC", "charlie", 1),
	})
	matches := m.Match(testViolation())
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	got := []string{matches[0].Policy.Name, matches[1].Policy.Name, matches[2].Policy.Name}
	want := []string{"charlie", "alpha", "bravo"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestNoMatchWhenConditionsFail(t *testing.T) {
	m := NewMatcher(nil)
	p := highRiskPolicy("p1", "strict", 1)
	p.Conditions = []model.Condition{
		{Field: "risk_score", Operator: model.OpGreaterThan, Value: "95"},
	}
	m.SetPolicies([]model.Policy{p})
	if matches := m.Match(testViolation()); len(matches) != 0 {
		t.Fatalf("expected no matches, got %d", len(matches))
	}
}

func TestCatchAllPolicyMatches(t *testing.T) {
	m := NewMatcher(nil)
	p := highRiskPolicy("p1", "catch-all", 1)
	p.Conditions = nil
	m.SetPolicies([]model.Policy{p})
	matches := m.Match(testViolation())
	if len(matches) != 1 {
		t.Fatalf("policy with no conditions must match")
	}
	if len(matches[0].MatchedConditions) != 0 {
		t.Fatalf("catch-all match must carry no matched conditions")
	}
}
