package engine

import (
	"testing"

	"commguard/internal/model"
)

func testViolation() ViolationContext {
	return ViolationContext{
		Violation: model.Violation{
			ID:        "v1",
			Subject:   "jdoe",
			Category:  "data_exfiltration",
			Severity:  model.SeverityHigh,
			RiskScore: 80,
			Source:    "dlp",
			Tags:      []string{"usb", "after_hours"},
			Metadata:  map[string]string{"channel": "email"},
			Status:    model.ViolationActive,
		},
		Profile: model.SubjectProfile{
			Subject:             "jdoe",
			Group:               "engineering",
			HistoricalRiskScore: 42.5,
		},
	}
}

func TestGreaterThanIsStrict(t *testing.T) {
	vctx := testViolation()
	cond := model.Condition{Field: "risk_score", Operator: model.OpGreaterThan, Value: "80"}
	if EvalCondition(cond, vctx, nil) {
		t.Fatalf("risk_score 80 must not satisfy greater_than 80")
	}
	cond.Value = "79.9"
	if !EvalCondition(cond, vctx, nil) {
		t.Fatalf("risk_score 80 must satisfy greater_than 79.9")
	}
	cond.Operator = model.OpGreaterOrEqual
	cond.Value = "80"
	if !EvalCondition(cond, vctx, nil) {
		t.Fatalf("risk_score 80 must satisfy greater_or_equal 80")
	}
}

func TestSeverityOrdering(t *testing.T) {
	vctx := testViolation()
	cond := model.Condition{Field: "severity", Operator: model.OpGreaterOrEqual, Value: "medium"}
	if !EvalCondition(cond, vctx, nil) {
		t.Fatalf("high must rank above medium")
	}
	cond.Value = "Critical"
	if EvalCondition(cond, vctx, nil) {
		t.Fatalf("high must rank below critical")
	}
	cond = model.Condition{Field: "severity", Operator: model.OpEquals, Value: "HIGH"}
	if !EvalCondition(cond, vctx, nil) {
		t.Fatalf("severity comparison must be case-insensitive")
	}
}

func TestMalformedNumericValueIsFalse(t *testing.T) {
	vctx := testViolation()
	cond := model.Condition{Field: "risk_score", Operator: model.OpGreaterThan, Value: "banana"}
	if EvalCondition(cond, vctx, nil) {
		t.Fatalf("non-numeric comparison value must evaluate false")
	}
	cond = model.Condition{Field: "no_such_field", Operator: model.OpEquals, Value: "x"}
	if EvalCondition(cond, vctx, nil) {
		t.Fatalf("unknown field must evaluate false")
	}
}

func TestCategoryIsCaseInsensitive(t *testing.T) {
	vctx := testViolation()
	vctx.Violation.Category = "Data_Exfiltration"
	if !EvalCondition(model.Condition{Field: "category", Operator: model.OpEquals, Value: "data_exfiltration"}, vctx, nil) {
		t.Fatalf("stored category casing must not matter")
	}
	if !EvalCondition(model.Condition{Field: "category", Operator: model.OpEquals, Value: "DATA_Exfiltration"}, vctx, nil) {
		t.Fatalf("policy category casing must not matter")
	}
	if !EvalCondition(model.Condition{Field: "category", Operator: model.OpContains, Value: "Exfil"}, vctx, nil) {
		t.Fatalf("category contains must be case-insensitive")
	}
	if !EvalCondition(model.Condition{Field: "category", Operator: model.OpIn, Value: "Harassment, Data_Exfiltration"}, vctx, nil) {
		t.Fatalf("category in must be case-insensitive")
	}
}

func TestInMembership(t *testing.T) {
	vctx := testViolation()
	cond := model.Condition{Field: "category", Operator: model.OpIn, Value: "policy_breach, data_exfiltration"}
	if !EvalCondition(cond, vctx, nil) {
		t.Fatalf("comma list membership failed")
	}
	cond.Value = `["policy_breach","data_exfiltration"]`
	if !EvalCondition(cond, vctx, nil) {
		t.Fatalf("json list membership failed")
	}
	cond.Value = "harassment"
	if EvalCondition(cond, vctx, nil) {
		t.Fatalf("non-member must evaluate false")
	}
}

func TestContainsAndMetadata(t *testing.T) {
	vctx := testViolation()
	if !EvalCondition(model.Condition{Field: "tags", Operator: model.OpContains, Value: "usb"}, vctx, nil) {
		t.Fatalf("tags contains failed")
	}
	if !EvalCondition(model.Condition{Field: "meta:channel", Operator: model.OpEquals, Value: "email"}, vctx, nil) {
		t.Fatalf("metadata field lookup failed")
	}
	if EvalCondition(model.Condition{Field: "meta:absent", Operator: model.OpEquals, Value: ""}, vctx, nil) {
		t.Fatalf("missing metadata key must evaluate false")
	}
	if !EvalCondition(model.Condition{Field: "tag:usb", Operator: model.OpEquals, Value: "true"}, vctx, nil) {
		t.Fatalf("tag membership selector failed")
	}
	if !EvalCondition(model.Condition{Field: "tag:vpn", Operator: model.OpEquals, Value: "false"}, vctx, nil) {
		t.Fatalf("absent tag must resolve to false string")
	}
}

func TestProfileFields(t *testing.T) {
	vctx := testViolation()
	if !EvalCondition(model.Condition{Field: "group", Operator: model.OpEquals, Value: "engineering"}, vctx, nil) {
		t.Fatalf("group field failed")
	}
	if !EvalCondition(model.Condition{Field: "historical_risk_score", Operator: model.OpGreaterThan, Value: "40"}, vctx, nil) {
		t.Fatalf("historical_risk_score field failed")
	}
}

func TestCombineOperators(t *testing.T) {
	vctx := testViolation()
	pass := model.Condition{Field: "severity", Operator: model.OpEquals, Value: "high"}
	fail := model.Condition{Field: "risk_score", Operator: model.OpGreaterThan, Value: "90"}

	ok, matched := EvalConditions([]model.Condition{pass, fail}, model.CombineAnd, vctx, nil)
	if ok {
		t.Fatalf("and with one failing condition must be false")
	}
	if len(matched) != 1 {
		t.Fatalf("expected 1 matched condition, got %d", len(matched))
	}

	ok, matched = EvalConditions([]model.Condition{pass, fail}, model.CombineOr, vctx, nil)
	if !ok || len(matched) != 1 {
		t.Fatalf("or with one passing condition must be true")
	}

	ok, _ = EvalConditions(nil, model.CombineAnd, vctx, nil)
	if !ok {
		t.Fatalf("empty condition set must match everything")
	}
}
