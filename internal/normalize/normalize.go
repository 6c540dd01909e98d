package normalize

import (
	"fmt"
	"strings"
	"time"

	"commguard/internal/config"
	"commguard/internal/model"
)

// Report is the wire shape connectors deliver. Fields arrive as loose
// strings from heterogeneous monitoring sources and are canonicalized
// into a model.Violation here, in one place.
type Report struct {
	Subject     string            `json:"subject"`
	Category    string            `json:"category"`
	Severity    string            `json:"severity"`
	Description string            `json:"description"`
	RiskScore   float64           `json:"risk_score"`
	Source      string            `json:"source"`
	Tags        []string          `json:"tags"`
	Metadata    map[string]string `json:"metadata"`
	Timestamp   string            `json:"timestamp"`
}

// ParseSeverity maps reported severity labels, including the common
// synonyms monitoring sources use, onto the canonical set. Unknown or
// empty labels default to low.
func ParseSeverity(s string) model.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "severe", "fatal":
		return model.SeverityCritical
	case "high", "major", "error":
		return model.SeverityHigh
	case "medium", "moderate", "warn", "warning":
		return model.SeverityMedium
	case "low", "minor", "info", "informational", "":
		return model.SeverityLow
	}
	return model.SeverityLow
}

// Normalize validates and canonicalizes a raw report. Subject is the
// only hard requirement; everything else is defaulted or clamped.
func Normalize(r Report, cfg config.IngestConfig, now time.Time) (model.Violation, error) {
	subject := strings.TrimSpace(r.Subject)
	if subject == "" {
		return model.Violation{}, fmt.Errorf("report missing subject")
	}
	category := strings.ToLower(strings.TrimSpace(r.Category))
	if category == "" {
		category = cfg.DefaultCategory
	}
	score := r.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	v := model.Violation{
		Subject:     subject,
		Category:    category,
		Severity:    ParseSeverity(r.Severity),
		Description: strings.TrimSpace(r.Description),
		RiskScore:   score,
		Source:      strings.TrimSpace(r.Source),
		Tags:        cleanTags(r.Tags),
		Metadata:    r.Metadata,
		Status:      model.ViolationActive,
		CreatedAt:   resolveTimestamp(r.Timestamp, cfg, now),
	}
	return v, nil
}

func cleanTags(tags []string) []string {
	out := tags[:0]
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// resolveTimestamp accepts RFC3339 with optional fractional seconds and
// clamps reported times into the accepted skew window around now. An
// unparseable or missing timestamp resolves to now.
func resolveTimestamp(raw string, cfg config.IngestConfig, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, raw); err != nil {
			return now
		}
	}
	ts = ts.UTC()
	if cfg.MaxClockSkew > 0 && ts.Before(now.Add(-cfg.MaxClockSkew)) {
		return now.Add(-cfg.MaxClockSkew)
	}
	if cfg.MaxFutureSkew >= 0 && ts.After(now.Add(cfg.MaxFutureSkew)) {
		return now.Add(cfg.MaxFutureSkew)
	}
	return ts
}
