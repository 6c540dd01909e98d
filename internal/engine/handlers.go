package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"commguard/internal/model"
	"commguard/internal/storage"
)

const (
	defaultMonitoringWindow = 7 * 24 * time.Hour
	defaultRestrictionTerm  = 24 * time.Hour
	defaultLoggingWindow    = 72 * time.Hour
)

// degradedResult marks an execution succeeded without its side effect
// because the backing table is missing; the dispatcher loop must keep
// moving regardless of schema state.
func (d *Dispatcher) degradedResult(action model.ActionType, missing string) map[string]string {
	if d.logger != nil {
		d.logger.Warn("action fallback: required storage missing",
			"action", string(action), "missing", missing)
	}
	return map[string]string{"degraded": "true", "missing": missing}
}

func (d *Dispatcher) handleEmailAlert(ctx context.Context, ex model.Execution, v model.Violation, profile model.SubjectProfile) (map[string]string, error) {
	recipients := alertRecipients(ex.Action.Config, profile)
	if len(recipients) == 0 {
		return nil, fatalErr(errors.New("email_alert: no recipients configured and no manager on record"))
	}
	if d.mailer == nil {
		return d.degradedResult(ex.Action.Type, "mail transport"), nil
	}
	subject := ex.Action.Config.Subject
	if subject == "" {
		subject = fmt.Sprintf("[commguard] %s violation: %s", v.Severity, v.Category)
	}
	body := composeAlertBody(v, ex.PolicyName)
	if err := d.mailer.Send(ctx, recipients, subject, body); err != nil {
		return nil, transientErr(fmt.Errorf("email_alert: %w", err))
	}
	return map[string]string{
		"recipients": strings.Join(recipients, ","),
		"subject":    subject,
	}, nil
}

func (d *Dispatcher) handleEscalateIncident(ctx context.Context, ex model.Execution, v model.Violation, profile model.SubjectProfile) (map[string]string, error) {
	if !d.caps.Incidents {
		return d.degradedResult(ex.Action.Type, "incidents"), nil
	}
	severity := ex.Action.Config.IncidentSeverity
	if severity.Rank() < 0 {
		severity = v.Severity
	}
	inc := model.Incident{
		ID:          uuid.NewString(),
		Subject:     v.Subject,
		Severity:    severity,
		Description: fmt.Sprintf("escalated by policy %q: %s", ex.PolicyName, v.Description),
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.store.CreateIncident(ctx, inc); err != nil {
		if errors.Is(err, storage.ErrBadRecord) {
			return nil, fatalErr(fmt.Errorf("escalate_incident: %w", err))
		}
		return nil, transientErr(fmt.Errorf("escalate_incident: %w", err))
	}
	result := map[string]string{"incident_id": inc.ID, "severity": string(severity)}
	if ex.Action.Config.NotifyManagement && profile.ManagerEmail != "" && d.mailer != nil {
		// Management notification is best-effort; the incident is already recorded.
		if err := d.mailer.Send(ctx, []string{profile.ManagerEmail},
			fmt.Sprintf("[commguard] incident %s for %s", inc.ID, v.Subject),
			composeAlertBody(v, ex.PolicyName)); err != nil {
			if d.logger != nil {
				d.logger.Warn("incident management notification failed", "incident_id", inc.ID, "err", err)
			}
			result["management_notified"] = "false"
		} else {
			result["management_notified"] = "true"
		}
	}
	return result, nil
}

func (d *Dispatcher) handleIncreaseMonitoring(ctx context.Context, ex model.Execution, v model.Violation, _ model.SubjectProfile) (map[string]string, error) {
	if !d.caps.Monitoring {
		return d.degradedResult(ex.Action.Type, "monitoring_flags"), nil
	}
	level := ex.Action.Config.MonitoringLevel
	if level == "" {
		level = "elevated"
	}
	window := ex.Action.Config.Duration
	if window <= 0 {
		window = defaultMonitoringWindow
	}
	expiry := time.Now().UTC().Add(window)
	if err := d.store.SetMonitoringLevel(ctx, v.Subject, level, expiry); err != nil {
		return nil, transientErr(fmt.Errorf("increase_monitoring: %w", err))
	}
	return map[string]string{"level": level, "expiry": expiry.Format(time.RFC3339)}, nil
}

func (d *Dispatcher) handleDisableAccess(ctx context.Context, ex model.Execution, v model.Violation, profile model.SubjectProfile) (map[string]string, error) {
	if !d.caps.Restrictions {
		return d.degradedResult(ex.Action.Type, "access_restrictions"), nil
	}
	scope := ex.Action.Config.RestrictionScope
	if scope == "" {
		scope = "all"
	}
	if scope == "service" && ex.Action.Config.Service != "" {
		scope = "service:" + ex.Action.Config.Service
	}
	var expiry time.Time
	expiryLabel := "permanent"
	if !ex.Action.Config.Permanent {
		term := ex.Action.Config.Duration
		if term <= 0 {
			term = defaultRestrictionTerm
		}
		expiry = time.Now().UTC().Add(term)
		expiryLabel = expiry.Format(time.RFC3339)
	}
	if err := d.store.SetAccessRestriction(ctx, v.Subject, scope, expiry); err != nil {
		return nil, transientErr(fmt.Errorf("disable_access: %w", err))
	}
	result := map[string]string{"scope": scope, "expiry": expiryLabel}
	if ex.Action.Config.NotifySubject && profile.Email != "" && d.mailer != nil {
		if err := d.mailer.Send(ctx, []string{profile.Email},
			"[commguard] access restriction applied",
			fmt.Sprintf("An access restriction (%s) has been applied to your account until %s.", scope, expiryLabel)); err != nil {
			if d.logger != nil {
				d.logger.Warn("restriction subject notification failed", "subject", v.Subject, "err", err)
			}
			result["subject_notified"] = "false"
		} else {
			result["subject_notified"] = "true"
		}
	}
	return result, nil
}

func (d *Dispatcher) handleLogDetailedActivity(ctx context.Context, ex model.Execution, v model.Violation, _ model.SubjectProfile) (map[string]string, error) {
	if !d.caps.ActivityLog {
		return d.degradedResult(ex.Action.Type, "activity_logging"), nil
	}
	scopes := ex.Action.Config.LoggingScopes
	if len(scopes) == 0 {
		scopes = []string{"network", "files", "communications"}
	}
	window := ex.Action.Config.Duration
	if window <= 0 {
		window = defaultLoggingWindow
	}
	expiry := time.Now().UTC().Add(window)
	if err := d.store.SetActivityLogging(ctx, v.Subject, scopes, expiry); err != nil {
		return nil, transientErr(fmt.Errorf("log_detailed_activity: %w", err))
	}
	return map[string]string{"scopes": strings.Join(scopes, ","), "expiry": expiry.Format(time.RFC3339)}, nil
}

func (d *Dispatcher) handleImmediateAlert(ctx context.Context, ex model.Execution, v model.Violation, profile model.SubjectProfile) (map[string]string, error) {
	channels := ex.Action.Config.Channels
	if len(channels) == 0 {
		channels = []string{"email", "inapp"}
	}
	priority := ex.Action.Config.Priority
	if priority == "" {
		priority = "urgent"
	}
	result := map[string]string{"priority": priority}
	succeeded := 0
	for _, channel := range channels {
		var err error
		switch channel {
		case "email":
			recipients := alertRecipients(ex.Action.Config, profile)
			switch {
			case len(recipients) == 0:
				err = errors.New("no recipients")
			case d.mailer == nil:
				err = errors.New("mail transport unavailable")
			default:
				subject := fmt.Sprintf("[commguard][%s] %s violation: %s", priority, v.Severity, v.Category)
				err = d.mailer.Send(ctx, recipients, subject, composeAlertBody(v, ex.PolicyName))
			}
		case "inapp":
			if !d.caps.Notifications {
				err = errors.New("notifications table missing")
			} else {
				message := fmt.Sprintf("%s violation (%s) recorded for %s", v.Severity, v.Category, v.Subject)
				err = d.store.SaveNotification(ctx, v.Subject, priority, message)
			}
		default:
			err = fmt.Errorf("unknown channel %q", channel)
		}
		if err != nil {
			result["channel_"+channel] = "failed: " + err.Error()
			if d.logger != nil {
				d.logger.Warn("immediate alert channel failed", "channel", channel, "violation_id", v.ID, "err", err)
			}
			continue
		}
		result["channel_"+channel] = "ok"
		succeeded++
	}
	if succeeded == 0 {
		return nil, transientErr(errors.New("immediate_alert: all channels failed"))
	}
	return result, nil
}

func alertRecipients(cfg model.ActionConfig, profile model.SubjectProfile) []string {
	if len(cfg.Recipients) > 0 {
		return cfg.Recipients
	}
	if profile.ManagerEmail != "" {
		return []string{profile.ManagerEmail}
	}
	return nil
}

func composeAlertBody(v model.Violation, policyName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy %q matched a recorded violation.\n\n", policyName)
	fmt.Fprintf(&b, "Subject:    %s\n", v.Subject)
	fmt.Fprintf(&b, "Category:   %s\n", v.Category)
	fmt.Fprintf(&b, "Severity:   %s\n", v.Severity)
	fmt.Fprintf(&b, "Risk score: %.1f\n", v.RiskScore)
	if v.Description != "" {
		fmt.Fprintf(&b, "Details:    %s\n", v.Description)
	}
	if len(v.Tags) > 0 {
		fmt.Fprintf(&b, "Tags:       %s\n", strings.Join(v.Tags, ", "))
	}
	fmt.Fprintf(&b, "Recorded:   %s\n", v.CreatedAt.UTC().Format(time.RFC3339))
	return b.String()
}
