package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"commguard/internal/audit"
	"commguard/internal/config"
	"commguard/internal/metrics"
	"commguard/internal/model"
	"commguard/internal/storage"
)

// Directory resolves subject metadata from the employee directory.
type Directory interface {
	Lookup(ctx context.Context, subject string) (model.SubjectProfile, error)
}

// StaticDirectory serves profiles from the config file. Unknown subjects
// resolve to a bare profile rather than an error.
type StaticDirectory struct {
	subjects map[string]config.SubjectEntry
}

func NewStaticDirectory(cfg config.DirectoryConfig) *StaticDirectory {
	return &StaticDirectory{subjects: cfg.Subjects}
}

func (d *StaticDirectory) Lookup(_ context.Context, subject string) (model.SubjectProfile, error) {
	entry, ok := d.subjects[subject]
	if !ok {
		return model.SubjectProfile{Subject: subject}, nil
	}
	return model.SubjectProfile{
		Subject:             subject,
		Group:               entry.Group,
		Email:               entry.Email,
		ManagerEmail:        entry.ManagerEmail,
		HistoricalRiskScore: entry.HistoricalRiskScore,
	}, nil
}

// Engine is the synchronous half of the response pipeline: it persists a
// recorded violation, matches it against the policy snapshot, schedules
// executions and queues the subject for behavioral analysis. The
// Dispatcher picks the executions up asynchronously.
type Engine struct {
	logger    *slog.Logger
	store     storage.Store
	matcher   *Matcher
	scheduler *Scheduler
	trail     *audit.Trail
	metrics   *metrics.Store
	analysis  *AnalysisQueue
	directory Directory
	cfg       atomicConfig
	started   time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, store storage.Store, matcher *Matcher, trail *audit.Trail, metricsStore *metrics.Store, analysis *AnalysisQueue, directory Directory) *Engine {
	e := &Engine{
		logger:    logger,
		store:     store,
		matcher:   matcher,
		trail:     trail,
		metrics:   metricsStore,
		analysis:  analysis,
		directory: directory,
		started:   time.Now().UTC(),
	}
	e.cfg.store(cfg)
	e.scheduler = NewScheduler(store, logger, trail, metricsStore, e.cfg.get().Dispatcher.DedupeScheduling)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.store(cfg)
	e.scheduler.dedupe = cfg.Dispatcher.DedupeScheduling
}

func (e *Engine) Started() time.Time {
	return e.started
}

// RefreshPolicies reloads the matcher snapshot from storage.
func (e *Engine) RefreshPolicies(ctx context.Context) error {
	return e.matcher.Reload(ctx, e.store)
}

// Start consumes normalized violations from the ingest channel.
func (e *Engine) Start(ctx context.Context, in <-chan model.Violation) {
	go func() {
		for {
			select {
			case v := <-in:
				if _, err := e.RecordViolation(ctx, v); err != nil && e.logger != nil {
					e.logger.Error("violation processing failed", "subject", v.Subject, "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RecordViolation persists the violation, then runs matching and
// scheduling. Matching happens exactly once per creation event; matching
// or scheduling trouble is audited, never returned to the ingestion path.
func (e *Engine) RecordViolation(ctx context.Context, v model.Violation) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = model.ViolationActive
	}
	if err := e.store.SaveViolation(ctx, v); err != nil {
		return "", err
	}
	if e.metrics != nil {
		e.metrics.Inc(metrics.ViolationsRecorded)
	}
	if e.trail != nil {
		e.trail.Add(audit.Entry{
			Kind:        audit.KindViolationRecorded,
			ViolationID: v.ID,
			Subject:     v.Subject,
			Detail:      map[string]string{"category": v.Category, "severity": string(v.Severity)},
		})
	}

	profile := e.lookupProfile(ctx, v.Subject)
	vctx := ViolationContext{Violation: v, Profile: profile}
	matches := e.matcher.Match(vctx)
	for _, match := range matches {
		if e.metrics != nil {
			e.metrics.Inc(metrics.PoliciesMatched)
		}
		if e.trail != nil {
			e.trail.Add(audit.Entry{
				Kind:        audit.KindPolicyMatched,
				ViolationID: v.ID,
				PolicyID:    match.Policy.ID,
				Subject:     v.Subject,
				Detail: map[string]string{
					"policy":             match.Policy.Name,
					"matched_conditions": itoa(len(match.MatchedConditions)),
				},
			})
		}
	}
	if e.logger != nil && len(matches) > 0 {
		e.logger.Info("violation matched policies",
			"violation_id", v.ID, "subject", v.Subject, "policies", len(matches))
	}

	e.scheduler.Schedule(ctx, v, matches)

	if e.analysis != nil {
		e.analysis.Enqueue(v.Subject, v.Source)
	}
	return v.ID, nil
}

// EnqueueForBehavioralAnalysis exposes the queue to ingest connectors
// that want analysis for messages that produced no violation.
func (e *Engine) EnqueueForBehavioralAnalysis(subject, source string) bool {
	if e.analysis == nil {
		return false
	}
	return e.analysis.Enqueue(subject, source)
}

func (e *Engine) lookupProfile(ctx context.Context, subject string) model.SubjectProfile {
	if e.directory == nil {
		return model.SubjectProfile{Subject: subject}
	}
	profile, err := e.directory.Lookup(ctx, subject)
	if err != nil {
		if e.logger != nil {
			e.logger.Debug("subject profile lookup failed", "subject", subject, "err", err)
		}
		return model.SubjectProfile{Subject: subject}
	}
	return profile
}
