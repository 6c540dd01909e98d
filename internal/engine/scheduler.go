package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"commguard/internal/audit"
	"commguard/internal/metrics"
	"commguard/internal/model"
)

// ExecutionCreator is the slice of the store the scheduler writes through.
type ExecutionCreator interface {
	CreateExecutions(ctx context.Context, execs []model.Execution) error
	HasExecutions(ctx context.Context, violationID string) (bool, error)
}

// Scheduler turns matched policies into durable pending executions.
// Creation is all-or-nothing per policy and independent across policies:
// a failed insert for one policy never rolls back another's executions.
type Scheduler struct {
	store   ExecutionCreator
	logger  *slog.Logger
	trail   *audit.Trail
	metrics *metrics.Store
	dedupe  bool
}

func NewScheduler(store ExecutionCreator, logger *slog.Logger, trail *audit.Trail, metricsStore *metrics.Store, dedupe bool) *Scheduler {
	return &Scheduler{
		store:   store,
		logger:  logger,
		trail:   trail,
		metrics: metricsStore,
		dedupe:  dedupe,
	}
}

// Schedule creates one pending execution per configured action of every
// matched policy and returns the created ids. With dedupe enabled,
// re-submitting a violation id that already has executions is a no-op
// (at-most-once scheduling per violation).
func (s *Scheduler) Schedule(ctx context.Context, v model.Violation, matches []Match) []string {
	if len(matches) == 0 {
		return nil
	}
	if s.dedupe {
		exists, err := s.store.HasExecutions(ctx, v.ID)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("scheduling dedupe check failed", "violation_id", v.ID, "err", err)
			}
			return nil
		}
		if exists {
			if s.logger != nil {
				s.logger.Debug("violation already scheduled, skipping", "violation_id", v.ID)
			}
			return nil
		}
	}

	now := time.Now().UTC()
	created := make([]string, 0)
	for _, match := range matches {
		p := match.Policy
		execs := make([]model.Execution, 0, len(p.Actions))
		for _, action := range p.Actions {
			ex := model.Execution{
				ID:          uuid.NewString(),
				PolicyID:    p.ID,
				PolicyName:  p.Name,
				ViolationID: v.ID,
				Action:      action,
				Status:      model.ExecutionPending,
				CreatedAt:   now,
			}
			if action.Config.Delay > 0 {
				ex.NotBefore = now.Add(action.Config.Delay)
			}
			execs = append(execs, ex)
		}
		if len(execs) == 0 {
			continue
		}
		if err := s.store.CreateExecutions(ctx, execs); err != nil {
			if s.logger != nil {
				s.logger.Error("execution creation failed",
					"violation_id", v.ID, "policy", p.Name, "actions", len(execs), "err", err)
			}
			continue
		}
		for _, ex := range execs {
			created = append(created, ex.ID)
		}
		if s.metrics != nil {
			s.metrics.Add(metrics.ExecutionsScheduled, int64(len(execs)))
		}
		if s.trail != nil {
			s.trail.Add(audit.Entry{
				Kind:        audit.KindExecutionsScheduled,
				ViolationID: v.ID,
				PolicyID:    p.ID,
				Subject:     v.Subject,
				Detail:      map[string]string{"policy": p.Name, "executions": itoa(len(execs))},
			})
		}
	}
	return created
}
