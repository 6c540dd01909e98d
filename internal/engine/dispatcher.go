package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"commguard/internal/audit"
	"commguard/internal/config"
	"commguard/internal/metrics"
	"commguard/internal/model"
	"commguard/internal/notify"
	"commguard/internal/storage"
)

// ExecutionStore is the slice of the store the dispatcher drives the
// execution state machine through.
type ExecutionStore interface {
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]model.Execution, error)
	ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error)
	CompleteExecution(ctx context.Context, id string, result map[string]string, completedAt time.Time) error
	FailExecution(ctx context.Context, id string, errMsg string, completedAt time.Time) error
	RescheduleExecution(ctx context.Context, id string, notBefore time.Time) error
	GetViolation(ctx context.Context, id string) (model.Violation, error)

	CreateIncident(ctx context.Context, inc model.Incident) error
	SetAccessRestriction(ctx context.Context, subject, scope string, expiry time.Time) error
	SetMonitoringLevel(ctx context.Context, subject, level string, expiry time.Time) error
	SetActivityLogging(ctx context.Context, subject string, scopes []string, expiry time.Time) error
	SaveNotification(ctx context.Context, subject, priority, message string) error
	Capabilities(ctx context.Context) (storage.Capabilities, error)
}

type handlerFunc func(ctx context.Context, ex model.Execution, v model.Violation, profile model.SubjectProfile) (map[string]string, error)

// Dispatcher polls for due pending executions and runs their handlers.
// It is the sole owner of running executions; the pending→running claim
// is a compare-and-set, so concurrent dispatcher instances never process
// the same execution twice.
type Dispatcher struct {
	logger    *slog.Logger
	store     ExecutionStore
	mailer    notify.Mailer
	directory Directory
	trail     *audit.Trail
	metrics   *metrics.Store
	cfg       atomicConfig
	caps      storage.Capabilities
	handlers  map[model.ActionType]handlerFunc
}

func NewDispatcher(cfg *config.Config, logger *slog.Logger, store ExecutionStore, mailer notify.Mailer, directory Directory, trail *audit.Trail, metricsStore *metrics.Store) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		store:     store,
		mailer:    mailer,
		directory: directory,
		trail:     trail,
		metrics:   metricsStore,
	}
	d.cfg.store(cfg)
	d.handlers = map[model.ActionType]handlerFunc{
		model.ActionEmailAlert:          d.handleEmailAlert,
		model.ActionEscalateIncident:    d.handleEscalateIncident,
		model.ActionIncreaseMonitoring:  d.handleIncreaseMonitoring,
		model.ActionDisableAccess:       d.handleDisableAccess,
		model.ActionLogDetailedActivity: d.handleLogDetailedActivity,
		model.ActionImmediateAlert:      d.handleImmediateAlert,
	}
	return d
}

func (d *Dispatcher) UpdateConfig(cfg *config.Config) {
	d.cfg.store(cfg)
}

// Start probes storage capabilities once, then runs the polling loop
// until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	caps, err := d.store.Capabilities(ctx)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("capability probe failed, assuming none", "err", err)
		}
	}
	d.caps = caps
	go func() {
		interval := d.cfg.get().Dispatcher.PollInterval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Tick(ctx)
				if next := d.cfg.get().Dispatcher.PollInterval; next != interval && next > 0 {
					interval = next
					ticker.Reset(interval)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SetCapabilities overrides the probed capability set. Used by tests and
// by Start when the probe succeeds.
func (d *Dispatcher) SetCapabilities(caps storage.Capabilities) {
	d.caps = caps
}

// Tick processes one poll: every due pending execution, ordered by
// creation time, through a bounded worker pool. Returns the number of
// executions this dispatcher claimed.
func (d *Dispatcher) Tick(ctx context.Context) int {
	cfg := d.cfg.get().Dispatcher
	due, err := d.store.ListDueExecutions(ctx, time.Now().UTC(), cfg.BatchLimit)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("due execution query failed", "err", err)
		}
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	var processed int
	if cfg.Workers <= 1 {
		for _, ex := range due {
			if d.process(ctx, ex, cfg) {
				processed++
			}
		}
		return processed
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.Workers)
	for _, ex := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(ex model.Execution) {
			defer wg.Done()
			defer func() { <-sem }()
			if d.process(ctx, ex, cfg) {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}(ex)
	}
	wg.Wait()
	return processed
}

// process drives one execution to running and then to a terminal state
// or back to pending with backoff. Returns false when the claim was lost.
func (d *Dispatcher) process(ctx context.Context, ex model.Execution, cfg config.DispatcherConfig) bool {
	claimed, err := d.store.ClaimExecution(ctx, ex.ID, time.Now().UTC())
	if err != nil {
		if d.logger != nil {
			d.logger.Error("execution claim failed", "execution_id", ex.ID, "err", err)
		}
		return false
	}
	if !claimed {
		return false
	}

	handler, ok := d.handlers[ex.Action.Type]
	if !ok {
		d.finishFailed(ctx, ex, "unsupported action type: "+string(ex.Action.Type))
		return true
	}

	v, err := d.store.GetViolation(ctx, ex.ViolationID)
	if err != nil {
		// The violation row is a structural prerequisite for every handler.
		d.finishFailed(ctx, ex, "violation lookup: "+err.Error())
		return true
	}
	profile := d.lookupProfile(ctx, v.Subject)

	hctx, cancel := context.WithTimeout(ctx, cfg.HandlerTimeout)
	result, err := handler(hctx, ex, v, profile)
	cancel()

	if err == nil {
		d.finishSucceeded(ctx, ex, result)
		return true
	}

	attempts := ex.Attempts + 1
	if isTransient(err) && attempts < cfg.MaxRetries {
		notBefore := time.Now().UTC().Add(cfg.RetryBackoff)
		if rerr := d.store.RescheduleExecution(ctx, ex.ID, notBefore); rerr != nil {
			if d.logger != nil {
				d.logger.Error("execution reschedule failed", "execution_id", ex.ID, "err", rerr)
			}
			return true
		}
		if d.metrics != nil {
			d.metrics.Inc(metrics.ExecutionsRetried)
		}
		if d.trail != nil {
			d.trail.Add(audit.Entry{
				Kind:        audit.KindExecutionRetried,
				ViolationID: ex.ViolationID,
				PolicyID:    ex.PolicyID,
				ExecutionID: ex.ID,
				Detail:      map[string]string{"attempts": itoa(attempts), "error": err.Error()},
			})
		}
		if d.logger != nil {
			d.logger.Warn("execution retried",
				"execution_id", ex.ID, "action", string(ex.Action.Type), "attempts", attempts, "err", err)
		}
		return true
	}

	d.finishFailed(ctx, ex, err.Error())
	return true
}

func (d *Dispatcher) finishSucceeded(ctx context.Context, ex model.Execution, result map[string]string) {
	if err := d.store.CompleteExecution(ctx, ex.ID, result, time.Now().UTC()); err != nil {
		if d.logger != nil {
			d.logger.Error("execution completion write failed", "execution_id", ex.ID, "err", err)
		}
		return
	}
	degraded := result["degraded"] == "true"
	kind := audit.KindExecutionSucceeded
	if degraded {
		kind = audit.KindExecutionDegraded
	}
	if d.metrics != nil {
		d.metrics.Inc(metrics.ExecutionsSucceeded)
		if degraded {
			d.metrics.Inc(metrics.ExecutionsDegraded)
		}
	}
	if d.trail != nil {
		d.trail.Add(audit.Entry{
			Kind:        kind,
			ViolationID: ex.ViolationID,
			PolicyID:    ex.PolicyID,
			ExecutionID: ex.ID,
			Detail:      map[string]string{"action": string(ex.Action.Type)},
		})
	}
	if d.logger != nil {
		d.logger.Info("execution succeeded",
			"execution_id", ex.ID, "action", string(ex.Action.Type), "degraded", degraded)
	}
}

func (d *Dispatcher) finishFailed(ctx context.Context, ex model.Execution, errMsg string) {
	if err := d.store.FailExecution(ctx, ex.ID, errMsg, time.Now().UTC()); err != nil {
		if d.logger != nil {
			d.logger.Error("execution failure write failed", "execution_id", ex.ID, "err", err)
		}
		return
	}
	if d.metrics != nil {
		d.metrics.Inc(metrics.ExecutionsFailed)
	}
	if d.trail != nil {
		d.trail.Add(audit.Entry{
			Kind:        audit.KindExecutionFailed,
			ViolationID: ex.ViolationID,
			PolicyID:    ex.PolicyID,
			ExecutionID: ex.ID,
			Detail:      map[string]string{"action": string(ex.Action.Type), "error": errMsg},
		})
	}
	if d.logger != nil {
		d.logger.Warn("execution failed",
			"execution_id", ex.ID, "action", string(ex.Action.Type), "err", errMsg)
	}
}

func (d *Dispatcher) lookupProfile(ctx context.Context, subject string) model.SubjectProfile {
	if d.directory == nil {
		return model.SubjectProfile{Subject: subject}
	}
	profile, err := d.directory.Lookup(ctx, subject)
	if err != nil {
		if d.logger != nil {
			d.logger.Debug("subject profile lookup failed", "subject", subject, "err", err)
		}
		return model.SubjectProfile{Subject: subject}
	}
	return profile
}

// ActionError classifies a handler failure for the retry policy.
type ActionError struct {
	Transient bool
	Err       error
}

func (e *ActionError) Error() string {
	return e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

func transientErr(err error) error {
	return &ActionError{Transient: true, Err: err}
}

func fatalErr(err error) error {
	return &ActionError{Transient: false, Err: err}
}

// isTransient treats handler timeouts as transient; unclassified errors
// are fatal so misconfigurations fail fast instead of spinning.
func isTransient(err error) bool {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type atomicConfig struct {
	v atomic.Value
}

func (c *atomicConfig) store(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c.v.Store(cfg)
}

func (c *atomicConfig) get() *config.Config {
	if v := c.v.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
