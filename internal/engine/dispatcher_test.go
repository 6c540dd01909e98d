package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"commguard/internal/config"
	"commguard/internal/metrics"
	"commguard/internal/model"
	"commguard/internal/storage"
)

type fakeMailer struct {
	mu    sync.Mutex
	sends [][]string
	err   error
}

func (m *fakeMailer) Send(_ context.Context, recipients []string, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, recipients)
	return nil
}

func (m *fakeMailer) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

type fakeExecStore struct {
	mu            sync.Mutex
	execs         map[string]*model.Execution
	violations    map[string]model.Violation
	caps          storage.Capabilities
	incidents     []model.Incident
	incidentErr   error
	monitoring    map[string]string
	restrictions  map[string]string
	notifications []string
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		execs:        make(map[string]*model.Execution),
		violations:   make(map[string]model.Violation),
		monitoring:   make(map[string]string),
		restrictions: make(map[string]string),
	}
}

func (f *fakeExecStore) addExecution(ex model.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := ex
	f.execs[ex.ID] = &cp
}

func (f *fakeExecStore) execution(id string) model.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.execs[id]
}

func (f *fakeExecStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Execution, 0)
	for _, ex := range f.execs {
		if ex.Status != model.ExecutionPending {
			continue
		}
		if !ex.NotBefore.IsZero() && ex.NotBefore.After(now) {
			continue
		}
		out = append(out, *ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeExecStore) ClaimExecution(_ context.Context, id string, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.execs[id]
	if !ok || ex.Status != model.ExecutionPending {
		return false, nil
	}
	ex.Status = model.ExecutionRunning
	ex.StartedAt = startedAt
	return true, nil
}

func (f *fakeExecStore) CompleteExecution(_ context.Context, id string, result map[string]string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := f.execs[id]
	if ex.Status != model.ExecutionRunning {
		return errors.New("not running")
	}
	ex.Status = model.ExecutionSucceeded
	ex.Result = result
	ex.CompletedAt = completedAt
	return nil
}

func (f *fakeExecStore) FailExecution(_ context.Context, id string, errMsg string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := f.execs[id]
	if ex.Status != model.ExecutionRunning {
		return errors.New("not running")
	}
	ex.Status = model.ExecutionFailed
	ex.Attempts++
	ex.Error = errMsg
	ex.CompletedAt = completedAt
	return nil
}

func (f *fakeExecStore) RescheduleExecution(_ context.Context, id string, notBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := f.execs[id]
	if ex.Status != model.ExecutionRunning {
		return errors.New("not running")
	}
	ex.Status = model.ExecutionPending
	ex.Attempts++
	ex.NotBefore = notBefore
	ex.StartedAt = time.Time{}
	return nil
}

func (f *fakeExecStore) GetViolation(_ context.Context, id string) (model.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.violations[id]
	if !ok {
		return model.Violation{}, storage.ErrNotFound
	}
	return v, nil
}

func (f *fakeExecStore) CreateIncident(_ context.Context, inc model.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incidentErr != nil {
		return f.incidentErr
	}
	f.incidents = append(f.incidents, inc)
	return nil
}

func (f *fakeExecStore) SetAccessRestriction(_ context.Context, subject, scope string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restrictions[subject] = scope
	return nil
}

func (f *fakeExecStore) SetMonitoringLevel(_ context.Context, subject, level string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoring[subject] = level
	return nil
}

func (f *fakeExecStore) SetActivityLogging(_ context.Context, subject string, _ []string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, "logging:"+subject)
	return nil
}

func (f *fakeExecStore) SaveNotification(_ context.Context, subject, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, subject)
	return nil
}

func (f *fakeExecStore) Capabilities(_ context.Context) (storage.Capabilities, error) {
	return f.caps, nil
}

func allCaps() storage.Capabilities {
	return storage.Capabilities{
		Incidents:     true,
		Restrictions:  true,
		Monitoring:    true,
		ActivityLog:   true,
		Notifications: true,
	}
}

func dispatcherConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Dispatcher.MaxRetries = 3
	cfg.Dispatcher.RetryBackoff = 0
	cfg.Dispatcher.HandlerTimeout = time.Second
	return cfg
}

func pendingExecution(id, violationID string, action model.Action) model.Execution {
	return model.Execution{
		ID:          id,
		PolicyID:    "pol1",
		PolicyName:  "test policy",
		ViolationID: violationID,
		Action:      action,
		Status:      model.ExecutionPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestDispatcherEmailAlertSucceeds(t *testing.T) {
	store := newFakeExecStore()
	store.caps = allCaps()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{
		Type:   model.ActionEmailAlert,
		Config: model.ActionConfig{Recipients: []string{"security@corp.test"}},
	}))

	mailer := &fakeMailer{}
	d := NewDispatcher(dispatcherConfig(), nil, store, mailer, nil, nil, metrics.NewStore())
	d.SetCapabilities(store.caps)

	if n := d.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 processed, got %d", n)
	}
	ex := store.execution("e1")
	if ex.Status != model.ExecutionSucceeded {
		t.Fatalf("expected succeeded, got %s (error %q)", ex.Status, ex.Error)
	}
	if mailer.sendCount() != 1 {
		t.Fatalf("expected 1 send, got %d", mailer.sendCount())
	}
}

func TestDispatcherRetriesExactlyMaxAttempts(t *testing.T) {
	store := newFakeExecStore()
	store.caps = allCaps()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{
		Type:   model.ActionEmailAlert,
		Config: model.ActionConfig{Recipients: []string{"security@corp.test"}},
	}))

	mailer := &fakeMailer{err: errors.New("smtp unreachable")}
	d := NewDispatcher(dispatcherConfig(), nil, store, mailer, nil, nil, metrics.NewStore())
	d.SetCapabilities(store.caps)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d.Tick(ctx)
		ex := store.execution("e1")
		if ex.Status != model.ExecutionPending {
			t.Fatalf("attempt %d: expected pending after transient failure, got %s", i+1, ex.Status)
		}
		if ex.Attempts != i+1 {
			t.Fatalf("attempt %d: expected attempts=%d, got %d", i+1, i+1, ex.Attempts)
		}
	}
	d.Tick(ctx)
	ex := store.execution("e1")
	if ex.Status != model.ExecutionFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", ex.Status)
	}
	if ex.Attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", ex.Attempts)
	}
	if d.Tick(ctx) != 0 {
		t.Fatalf("failed execution must never run again")
	}
}

func TestDispatcherUnknownActionFailsFatally(t *testing.T) {
	store := newFakeExecStore()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{Type: model.ActionType("self_destruct")}))

	d := NewDispatcher(dispatcherConfig(), nil, store, nil, nil, nil, nil)
	d.Tick(context.Background())

	ex := store.execution("e1")
	if ex.Status != model.ExecutionFailed {
		t.Fatalf("expected failed, got %s", ex.Status)
	}
	if ex.Attempts != 1 {
		t.Fatalf("unknown action must not be retried, attempts=%d", ex.Attempts)
	}
}

func TestDispatcherDegradedWhenCapabilityMissing(t *testing.T) {
	store := newFakeExecStore()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{Type: model.ActionEscalateIncident}))

	d := NewDispatcher(dispatcherConfig(), nil, store, nil, nil, nil, metrics.NewStore())
	// No capabilities set: incidents table is absent.
	d.Tick(context.Background())

	ex := store.execution("e1")
	if ex.Status != model.ExecutionSucceeded {
		t.Fatalf("degraded execution must succeed, got %s", ex.Status)
	}
	if ex.Result["degraded"] != "true" {
		t.Fatalf("expected degraded result marker, got %v", ex.Result)
	}
	if len(store.incidents) != 0 {
		t.Fatalf("no incident may be written on the degraded path")
	}
}

func TestDispatcherSiblingIndependence(t *testing.T) {
	store := newFakeExecStore()
	store.caps = allCaps()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{
		Type: model.ActionEmailAlert,
		// No recipients and no manager on the bare profile: fatal.
	}))
	store.addExecution(pendingExecution("e2", "v1", model.Action{
		Type:   model.ActionIncreaseMonitoring,
		Config: model.ActionConfig{MonitoringLevel: "intensive"},
	}))

	d := NewDispatcher(dispatcherConfig(), nil, store, &fakeMailer{}, nil, nil, nil)
	d.SetCapabilities(store.caps)
	d.Tick(context.Background())

	if ex := store.execution("e1"); ex.Status != model.ExecutionFailed {
		t.Fatalf("e1 expected failed, got %s", ex.Status)
	}
	if ex := store.execution("e2"); ex.Status != model.ExecutionSucceeded {
		t.Fatalf("e2 expected succeeded, got %s", ex.Status)
	}
	if store.monitoring["jdoe"] != "intensive" {
		t.Fatalf("monitoring level not applied: %v", store.monitoring)
	}
}

func TestDispatcherMissingViolationIsFatal(t *testing.T) {
	store := newFakeExecStore()
	store.addExecution(pendingExecution("e1", "gone", model.Action{Type: model.ActionEmailAlert}))

	d := NewDispatcher(dispatcherConfig(), nil, store, &fakeMailer{}, nil, nil, nil)
	d.Tick(context.Background())

	ex := store.execution("e1")
	if ex.Status != model.ExecutionFailed {
		t.Fatalf("expected failed, got %s", ex.Status)
	}
}

func TestDispatcherDisableAccessScope(t *testing.T) {
	store := newFakeExecStore()
	store.caps = allCaps()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{
		Type:   model.ActionDisableAccess,
		Config: model.ActionConfig{RestrictionScope: "service", Service: "email"},
	}))

	d := NewDispatcher(dispatcherConfig(), nil, store, nil, nil, nil, nil)
	d.SetCapabilities(store.caps)
	d.Tick(context.Background())

	ex := store.execution("e1")
	if ex.Status != model.ExecutionSucceeded {
		t.Fatalf("expected succeeded, got %s (error %q)", ex.Status, ex.Error)
	}
	if store.restrictions["jdoe"] != "service:email" {
		t.Fatalf("expected service-scoped restriction, got %v", store.restrictions)
	}
}

func TestDispatcherImmediateAlertPartialChannels(t *testing.T) {
	store := newFakeExecStore()
	store.caps = allCaps()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{
		Type:   model.ActionImmediateAlert,
		Config: model.ActionConfig{Channels: []string{"email", "inapp"}},
	}))

	// No mailer: the email channel fails, in-app still lands.
	d := NewDispatcher(dispatcherConfig(), nil, store, nil, nil, nil, nil)
	d.SetCapabilities(store.caps)
	d.Tick(context.Background())

	ex := store.execution("e1")
	if ex.Status != model.ExecutionSucceeded {
		t.Fatalf("one live channel must suffice, got %s (error %q)", ex.Status, ex.Error)
	}
	if ex.Result["channel_inapp"] != "ok" {
		t.Fatalf("inapp channel result wrong: %v", ex.Result)
	}
	if ex.Result["channel_email"] == "ok" {
		t.Fatalf("email channel must report failure: %v", ex.Result)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("in-app notification not stored: %v", store.notifications)
	}
}

func TestDispatcherImmediateAlertAllChannelsFailTransient(t *testing.T) {
	store := newFakeExecStore()
	store.violations["v1"] = testViolation().Violation
	store.addExecution(pendingExecution("e1", "v1", model.Action{
		Type:   model.ActionImmediateAlert,
		Config: model.ActionConfig{Channels: []string{"email", "inapp"}},
	}))

	// No mailer and no notifications table: everything fails, so retry.
	d := NewDispatcher(dispatcherConfig(), nil, store, nil, nil, nil, nil)
	d.Tick(context.Background())

	ex := store.execution("e1")
	if ex.Status != model.ExecutionPending || ex.Attempts != 1 {
		t.Fatalf("all-channel failure must be retried, got %s attempts=%d", ex.Status, ex.Attempts)
	}
}

func TestDispatcherRespectsNotBefore(t *testing.T) {
	store := newFakeExecStore()
	store.caps = allCaps()
	store.violations["v1"] = testViolation().Violation
	ex := pendingExecution("e1", "v1", model.Action{
		Type:   model.ActionEmailAlert,
		Config: model.ActionConfig{Recipients: []string{"security@corp.test"}},
	})
	ex.NotBefore = time.Now().UTC().Add(time.Hour)
	store.addExecution(ex)

	d := NewDispatcher(dispatcherConfig(), nil, store, &fakeMailer{}, nil, nil, nil)
	d.SetCapabilities(store.caps)
	if n := d.Tick(context.Background()); n != 0 {
		t.Fatalf("delayed execution must not run before not_before, processed %d", n)
	}
	if got := store.execution("e1"); got.Status != model.ExecutionPending {
		t.Fatalf("expected still pending, got %s", got.Status)
	}
}
