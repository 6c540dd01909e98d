package audit

import (
	"sync"
	"time"
)

type Kind string

const (
	KindViolationRecorded   Kind = "violation_recorded"
	KindPolicyMatched       Kind = "policy_matched"
	KindExecutionsScheduled Kind = "executions_scheduled"
	KindExecutionSucceeded  Kind = "execution_succeeded"
	KindExecutionFailed     Kind = "execution_failed"
	KindExecutionRetried    Kind = "execution_retried"
	KindExecutionDegraded   Kind = "execution_degraded"
	KindAnalysisFlush       Kind = "analysis_flush"
)

type Entry struct {
	Timestamp   time.Time         `json:"timestamp"`
	Kind        Kind              `json:"kind"`
	ViolationID string            `json:"violation_id,omitempty"`
	PolicyID    string            `json:"policy_id,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
}

// Trail is a bounded in-memory ring of engine events. Oldest entries are
// dropped once the limit is reached; the execution table is the durable
// record, the trail is the operational view.
type Trail struct {
	mu    sync.RWMutex
	buf   []Entry
	limit int
}

func NewTrail(limit int) *Trail {
	if limit <= 0 {
		limit = 1000
	}
	return &Trail{limit: limit}
}

func (t *Trail) Add(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) < t.limit {
		t.buf = append(t.buf, entry)
		return
	}
	copy(t.buf, t.buf[1:])
	t.buf[len(t.buf)-1] = entry
}

func (t *Trail) List(limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.buf) {
		limit = len(t.buf)
	}
	out := make([]Entry, 0, limit)
	start := len(t.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(t.buf); i++ {
		out = append(out, t.buf[i])
	}
	return out
}

func (t *Trail) Since(ts time.Time) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range t.buf {
		if !e.Timestamp.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (t *Trail) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = nil
}
