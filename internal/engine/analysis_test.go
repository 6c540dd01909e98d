package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commguard/internal/model"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	subjects []string
	failFor  map[string]bool
}

func (a *fakeAnalyzer) Analyze(_ context.Context, subject string) (model.AnalysisResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	if a.failFor[subject] {
		return model.AnalysisResult{}, errors.New("analyzer down")
	}
	return model.AnalysisResult{RiskScore: 10}, nil
}

func (a *fakeAnalyzer) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.subjects))
	copy(out, a.subjects)
	return out
}

func TestEnqueueDeduplicatesSubjects(t *testing.T) {
	an := &fakeAnalyzer{}
	q := NewAnalysisQueue(an, nil, nil, nil, 10, time.Minute)

	if !q.Enqueue("jdoe", "dlp") {
		t.Fatalf("first enqueue must register")
	}
	if q.Enqueue("jdoe", "email") {
		t.Fatalf("duplicate enqueue must be a no-op")
	}
	q.Enqueue("asmith", "dlp")
	if q.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", q.Len())
	}

	if n := q.Flush(context.Background()); n != 2 {
		t.Fatalf("expected flush of 2, got %d", n)
	}
	calls := an.calls()
	if len(calls) != 2 || calls[0] != "jdoe" || calls[1] != "asmith" {
		t.Fatalf("expected ordered single calls, got %v", calls)
	}
	if q.Len() != 0 {
		t.Fatalf("queue must be empty after flush")
	}
}

func TestFlushBoundedByBatchSize(t *testing.T) {
	an := &fakeAnalyzer{}
	q := NewAnalysisQueue(an, nil, nil, nil, 2, time.Minute)
	q.Enqueue("a", "s")
	q.Enqueue("b", "s")
	q.Enqueue("c", "s")

	if n := q.Flush(context.Background()); n != 2 {
		t.Fatalf("expected batch of 2, got %d", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
	if n := q.Flush(context.Background()); n != 1 {
		t.Fatalf("expected final batch of 1, got %d", n)
	}
}

func TestFlushIsolatesSubjectFailures(t *testing.T) {
	an := &fakeAnalyzer{failFor: map[string]bool{"a": true}}
	q := NewAnalysisQueue(an, nil, nil, nil, 10, time.Minute)
	q.Enqueue("a", "s")
	q.Enqueue("b", "s")

	q.Flush(context.Background())
	calls := an.calls()
	if len(calls) != 2 {
		t.Fatalf("failure for one subject must not block the next, got %v", calls)
	}
	// Failed subjects are not re-queued; the next violation re-enqueues.
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	if !q.Enqueue("a", "s") {
		t.Fatalf("subject must be enqueueable again after flush")
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	q := NewAnalysisQueue(&fakeAnalyzer{}, nil, nil, nil, 5, time.Minute)
	if n := q.Flush(context.Background()); n != 0 {
		t.Fatalf("empty flush must return 0, got %d", n)
	}
}
