package metrics

import (
	"sync"
	"time"
)

const (
	ViolationsRecorded  = "violations_recorded"
	PoliciesMatched     = "policies_matched"
	ExecutionsScheduled = "executions_scheduled"
	ExecutionsSucceeded = "executions_succeeded"
	ExecutionsFailed    = "executions_failed"
	ExecutionsRetried   = "executions_retried"
	ExecutionsDegraded  = "executions_degraded"
	AnalysisBatches     = "analysis_batches"
	AnalysisSubjects    = "analysis_subjects"
	AnalysisErrors      = "analysis_errors"
	IngestDropped       = "ingest_dropped"
)

// Store holds engine counters for the operational API.
type Store struct {
	mu        sync.RWMutex
	counters  map[string]int64
	updatedAt map[string]time.Time
}

func NewStore() *Store {
	return &Store{
		counters:  make(map[string]int64),
		updatedAt: make(map[string]time.Time),
	}
}

func (s *Store) Inc(name string) {
	s.Add(name, 1)
}

func (s *Store) Add(name string, delta int64) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	s.updatedAt[name] = time.Now().UTC()
}

func (s *Store) Get(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

func (s *Store) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counters))
	for name, v := range s.counters {
		out[name] = v
	}
	return out
}

func (s *Store) UpdatedAt(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.updatedAt[name]
	return ts, ok
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
	s.updatedAt = make(map[string]time.Time)
}
