package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"commguard/internal/audit"
	"commguard/internal/metrics"
	"commguard/internal/model"
)

// Analyzer is the rate-sensitive behavioral/compliance collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, subject string) (model.AnalysisResult, error)
}

// AnalysisQueue decouples ingestion throughput from the analyzer: enqueue
// is non-blocking and deduplicates by subject, and a background flusher
// drains bounded batches on a size or time threshold, calling the
// analyzer sequentially per subject.
type AnalysisQueue struct {
	mu       sync.Mutex
	pending  map[string]string // subject → trigger source
	order    []string
	analyzer Analyzer
	logger   *slog.Logger
	trail    *audit.Trail
	metrics  *metrics.Store

	batchSize     int
	flushInterval time.Duration
	kick          chan struct{}
}

func NewAnalysisQueue(analyzer Analyzer, logger *slog.Logger, trail *audit.Trail, metricsStore *metrics.Store, batchSize int, flushInterval time.Duration) *AnalysisQueue {
	if batchSize <= 0 {
		batchSize = 5
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &AnalysisQueue{
		pending:       make(map[string]string),
		analyzer:      analyzer,
		logger:        logger,
		trail:         trail,
		metrics:       metricsStore,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		kick:          make(chan struct{}, 1),
	}
}

// Enqueue registers a subject for the next analysis batch. Re-enqueueing
// an already queued subject is a no-op; the call never blocks.
func (q *AnalysisQueue) Enqueue(subject, source string) bool {
	if subject == "" {
		return false
	}
	q.mu.Lock()
	if _, dup := q.pending[subject]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[subject] = source
	q.order = append(q.order, subject)
	reached := len(q.order) >= q.batchSize
	q.mu.Unlock()

	if reached {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *AnalysisQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *AnalysisQueue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Flush(ctx)
			case <-q.kick:
				q.Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Flush drains up to one batch and analyzes each subject in turn. One
// subject's failure never blocks the rest of the batch.
func (q *AnalysisQueue) Flush(ctx context.Context) int {
	q.mu.Lock()
	n := len(q.order)
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := make([]string, n)
	copy(batch, q.order[:n])
	q.order = q.order[n:]
	sources := make(map[string]string, n)
	for _, subject := range batch {
		sources[subject] = q.pending[subject]
		delete(q.pending, subject)
	}
	remaining := len(q.order)
	q.mu.Unlock()

	analyzed := 0
	failed := 0
	for _, subject := range batch {
		if ctx.Err() != nil {
			break
		}
		res, err := q.analyzer.Analyze(ctx, subject)
		if err != nil {
			failed++
			if q.metrics != nil {
				q.metrics.Inc(metrics.AnalysisErrors)
			}
			if q.logger != nil {
				q.logger.Warn("behavioral analysis failed",
					"subject", subject, "source", sources[subject], "err", err)
			}
			continue
		}
		analyzed++
		if q.logger != nil {
			q.logger.Debug("behavioral analysis completed",
				"subject", subject, "risk_score", res.RiskScore, "findings", len(res.Findings))
		}
	}
	if q.metrics != nil {
		q.metrics.Inc(metrics.AnalysisBatches)
		q.metrics.Add(metrics.AnalysisSubjects, int64(analyzed))
	}
	if q.trail != nil {
		q.trail.Add(audit.Entry{
			Kind:   audit.KindAnalysisFlush,
			Detail: map[string]string{"batch": itoa(len(batch)), "analyzed": itoa(analyzed), "failed": itoa(failed)},
		})
	}
	if remaining >= q.batchSize {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return len(batch)
}
