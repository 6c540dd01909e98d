package ingest

import (
	"context"
	"log/slog"
	"time"

	"commguard/internal/metrics"
	"commguard/internal/model"
)

// SendNonBlocking hands a violation to the engine channel without ever
// stalling a connector. A full channel drops the violation and counts it.
func SendNonBlocking(ctx context.Context, out chan<- model.Violation, v model.Violation, logger *slog.Logger, metricsStore *metrics.Store) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	default:
		if metricsStore != nil {
			metricsStore.Inc(metrics.IngestDropped)
		}
		if logger != nil {
			logger.Warn("violation channel full, dropping report", "subject", v.Subject, "source", v.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
