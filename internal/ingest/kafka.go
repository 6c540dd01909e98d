package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"commguard/internal/config"
	"commguard/internal/metrics"
	"commguard/internal/model"
	"commguard/internal/normalize"
)

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Violation, logger *slog.Logger, metricsStore *metrics.Store) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			var rep normalize.Report
			if err := json.Unmarshal(m.Value, &rep); err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "err", err, "offset", m.Offset)
				}
				continue
			}
			if rep.Source == "" {
				rep.Source = "kafka"
			}
			v, err := normalize.Normalize(rep, cfg.Get().Ingest, time.Now().UTC())
			if err != nil {
				if logger != nil {
					logger.Warn("kafka normalize error", "err", err, "offset", m.Offset)
				}
				continue
			}
			SendNonBlocking(ctx, out, v, logger, metricsStore)
		}
	}()
}
