package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"commguard/internal/analyzer"
	"commguard/internal/api"
	"commguard/internal/audit"
	"commguard/internal/config"
	"commguard/internal/engine"
	"commguard/internal/ingest"
	"commguard/internal/logging"
	"commguard/internal/metrics"
	"commguard/internal/model"
	"commguard/internal/notify"
	"commguard/internal/storage"
)

const version = "0.4.0"

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("commguard", version)
		return
	}

	var mgr *config.Manager
	if *configPath != "" {
		m, err := config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		mgr = m
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("commguard starting", "version", version, "config", mgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}

	seedPolicies(ctx, cfg, store, logger)

	trail := audit.NewTrail(cfg.Audit.StoreLimit)
	metricsStore := metrics.NewStore()
	directory := engine.NewStaticDirectory(cfg.Directory)
	mailer := notify.NewMailer(cfg.Mail)

	matcher := engine.NewMatcher(logging.Component(logger, "matcher"))
	if err := matcher.Reload(ctx, store); err != nil {
		logger.Error("policy load failed", "err", err)
		os.Exit(1)
	}

	var queue *engine.AnalysisQueue
	if client := analyzer.NewClient(cfg.Analysis); client != nil {
		queue = engine.NewAnalysisQueue(client,
			logging.Component(logger, "analysis"), trail, metricsStore,
			cfg.Analysis.BatchSize, cfg.Analysis.FlushInterval)
		queue.Start(ctx)
	} else {
		logger.Info("behavioral analysis disabled")
	}

	eng := engine.NewEngine(cfg, logging.Component(logger, "engine"),
		store, matcher, trail, metricsStore, queue, directory)
	dispatcher := engine.NewDispatcher(cfg, logging.Component(logger, "dispatcher"),
		store, mailer, directory, trail, metricsStore)

	violations := make(chan model.Violation, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, violations)
	dispatcher.Start(ctx)

	ingest.StartREST(ctx, mgr, violations, logging.Component(logger, "ingest.rest"), metricsStore)
	ingest.StartKafka(ctx, mgr, violations, logging.Component(logger, "ingest.kafka"), metricsStore)
	api.Start(ctx, mgr, store, metricsStore, trail, eng, logging.Component(logger, "api"), version)

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second,
			func(next *config.Config) {
				logger.Info("config reloaded", "path", mgr.Path())
				eng.UpdateConfig(next)
				dispatcher.UpdateConfig(next)
				seedPolicies(ctx, next, store, logger)
				if err := eng.RefreshPolicies(ctx); err != nil {
					logger.Error("policy refresh after reload failed", "err", err)
				}
			},
			func(err error) {
				logger.Error("config reload failed", "err", err)
			},
			ctx.Done())
	}

	<-ctx.Done()
	logger.Info("commguard stopping")
}

// seedPolicies upserts config-declared policies so file-managed and
// API-managed policies live in the same table.
func seedPolicies(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) {
	seeded := 0
	for _, p := range cfg.Policies {
		p = engine.NormalizePolicy(p, uuid.NewString)
		if err := engine.ValidatePolicy(p); err != nil {
			logger.Warn("config policy rejected", "policy", p.Name, "err", err)
			continue
		}
		if err := store.UpsertPolicy(ctx, p); err != nil {
			logger.Warn("config policy upsert failed", "policy", p.Name, "err", err)
			continue
		}
		seeded++
	}
	if seeded > 0 {
		logger.Info("config policies seeded", "count", seeded)
	}
}
