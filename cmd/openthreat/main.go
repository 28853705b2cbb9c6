// Package main is the entry point for the openthreat ingestion service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openthreat/openthreat/internal/fetcher"
	"github.com/openthreat/openthreat/internal/llm"
	"github.com/openthreat/openthreat/internal/merger"
	"github.com/openthreat/openthreat/internal/pipeline"
	"github.com/openthreat/openthreat/internal/scheduler"
	"github.com/openthreat/openthreat/internal/stats"
	"github.com/openthreat/openthreat/internal/store"
	"github.com/openthreat/openthreat/internal/worker"
	"github.com/openthreat/openthreat/pkg/config"
	"github.com/openthreat/openthreat/pkg/database"
	"github.com/openthreat/openthreat/pkg/kafka"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
	"github.com/openthreat/openthreat/pkg/telemetry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Registered with the pool but never scheduled; full-catalog backfills are
// triggered manually.
const jobFetchNVDComplete = "fetch-nvd-complete"

// Unprocessed rows pulled from the catalog per drain-new fire.
const llmBackfillLimit = 100

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log = log.WithService("openthreat")

	log.Info("starting openthreat service",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"env", cfg.Env,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	provider, err := telemetry.NewProvider(&telemetry.Config{
		ServiceName:    "openthreat",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.Telemetry.Enabled,
		ExporterType:   telemetry.ExporterType(cfg.Telemetry.Exporter),
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		OTLPInsecure:   cfg.IsDevelopment(),
		SampleRate:     cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	// Database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("connected to database")

	st := store.New(db, log)

	// Kafka producer; nil when no brokers are configured
	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	defer producer.Close()
	if producer != nil {
		log.Info("connected to Kafka", "brokers", cfg.Kafka.Brokers)
	}

	// LLM enrichment
	queue := llm.NewQueue()
	generator := llm.NewOllamaClient(cfg.LLM, log)
	drainer := llm.NewDrainer(queue, st, generator, cfg.LLM.Enabled, cfg.Worker.Concurrency, log)
	if !cfg.LLM.Enabled {
		log.Info("llm enrichment disabled, drains will be no-ops")
	}

	// Ingestion pipeline
	mrg := merger.New(st, queue, producer, log)
	pipe := pipeline.New(st, mrg, log)
	refresher := stats.NewRefresher(st, log)

	fetchers := []fetcher.Fetcher{
		fetcher.NewNVDRecent(cfg.NVD, log),
		fetcher.NewNVDComplete(cfg.NVD, log),
		fetcher.NewKEV(cfg.NVD, cfg.CISA.RequestTimeout, log),
		fetcher.NewBSI(cfg.BSI, log),
	}

	// Task registry: Redis when configured, in-memory otherwise
	var registry worker.Registry
	if cfg.Redis.URL != "" {
		redisRegistry, err := worker.NewRedisRegistry(ctx, cfg.Redis.URL, cfg.Redis.MaxRetries)
		if err != nil {
			return fmt.Errorf("failed to connect task registry: %w", err)
		}
		registry = redisRegistry
		log.Info("using redis task registry")
	} else {
		registry = worker.NewMemoryRegistry()
		log.Info("using in-memory task registry")
	}

	pool := worker.NewPool(cfg.Worker, registry, log)
	registerJobs(pool, pipe, fetchers, refresher, drainer, st)

	pool.Start(ctx)
	log.Info("worker pool started", "concurrency", cfg.Worker.Concurrency)

	sched := scheduler.New(pool, st, log)
	if err := sched.RegisterDefaults(); err != nil {
		return fmt.Errorf("failed to register schedules: %w", err)
	}
	sched.Start(ctx)
	log.Info("scheduler started", "jobs", len(scheduler.DefaultSpecs))

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	<-shutdown
	log.Info("shutdown signal received")

	sched.Stop()
	pool.Stop()
	cancel()

	log.Info("openthreat service shutdown complete")
	return nil
}

// registerJobs binds every job name the scheduler (or a manual trigger) can
// fire to its handler.
func registerJobs(
	pool *worker.Pool,
	pipe *pipeline.Pipeline,
	fetchers []fetcher.Fetcher,
	refresher *stats.Refresher,
	drainer *llm.Drainer,
	st *store.Store,
) {
	fetchJobs := map[models.Source]string{
		models.SourceNVDRecent:   scheduler.JobFetchNVDRecent,
		models.SourceNVDComplete: jobFetchNVDComplete,
		models.SourceCISAKEV:     scheduler.JobFetchCISAKEV,
		models.SourceBSICert:     scheduler.JobFetchBSICert,
	}
	for _, f := range fetchers {
		name, ok := fetchJobs[f.Source()]
		if !ok {
			continue
		}
		pool.Register(name, func(ctx context.Context) error {
			return pipe.Run(ctx, f)
		})
	}

	pool.Register(scheduler.JobRefreshStats, refresher.Refresh)

	pool.Register(scheduler.JobCleanCache, func(ctx context.Context) error {
		_, err := st.CleanSearchCache(ctx)
		return err
	})

	// drain-new restores queue state lost to restarts before draining.
	pool.Register(scheduler.JobLLMDrainNew, func(ctx context.Context) error {
		if _, err := drainer.Backfill(ctx, llmBackfillLimit); err != nil {
			return err
		}
		_, err := drainer.Drain(ctx, models.PriorityHigh, llm.DrainBatchSizes[models.PriorityHigh])
		return err
	})

	drainJobs := map[string]models.PriorityClass{
		scheduler.JobLLMDrainHigh:   models.PriorityHigh,
		scheduler.JobLLMDrainMedium: models.PriorityMedium,
		scheduler.JobLLMDrainLow:    models.PriorityLow,
	}
	for name, class := range drainJobs {
		pool.Register(name, func(ctx context.Context) error {
			_, err := drainer.Drain(ctx, class, llm.DrainBatchSizes[class])
			return err
		})
	}
}
