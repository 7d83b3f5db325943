package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cohort-data/internal/config"
	"cohort-data/internal/database"
	"cohort-data/internal/jobs"
	"cohort-data/internal/logger"
	"cohort-data/internal/registry"
	"cohort-data/internal/report"
	"cohort-data/internal/repository"
	"cohort-data/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const sweepBatchSize = 250

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "cohort-data")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	store := repository.NewPostgresStore(db)
	client := registry.NewHTTPClient(cfg.Registry.BaseURL, cfg.Registry.APIKey, cfg.Registry.Timeout, log)
	reporter := report.NewZapReporter(log)

	queue := jobs.NewQueue(redisClient)
	enqueuer := jobs.NewQueueEnqueuer(queue)

	merger := service.NewMergeService(store, log)
	cascade := service.NewCascadeService(store, client, enqueuer, reporter, merger, log)
	matcher := service.NewMatcherService(store, enqueuer, log)
	commit := service.NewCommitService(store, enqueuer, merger, log)
	sweep := service.NewSweepService(store, client, enqueuer, log, sweepBatchSize)
	importer := service.NewImporterService(store, cascade, enqueuer, log, cfg.Jobs.SlowImportThreshold)

	worker := jobs.NewWorker(queue, cascade, matcher, commit, sweep, importer, jobs.WorkerConfig{
		Workers:        cfg.Jobs.Workers,
		MaxRetries:     cfg.Jobs.MaxRetries,
		RetryBaseDelay: cfg.Jobs.RetryBaseDelay,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)
	go runSweepTicker(ctx, enqueuer, cfg.Jobs.SweepInterval, log)

	log.Info("cohort-data started",
		zap.Int("workers", cfg.Jobs.Workers),
		zap.Duration("sweep_interval", cfg.Jobs.SweepInterval),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	time.Sleep(time.Second)
}

// runSweepTicker periodically enqueues a reconciliation sweep so records
// that never resolved an NHS number get retried.
func runSweepTicker(ctx context.Context, enqueuer *jobs.QueueEnqueuer, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := enqueuer.EnqueueSweep(ctx); err != nil {
				log.Error("failed to enqueue sweep", zap.Error(err))
			}
		}
	}
}
