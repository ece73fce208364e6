// herdcast-worker consumes the forecast job queue, executes Monte Carlo
// simulations and stores results and exports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/bus"
	"github.com/herdcast/herdcast/internal/config"
	"github.com/herdcast/herdcast/internal/forecast"
	"github.com/herdcast/herdcast/internal/jobs"
	"github.com/herdcast/herdcast/internal/logging"
	"github.com/herdcast/herdcast/internal/queue"
	"github.com/herdcast/herdcast/internal/storage/object"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

func main() {
	cfg := config.MustLoad()
	log := logging.MustNew(logging.Config{
		ServiceName: cfg.ServiceName + "-worker",
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect postgres", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	rdb, err := queue.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("connect redis", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	objects, err := object.New(ctx, object.Config{
		Endpoint:       cfg.S3Endpoint,
		Region:         cfg.S3Region,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		UsePathStyle:   cfg.S3UsePathStyle,
		DatasetsBucket: cfg.DatasetsBucket,
		ResultsBucket:  cfg.ResultsBucket,
		ExportsBucket:  cfg.ExportsBucket,
	}, log)
	if err != nil {
		log.Error("create object store", zap.Error(err))
		os.Exit(1)
	}

	runner := forecast.NewRunner(forecast.RunnerConfig{
		ParallelEnabled:   cfg.MCParallelEnabled,
		MaxProcesses:      cfg.MCMaxProcesses,
		BatchSize:         cfg.MCBatchSize,
		SimulationVersion: cfg.SimulationVersion,
	}, log)

	q := queue.New(rdb, cfg.QueueName)
	progressBus := bus.New(rdb, log)
	pipeline := jobs.NewPipeline(store, objects, progressBus, runner, log)
	supervisor := jobs.NewSupervisor(store, q, pipeline, cfg.StuckJobTimeout(), log)

	log.Info("worker starting",
		zap.String("queue", cfg.QueueName),
		zap.Int("mc_max_processes", cfg.MCMaxProcesses))
	if err := supervisor.Run(ctx); err != nil {
		log.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}
