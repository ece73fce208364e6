// herdcast-api serves the HTTP API: dataset uploads, scenario management,
// forecast job creation and the websocket progress stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/herdcast/herdcast/internal/api"
	"github.com/herdcast/herdcast/internal/config"
	"github.com/herdcast/herdcast/internal/logging"
	"github.com/herdcast/herdcast/internal/queue"
	"github.com/herdcast/herdcast/internal/storage/object"
	"github.com/herdcast/herdcast/internal/storage/postgres"
)

func main() {
	cfg := config.MustLoad()
	log := logging.MustNew(logging.Config{
		ServiceName: cfg.ServiceName + "-api",
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

	server := api.NewServer(cfg, log, store, objects, rdb)
	if err := server.Start(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
