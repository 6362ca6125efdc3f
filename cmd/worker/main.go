// Package main runs the clip archive worker: it copies clip binaries from the
// clipping backend into S3.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zclipper/console/config"
	"github.com/zclipper/console/internal/archive"
	"github.com/zclipper/console/internal/auth"
	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/gallery"
	"github.com/zclipper/console/internal/state"
	"github.com/zclipper/console/pkg/database"
	"github.com/zclipper/console/pkg/queue"
	"github.com/zclipper/console/pkg/redis"
	"github.com/zclipper/console/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	if cfg.Redis.Addr == "" {
		logger.Fatal("REDIS_ADDR is required for the archive worker")
	}
	if cfg.AWS.Region == "" {
		logger.Fatal("AWS_REGION is required for the archive worker")
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ClipsBucket:          cfg.AWS.ClipsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	// The gallery is optional; without it archive results are only logged.
	var marker archive.Marker
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		marker = gallery.NewRepository(pool)
	}

	creds := auth.NewProvider(cfg.Auth, state.NewRedis(rdb.Client), clock.Real(), logger)
	client, err := backend.New(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		RequestTimeout: cfg.Backend.RequestTimeout,
		Credentials:    creds,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("backend client", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := archive.NewProcessor(client, s3Client, marker, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("archive worker started", zap.String("bucket", s3Client.Bucket()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(queue.PopTimeout + 2*time.Second):
		logger.Warn("archive worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
