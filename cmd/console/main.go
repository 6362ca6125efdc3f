// Package main runs the creator console: the live session controller, the
// dashboard API and the viewer socket, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zclipper/console/config"
	"github.com/zclipper/console/internal/auth"
	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/cache"
	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/console"
	"github.com/zclipper/console/internal/gallery"
	"github.com/zclipper/console/internal/livesync"
	"github.com/zclipper/console/internal/middleware"
	"github.com/zclipper/console/internal/notify"
	"github.com/zclipper/console/internal/realtime"
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

	ctx := context.Background()
	clk := clock.Real()

	// Redis backs shared state, caching, relay fan-out and the archive queue.
	// Without it the console runs single-instance with in-memory state.
	var (
		store     state.Store = state.NewMemory()
		listCache cache.Cache = cache.NewMemory(cfg.Backend.CacheTTL, clk)
		relayPub  realtime.RedisPublisher
		relaySub  realtime.RedisSubscriber
		jobQueue  *queue.Queue
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		store = state.NewRedis(rdb.Client)
		listCache = cache.NewRedis(rdb.Client, cfg.Backend.CacheTTL, logger)
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		relayPub, relaySub = pubsub, pubsub
		jobQueue = queue.NewQueue(rdb.Client, logger)
	} else {
		logger.Warn("REDIS_ADDR not set: state is in-memory and clip archive is disabled")
	}

	var clipGallery *gallery.Repository
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		clipGallery = gallery.NewRepository(pool)
	}

	var clipStorage *storage.S3
	if cfg.AWS.Region != "" {
		clipStorage, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ClipsBucket:          cfg.AWS.ClipsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			clipStorage = nil
		}
	}

	creds := auth.NewProvider(cfg.Auth, store, clk, logger)
	client, err := backend.New(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		WSURL:          cfg.Backend.WSURL,
		RequestTimeout: cfg.Backend.RequestTimeout,
		Credentials:    creds,
		Cache:          listCache,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("backend client", zap.Error(err))
	}

	strategy, err := livesync.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		logger.Fatal("sync strategy", zap.Error(err))
	}

	hub := realtime.NewHub(logger, relayPub, relaySub)
	hub.SetViewerChangeHandler(func(sessionID string, count int) {
		logger.Debug("dashboard viewers", zap.String("session_id", sessionID), zap.Int("count", count))
	})
	recent := notify.NewRecorder(50)

	deps := console.Deps{
		Backend:       client,
		Hub:           hub,
		Notifications: recent,
		Logger:        logger,
	}
	var clipStore console.ClipStore
	if clipGallery != nil {
		clipStore = clipGallery
		deps.Gallery = clipGallery
	}
	var archiver console.Archiver
	if jobQueue != nil {
		archiver = jobQueue
		deps.Archiver = jobQueue
	}
	if clipStorage != nil {
		deps.ArchiveLinks = clipStorage
	}
	sink := console.NewSink(hub, clipStore, archiver, cfg.Archive.Auto, logger)

	manager := livesync.NewManager(livesync.Options{
		Strategy:             strategy,
		Backend:              client,
		Dialer:               realtime.NewWebsocketDialer(),
		Clock:                clk,
		Notifier:             notify.Multi{notify.NewLog(logger), hub, recent},
		Logger:               logger,
		OnView:               sink.OnView,
		OnClips:              sink.OnClips,
		PollInterval:         cfg.Sync.PollInterval,
		RequestTimeout:       cfg.Backend.RequestTimeout,
		ProbeTimeout:         cfg.Sync.HealthProbeTimeout,
		ConnectTimeout:       cfg.Sync.ConnectTimeout,
		ReconnectDelay:       cfg.Sync.ReconnectDelay,
		MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
	}, store)
	deps.Live = manager

	if ctrl, err := manager.Resume(ctx); err == nil {
		logger.Info("resumed live session", zap.String("session_id", ctrl.SessionID()))
	} else if !errors.Is(err, livesync.ErrNoSession) {
		logger.Warn("resume live session", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	console.NewHandler(deps).Mount(router)

	// No WriteTimeout: proxied clip downloads stream for longer than any API call.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("console listening", zap.String("port", cfg.Server.Port), zap.String("backend", cfg.Backend.BaseURL), zap.Stringer("strategy", strategy))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	manager.Close()
	sink.Wait()
	logger.Info("console stopped")
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
