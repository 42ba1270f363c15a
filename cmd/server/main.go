// Package main runs the live engine HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/api"
	"github.com/aura-live/backend/internal/archive"
	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/engine"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/presence"
	"github.com/aura-live/backend/internal/realtime"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/response"
	"github.com/aura-live/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		ApplicationName: "live-server",
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Archive: jobs go to the worker, reads come straight from Postgres.
	archiveRepo := archive.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	enqueuer := archive.NewEnqueuer(jobQueue, logger.Named("archive"))
	revenueReader := archive.NewRevenueReader(archiveRepo)

	var transcripts api.TranscriptLinker
	if cfg.AWS.TranscriptsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			TranscriptsBucket:    cfg.AWS.TranscriptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled, transcript links unavailable", zap.Error(err))
		} else {
			transcripts = archive.NewTranscriptLinker(archiveRepo, s3Client, s3Client.TranscriptsBucket(), s3Client.PresignExpire())
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger.Named("hub"), redisPubSub, redisPubSub)

	eng := engine.New(engine.Config{
		Presence: presence.Config{
			HeartbeatTimeout: cfg.Engine.HeartbeatTimeout,
			SweepInterval:    cfg.Engine.SweepInterval,
		},
		Chat: chat.Config{
			MaxBodyLength: cfg.Engine.ChatMaxBodyLength,
			RateLimit:     cfg.Engine.ChatRateLimit,
			RateWindow:    cfg.Engine.ChatRateWindow,
		},
		SnapshotInterval:   cfg.Engine.SnapshotInterval,
		StalePendingAge:    cfg.Engine.StalePendingAge,
		StaleCheckInterval: cfg.Engine.StaleCheckInterval,
		Retention:          cfg.Engine.Retention,
		JanitorInterval:    cfg.Engine.JanitorInterval,
		ArchiveTimeout:     cfg.Engine.ArchiveTimeout,
		SettledRetention:   cfg.Engine.SettledRetention,
	}, hub, enqueuer, revenueReader, clockwork.NewRealClock(), logger.Named("engine"))

	if cfg.Payments.WebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET not set, payment callbacks will be rejected")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RateLimit(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst, clockwork.NewRealClock()))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Ready(ctx); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.NewHandler(eng, archiveRepo, transcripts, logger.Named("api")).
		Register(router, middleware.JWT(jwtService), cfg.Payments.WebhookSecret)

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, eng, logger.Named("ws"), jwtService.ValidateToken))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go hub.Run(runCtx)
	go eng.Run(runCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	runCancel()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
