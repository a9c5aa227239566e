// Package main runs the campaign submission API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplify-ai/campaign-mailer/config"
	"github.com/simplify-ai/campaign-mailer/internal/auth"
	"github.com/simplify-ai/campaign-mailer/internal/campaigns"
	"github.com/simplify-ai/campaign-mailer/internal/deliverylogs"
	"github.com/simplify-ai/campaign-mailer/internal/metrics"
	"github.com/simplify-ai/campaign-mailer/internal/middleware"
	"github.com/simplify-ai/campaign-mailer/pkg/database"
	"github.com/simplify-ai/campaign-mailer/pkg/queue"
	"github.com/simplify-ai/campaign-mailer/pkg/redis"
	"github.com/simplify-ai/campaign-mailer/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger,
		database.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)})
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.URL, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	metrics.Register()
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Publish-only side of the queue; the worker process consumes.
	jobQueue := queue.NewQueue(rdb, queue.QueueCampaigns, logger)
	campaignHandler := campaigns.NewHandler(jobQueue, logger)
	deliveryHandler := deliverylogs.NewHandler(deliverylogs.NewRepository(pool))

	// Lifecycle events from workers, for operators tailing the API logs.
	events := queue.NewEventBus(rdb.Duplicate("subscriber"), queue.EventsChannel, logger)
	stopEvents, err := events.Subscribe(ctx, func(e queue.Event) {
		logger.Info("campaign event",
			zap.String("event", string(e.Type)),
			zap.String("job_id", e.JobID),
			zap.Int("attempt", e.Attempt),
			zap.String("error", e.Error))
	})
	if err != nil {
		logger.Warn("event subscription disabled", zap.Error(err))
	} else {
		defer stopEvents()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(metrics.GinMiddleware())

	router.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if rdb.Reconnecting() || rdb.Redis().Ping(hctx).Err() != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		if err := pool.Ping(hctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/campaigns", campaignHandler.Submit)
		api.GET("/campaigns/:id", campaignHandler.Status)
		api.GET("/deliveries", deliveryHandler.List)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

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
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
