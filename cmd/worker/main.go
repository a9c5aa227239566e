// Package main runs the campaign worker: queue consumer, recipient dispatch and delivery audit.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplify-ai/campaign-mailer/config"
	"github.com/simplify-ai/campaign-mailer/internal/deliverylogs"
	"github.com/simplify-ai/campaign-mailer/internal/dispatch"
	"github.com/simplify-ai/campaign-mailer/internal/mailer"
	"github.com/simplify-ai/campaign-mailer/internal/metrics"
	"github.com/simplify-ai/campaign-mailer/internal/validator"
	"github.com/simplify-ai/campaign-mailer/internal/worker"
	"github.com/simplify-ai/campaign-mailer/pkg/database"
	"github.com/simplify-ai/campaign-mailer/pkg/queue"
	"github.com/simplify-ai/campaign-mailer/pkg/redis"
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

	smtp, err := mailer.NewSMTP(ctx, mailer.SMTPConfig{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		Username:    cfg.Email.SMTPUser,
		Password:    cfg.Email.SMTPPass,
		PoolSize:    cfg.Email.PoolSize,
		FromName:    cfg.Email.FromName,
		FromAddress: cfg.Email.FromAddress,
		SendTimeout: cfg.Email.SendTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("smtp", zap.Error(err))
	}
	defer smtp.Close()

	metrics.Register()
	deliveries := deliverylogs.NewRepository(pool)

	bus := queue.NewEventBus(rdb.Duplicate("events"), queue.EventsChannel, logger)
	worker.RegisterLifecycleHandlers(bus, deliveries, logger)
	jobQueue := queue.NewQueue(rdb.Duplicate("queue"), queue.QueueCampaigns, logger,
		queue.WithEvents(bus),
		queue.WithLockDuration(cfg.Queue.LockDuration))

	mx := validator.NewMXValidator(net.DefaultResolver, cfg.Validator.LookupTimeout, cfg.Validator.CacheTTL, logger)
	dispatcher := dispatch.NewDispatcher(smtp, mx, deliveries, logger,
		dispatch.WithConcurrency(cfg.Dispatch.Concurrency),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			Step:        cfg.Dispatch.RetryStep,
			Max:         cfg.Dispatch.RetryMax,
		}))
	processor := worker.NewCampaignProcessor(jobQueue, dispatcher, logger,
		worker.WithStalledInterval(cfg.Queue.StalledInterval))

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started", zap.Int("concurrency", cfg.Dispatch.Concurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	jobQueue.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		// The abandoned job's lock expires and another worker picks it up as stalled.
		logger.Warn("in-flight campaign did not finish before shutdown timeout")
	}

	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown", zap.Error(err))
		}
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
