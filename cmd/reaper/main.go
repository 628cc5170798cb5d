package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/ackretry"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/cron"
	"github.com/pixmint/credits-backend/internal/devices"
	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/internal/purchases"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/bigquery"
	"github.com/pixmint/credits-backend/pkg/config"
	"github.com/pixmint/credits-backend/pkg/db"
	"github.com/pixmint/credits-backend/pkg/fcm"
	"github.com/pixmint/credits-backend/pkg/gauth"
	"github.com/pixmint/credits-backend/pkg/googleplay"
	"github.com/pixmint/credits-backend/pkg/logger"
	"github.com/pixmint/credits-backend/pkg/metrics"
	"github.com/pixmint/credits-backend/pkg/migrate"
	"github.com/pixmint/credits-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "reaper"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "reaper"

	logg = logger.New(logger.Options{
		ServiceName: "reaper",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	bootCtx := context.Background()

	dbClient, err := db.New(bootCtx, cfg.DB, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(bootCtx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(bootCtx, cfg, logg, dbClient); err != nil {
		logg.Error(bootCtx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(bootCtx, cfg.Redis, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(bootCtx, "error closing redis", err)
		}
	}()

	bigqueryClient, err := bigquery.NewClient(bootCtx, cfg.Google, cfg.BigQuery, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to bootstrap bigquery", err)
		os.Exit(1)
	}
	defer func() {
		if err := bigqueryClient.Close(); err != nil {
			logg.Error(bootCtx, "error closing bigquery", err)
		}
	}()

	tokens, err := gauth.NewTokenSource(cfg.Google, redisClient, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to create google token source", err)
		os.Exit(1)
	}

	playClient, err := googleplay.NewClient(bootCtx, cfg.Play, tokens, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to create play client", err)
		os.Exit(1)
	}

	fcmClient, err := fcm.NewClient(bootCtx, cfg.Google.ProjectID, cfg.FCM, tokens, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to create fcm client", err)
		os.Exit(1)
	}

	accountRepo := accounts.NewRepository(dbClient.DB())
	operationRepo := operations.NewRepository(dbClient.DB())
	purchaseRepo := purchases.NewRepository(dbClient.DB())
	deviceRepo := devices.NewRepository(dbClient.DB())
	auditRepo := audit.NewRepository(dbClient.DB())
	ackRetryRepo := ackretry.NewRepository(dbClient.DB())

	pusher, err := pushsync.NewService(pushsync.ServiceParams{
		Logger:  logg,
		Devices: deviceRepo,
		Sender:  fcmClient,
		Metrics: metrics.NewPushMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(bootCtx, "failed to create push service", err)
		os.Exit(1)
	}

	refundSweep, err := cron.NewRefundSweepJob(cron.RefundSweepJobParams{
		Logger:         logg,
		DB:             dbClient,
		Operations:     operationRepo,
		Accounts:       accountRepo,
		Audit:          auditRepo,
		Pusher:         pusher,
		StuckThreshold: cfg.Reaper.StuckThreshold,
	})
	if err != nil {
		logg.Error(bootCtx, "failed to create refund sweep job", err)
		os.Exit(1)
	}

	archive, err := cron.NewArchiveJob(cron.ArchiveJobParams{
		Logger:     logg,
		Operations: operationRepo,
		Inserter:   bigqueryClient,
		Table:      bigqueryClient.ArchiveTable(),
		Retention:  cfg.Reaper.Retention(),
		BatchSize:  cfg.Reaper.ArchiveBatchSize,
	})
	if err != nil {
		logg.Error(bootCtx, "failed to create archive job", err)
		os.Exit(1)
	}

	ackRetry, err := cron.NewAckRetryJob(cron.AckRetryJobParams{
		Logger:      logg,
		AckRetries:  ackRetryRepo,
		Purchases:   purchaseRepo,
		Audit:       auditRepo,
		Play:        playClient,
		MaxAttempts: cfg.Reaper.AckMaxAttempts,
		BatchSize:   cfg.Reaper.AckBatchSize,
	})
	if err != nil {
		logg.Error(bootCtx, "failed to create ack retry job", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry()
	registry.Register(refundSweep)
	registry.Register(archive)
	registry.Register(ackRetry)

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("reaper"), 0)
	if err != nil {
		logg.Error(bootCtx, "failed to create reaper lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Reaper.Interval,
	})
	if err != nil {
		logg.Error(bootCtx, "failed to create reaper service", err)
		os.Exit(1)
	}

	go serveMetrics(bootCtx, cfg, logg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting reaper")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "reaper stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "reaper shutting down gracefully")
}

func serveMetrics(ctx context.Context, cfg *config.Config, logg *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.App.Port
	logg.Info(logg.WithField(ctx, "addr", addr), "serving reaper metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "metrics listener stopped", err)
	}
}
