package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/devices"
	"github.com/pixmint/credits-backend/internal/purchases"
	"github.com/pixmint/credits-backend/internal/pushsync"
	googleplaywebhook "github.com/pixmint/credits-backend/internal/webhooks/googleplay"
	"github.com/pixmint/credits-backend/pkg/config"
	"github.com/pixmint/credits-backend/pkg/db"
	"github.com/pixmint/credits-backend/pkg/fcm"
	"github.com/pixmint/credits-backend/pkg/gauth"
	"github.com/pixmint/credits-backend/pkg/logger"
	"github.com/pixmint/credits-backend/pkg/metrics"
	"github.com/pixmint/credits-backend/pkg/migrate"
	"github.com/pixmint/credits-backend/pkg/pubsub"
	"github.com/pixmint/credits-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "rtdn-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "rtdn-worker"

	logg = logger.New(logger.Options{
		ServiceName: "rtdn-worker",
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

	pubsubClient, err := pubsub.NewClient(bootCtx, cfg.Google, cfg.PubSub, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(bootCtx, "error closing pubsub", err)
		}
	}()

	tokens, err := gauth.NewTokenSource(cfg.Google, redisClient, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to create google token source", err)
		os.Exit(1)
	}

	fcmClient, err := fcm.NewClient(bootCtx, cfg.Google.ProjectID, cfg.FCM, tokens, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to create fcm client", err)
		os.Exit(1)
	}

	deviceRepo := devices.NewRepository(dbClient.DB())
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

	webhookService, err := googleplaywebhook.NewService(googleplaywebhook.ServiceParams{
		Logger:      logg,
		DB:          dbClient,
		Purchases:   purchases.NewRepository(dbClient.DB()),
		Accounts:    accounts.NewRepository(dbClient.DB()),
		Audit:       audit.NewRepository(dbClient.DB()),
		Idempotency: redisClient,
		Pusher:      pusher,
	})
	if err != nil {
		logg.Error(bootCtx, "failed to create webhook service", err)
		os.Exit(1)
	}

	consumer, err := googleplaywebhook.NewConsumer(pubsubClient.RTDNSubscription(), webhookService, logg)
	if err != nil {
		logg.Error(bootCtx, "failed to create rtdn consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting rtdn worker")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "rtdn worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "rtdn worker shutting down gracefully")
}
