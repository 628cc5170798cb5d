package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixmint/credits-backend/api/controllers"
	"github.com/pixmint/credits-backend/api/routes"
	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/ackretry"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/devices"
	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/internal/purchases"
	"github.com/pixmint/credits-backend/internal/pushsync"
	googleplaywebhook "github.com/pixmint/credits-backend/internal/webhooks/googleplay"
	"github.com/pixmint/credits-backend/pkg/config"
	"github.com/pixmint/credits-backend/pkg/db"
	"github.com/pixmint/credits-backend/pkg/fcm"
	"github.com/pixmint/credits-backend/pkg/gauth"
	"github.com/pixmint/credits-backend/pkg/genapi"
	"github.com/pixmint/credits-backend/pkg/googleplay"
	"github.com/pixmint/credits-backend/pkg/logger"
	"github.com/pixmint/credits-backend/pkg/metrics"
	"github.com/pixmint/credits-backend/pkg/migrate"
	"github.com/pixmint/credits-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx := context.Background()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	tokens, err := gauth.NewTokenSource(cfg.Google, redisClient, logg)
	if err != nil {
		logg.Error(ctx, "failed to create google token source", err)
		os.Exit(1)
	}

	playClient, err := googleplay.NewClient(ctx, cfg.Play, tokens, logg)
	if err != nil {
		logg.Error(ctx, "failed to create play client", err)
		os.Exit(1)
	}

	fcmClient, err := fcm.NewClient(ctx, cfg.Google.ProjectID, cfg.FCM, tokens, logg)
	if err != nil {
		logg.Error(ctx, "failed to create fcm client", err)
		os.Exit(1)
	}

	genClient, err := genapi.NewClient(ctx, cfg.GenAPI, logg)
	if err != nil {
		logg.Error(ctx, "failed to create generation client", err)
		os.Exit(1)
	}

	accountRepo := accounts.NewRepository(dbClient.DB())
	purchaseRepo := purchases.NewRepository(dbClient.DB())
	operationRepo := operations.NewRepository(dbClient.DB())
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
		logg.Error(ctx, "failed to create push service", err)
		os.Exit(1)
	}

	purchaseService, err := purchases.NewService(purchases.ServiceParams{
		Logger:         logg,
		DB:             dbClient,
		Repo:           purchaseRepo,
		Accounts:       accountRepo,
		AckRetries:     ackRetryRepo,
		Play:           playClient,
		Pusher:         pusher,
		AckMaxAttempts: cfg.Play.AckMaxAttempts,
	})
	if err != nil {
		logg.Error(ctx, "failed to create purchase service", err)
		os.Exit(1)
	}

	operationService, err := operations.NewService(operations.ServiceParams{
		Logger:   logg,
		DB:       dbClient,
		Repo:     operationRepo,
		Accounts: accountRepo,
		Audit:    auditRepo,
		Invoker:  genClient,
		Pusher:   pusher,
	})
	if err != nil {
		logg.Error(ctx, "failed to create operation service", err)
		os.Exit(1)
	}

	webhookService, err := googleplaywebhook.NewService(googleplaywebhook.ServiceParams{
		Logger:      logg,
		DB:          dbClient,
		Purchases:   purchaseRepo,
		Accounts:    accountRepo,
		Audit:       auditRepo,
		Idempotency: redisClient,
		Pusher:      pusher,
	})
	if err != nil {
		logg.Error(ctx, "failed to create webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	bootCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(bootCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config: cfg,
			Logger: logg,
			Redis:  redisClient,
			HealthChecks: map[string]controllers.Pinger{
				"database": dbClient,
				"redis":    redisClient,
			},
			Accounts:   accountRepo,
			Devices:    deviceRepo,
			Purchases:  purchaseService,
			Operations: operationService,
			Webhook:    webhookService,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(bootCtx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
