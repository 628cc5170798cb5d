package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pixmint/credits-backend/api/controllers"
	webhookcontrollers "github.com/pixmint/credits-backend/api/controllers/webhooks"
	"github.com/pixmint/credits-backend/api/middleware"
	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/devices"
	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/internal/purchases"
	googleplaywebhook "github.com/pixmint/credits-backend/internal/webhooks/googleplay"
	"github.com/pixmint/credits-backend/pkg/config"
	"github.com/pixmint/credits-backend/pkg/logger"
	"github.com/pixmint/credits-backend/pkg/redis"
)

// RouterParams groups the dependencies the HTTP surface needs.
type RouterParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	Redis        *redis.Client
	HealthChecks map[string]controllers.Pinger

	Accounts   accounts.Repository
	Devices    devices.Repository
	Purchases  *purchases.Service
	Operations *operations.Service
	Webhook    *googleplaywebhook.Service
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.HealthChecks))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/google-play", webhookcontrollers.GooglePlayWebhook(params.Webhook, cfg.Webhook, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Get("/account", controllers.AccountProfile(params.Accounts, logg))

		r.Route("/purchases", func(r chi.Router) {
			r.Post("/verify", controllers.VerifyPurchase(params.Purchases, logg))
		})

		r.Route("/generations", func(r chi.Router) {
			r.With(middleware.GenerateRateLimit(cfg.RateLimit, params.Redis, logg)).
				Post("/", controllers.Generate(params.Operations, logg))
			r.Get("/", controllers.GenerationList(params.Operations, logg))
			r.Get("/{reqId}", controllers.GenerationDetail(params.Operations, logg))
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", controllers.RegisterDevice(params.Devices, logg))
			r.Delete("/{deviceToken}", controllers.UnregisterDevice(params.Devices, logg))
		})
	})

	return r
}
