package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"google.golang.org/api/idtoken"

	"github.com/pixmint/credits-backend/api/responses"
	googleplaywebhook "github.com/pixmint/credits-backend/internal/webhooks/googleplay"
	"github.com/pixmint/credits-backend/pkg/config"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type playNotificationService interface {
	HandleNotification(ctx context.Context, messageID string, notification *googleplaywebhook.DeveloperNotification) error
}

type tokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// GooglePlayWebhook receives Pub/Sub push deliveries of Play real-time
// developer notifications. A 2xx acknowledges the message; poison payloads are
// acknowledged so the broker stops redelivering them, while handler failures
// return an error status to request redelivery.
func GooglePlayWebhook(svc playNotificationService, cfg config.WebhookConfig, logg *logger.Logger) http.HandlerFunc {
	return googlePlayWebhook(svc, cfg, idtoken.Validate, logg)
}

func googlePlayWebhook(svc playNotificationService, cfg config.WebhookConfig, validate tokenValidator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		if err := authorizePush(ctx, r, cfg, validate); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		envelope, err := googleplaywebhook.DecodeEnvelope(payload)
		if err != nil {
			dropPoison(ctx, logg, w, "undecodable push envelope", err)
			return
		}

		notification, err := googleplaywebhook.DecodeNotification(envelope.Message.Data)
		if err != nil {
			dropPoison(ctx, logg, w, "undecodable developer notification", err)
			return
		}

		if err := svc.HandleNotification(ctx, envelope.Message.MessageID, notification); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, nil)
	}
}

// authorizePush verifies the OIDC token Pub/Sub attaches to push deliveries.
func authorizePush(ctx context.Context, r *http.Request, cfg config.WebhookConfig, validate tokenValidator) error {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "missing push token")
	}
	token := raw
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "missing push token")
	}

	payload, err := validate(ctx, token, cfg.Audience)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid push token")
	}

	if cfg.ServiceAccount != "" {
		email, _ := payload.Claims["email"].(string)
		if !strings.EqualFold(email, cfg.ServiceAccount) {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "unexpected push identity")
		}
	}
	return nil
}

func dropPoison(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, msg string, err error) {
	if logg != nil {
		logCtx := logg.WithField(ctx, "decode_error", err.Error())
		logg.Warn(logCtx, msg)
	}
	responses.WriteSuccess(w, nil)
}
