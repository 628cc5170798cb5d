package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pixmint/credits-backend/api/middleware"
	"github.com/pixmint/credits-backend/api/responses"
	"github.com/pixmint/credits-backend/api/validators"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type deviceRegistry interface {
	Upsert(ctx context.Context, registration *models.DeviceRegistration) error
	Delete(ctx context.Context, uid, deviceToken string) (bool, error)
}

type registerDeviceRequest struct {
	DeviceToken string `json:"device_token" validate:"required,max=512"`
	Platform    string `json:"platform" validate:"omitempty,oneof=android ios"`
}

// RegisterDevice binds an FCM device token to the caller for balance pushes.
// Re-registering a token moves it to the caller's account.
func RegisterDevice(devices deviceRegistry, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if devices == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "device repository unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var req registerDeviceRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		platform := enums.PlatformAndroid
		if req.Platform != "" {
			platform = enums.Platform(req.Platform)
		}

		registration := &models.DeviceRegistration{
			DeviceToken: req.DeviceToken,
			UID:         uid,
			Platform:    platform,
			Active:      true,
			LastSeenAt:  time.Now().UTC(),
		}
		if err := devices.Upsert(r.Context(), registration); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]any{
			"device_token": registration.DeviceToken,
			"platform":     string(registration.Platform),
		})
	}
}

// UnregisterDevice removes one of the caller's device tokens.
func UnregisterDevice(devices deviceRegistry, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if devices == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "device repository unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		deviceToken := strings.TrimSpace(chi.URLParam(r, "deviceToken"))
		if deviceToken == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "device token is required"))
			return
		}

		removed, err := devices.Delete(r.Context(), uid, deviceToken)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !removed {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "device not registered"))
			return
		}

		responses.WriteSuccess(w, map[string]any{"removed": true})
	}
}
