package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pixmint/credits-backend/api/middleware"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
)

type stubRegistry struct {
	upserted *models.DeviceRegistration
	removed  bool
}

func (s *stubRegistry) Upsert(ctx context.Context, registration *models.DeviceRegistration) error {
	s.upserted = registration
	return nil
}

func (s *stubRegistry) Delete(ctx context.Context, uid, deviceToken string) (bool, error) {
	return s.removed, nil
}

func TestRegisterDeviceDefaultsToAndroid(t *testing.T) {
	registry := &stubRegistry{}
	rec := httptest.NewRecorder()

	RegisterDevice(registry, testLogger())(rec, authedJSONRequest("POST", "/api/v1/devices", `{"device_token":"tok-1"}`))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if registry.upserted == nil || registry.upserted.Platform != enums.PlatformAndroid {
		t.Fatalf("platform must default to android: %+v", registry.upserted)
	}
	if registry.upserted.UID != "user-1" || !registry.upserted.Active {
		t.Fatalf("registration not bound to caller: %+v", registry.upserted)
	}
}

func TestRegisterDeviceRejectsUnknownPlatform(t *testing.T) {
	rec := httptest.NewRecorder()

	RegisterDevice(&stubRegistry{}, testLogger())(rec, authedJSONRequest("POST", "/api/v1/devices", `{"device_token":"tok-1","platform":"windows"}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUnregisterDeviceRemovesOwnToken(t *testing.T) {
	registry := &stubRegistry{removed: true}
	router := chi.NewRouter()
	router.Delete("/devices/{deviceToken}", UnregisterDevice(registry, testLogger()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/devices/tok-1", nil)
	router.ServeHTTP(rec, req.WithContext(middleware.WithUID(req.Context(), "user-1")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnregisterDeviceUnknownTokenIs404(t *testing.T) {
	registry := &stubRegistry{removed: false}
	router := chi.NewRouter()
	router.Delete("/devices/{deviceToken}", UnregisterDevice(registry, testLogger()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/devices/tok-unknown", nil)
	router.ServeHTTP(rec, req.WithContext(middleware.WithUID(req.Context(), "user-1")))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
