package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pixmint/credits-backend/pkg/config"
)

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(ctx context.Context) error {
	return s.err
}

func healthConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "test"}}
}

func TestHealthLiveReportsEnvironment(t *testing.T) {
	rec := httptest.NewRecorder()

	HealthLive(healthConfig())(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Pixmint-Env"); got != "test" {
		t.Fatalf("env header not set: %q", got)
	}
}

func TestHealthReadyPassesWhenDependenciesAnswer(t *testing.T) {
	deps := map[string]Pinger{
		"postgres": &stubPinger{},
		"redis":    &stubPinger{},
	}
	rec := httptest.NewRecorder()

	HealthReady(healthConfig(), testLogger(), deps)(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthReadyFailsWhenDependencyIsDown(t *testing.T) {
	deps := map[string]Pinger{
		"postgres": &stubPinger{},
		"redis":    &stubPinger{err: errors.New("connection refused")},
	}
	rec := httptest.NewRecorder()

	HealthReady(healthConfig(), testLogger(), deps)(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthReadySkipsNilDependencies(t *testing.T) {
	deps := map[string]Pinger{
		"bigquery": nil,
	}
	rec := httptest.NewRecorder()

	HealthReady(healthConfig(), testLogger(), deps)(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
