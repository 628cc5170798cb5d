package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
)

type stubAccountReader struct {
	account *models.Account
	err     error
	uid     string
}

func (s *stubAccountReader) EnsureAccount(ctx context.Context, uid string) (*models.Account, error) {
	s.uid = uid
	if s.err != nil {
		return nil, s.err
	}
	return s.account, nil
}

func TestAccountProfileReturnsBalance(t *testing.T) {
	accounts := &stubAccountReader{account: &models.Account{
		UID:       "user-1",
		Credits:   140,
		Tier:      enums.AccountTierFree,
		CreatedAt: time.Now().UTC(),
	}}
	rec := httptest.NewRecorder()

	AccountProfile(accounts, testLogger())(rec, authedJSONRequest("GET", "/api/v1/account", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if accounts.uid != "user-1" {
		t.Fatalf("uid must come from the token, got %q", accounts.uid)
	}
	var envelope struct {
		Data struct {
			UID     string `json:"uid"`
			Credits int64  `json:"credits"`
			Tier    string `json:"tier"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.Credits != 140 || envelope.Data.Tier != string(enums.AccountTierFree) {
		t.Fatalf("wrong profile payload: %+v", envelope.Data)
	}
}

func TestAccountProfileRequiresAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/account", nil)

	AccountProfile(&stubAccountReader{}, testLogger())(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAccountProfileSurfacesRepositoryFailure(t *testing.T) {
	accounts := &stubAccountReader{err: pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")}
	rec := httptest.NewRecorder()

	AccountProfile(accounts, testLogger())(rec, authedJSONRequest("GET", "/api/v1/account", ""))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
