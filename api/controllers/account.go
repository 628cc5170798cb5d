package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/pixmint/credits-backend/api/middleware"
	"github.com/pixmint/credits-backend/api/responses"
	"github.com/pixmint/credits-backend/pkg/db/models"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type accountReader interface {
	EnsureAccount(ctx context.Context, uid string) (*models.Account, error)
}

type accountResponse struct {
	UID       string    `json:"uid"`
	Credits   int64     `json:"credits"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountProfile returns the caller's balance and tier, creating the account
// row on first contact.
func AccountProfile(accounts accountReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if accounts == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "account repository unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		account, err := accounts.EnsureAccount(r.Context(), uid)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, accountResponse{
			UID:       account.UID,
			Credits:   account.Credits,
			Tier:      string(account.Tier),
			CreatedAt: account.CreatedAt,
		})
	}
}
