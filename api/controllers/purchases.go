package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/pixmint/credits-backend/api/middleware"
	"github.com/pixmint/credits-backend/api/responses"
	"github.com/pixmint/credits-backend/api/validators"
	"github.com/pixmint/credits-backend/internal/purchases"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type purchaseVerifier interface {
	VerifyAndCredit(ctx context.Context, uid, skuID, purchaseToken, deviceToken string) (*purchases.VerifyResult, error)
}

type verifyPurchaseRequest struct {
	SKUID         string `json:"sku_id" validate:"required,max=128"`
	PurchaseToken string `json:"purchase_token" validate:"required,max=512"`
	DeviceToken   string `json:"device_token" validate:"omitempty,max=512"`
}

type verifyPurchaseResponse struct {
	OrderID   string    `json:"order_id"`
	SKUID     string    `json:"sku_id"`
	Credits   int64     `json:"credits"`
	Bonus     int64     `json:"bonus"`
	Balance   int64     `json:"balance"`
	Replayed  bool      `json:"replayed"`
	CreatedAt time.Time `json:"created_at"`
}

// VerifyPurchase validates a Play Billing purchase token and grants the pack.
func VerifyPurchase(svc purchaseVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "purchase service unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var req verifyPurchaseRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.VerifyAndCredit(r.Context(), uid, req.SKUID, req.PurchaseToken, req.DeviceToken)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, verifyPurchaseResponse{
			OrderID:   result.Purchase.OrderID,
			SKUID:     result.Purchase.SKUID,
			Credits:   result.Purchase.Amount,
			Bonus:     result.Purchase.BonusAmount,
			Balance:   result.Balance,
			Replayed:  result.Replayed,
			CreatedAt: result.Purchase.CreatedAt,
		})
	}
}
