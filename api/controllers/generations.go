package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pixmint/credits-backend/api/middleware"
	"github.com/pixmint/credits-backend/api/responses"
	"github.com/pixmint/credits-backend/api/validators"
	"github.com/pixmint/credits-backend/internal/operations"
	"github.com/pixmint/credits-backend/pkg/db/models"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const defaultOperationListLimit = 20

type generationExecutor interface {
	Execute(ctx context.Context, req operations.GenerateRequest) (*operations.GenerateResult, error)
	GetOperation(ctx context.Context, uid, reqID string) (*models.OperationLog, error)
	ListOperations(ctx context.Context, uid string, limit int) ([]models.OperationLog, error)
}

type generateRequest struct {
	ReqID       string `json:"req_id" validate:"required,uuid4"`
	Prompt      string `json:"prompt" validate:"required,max=2000"`
	Style       string `json:"style" validate:"omitempty,max=64"`
	Width       int    `json:"width" validate:"required,min=64,max=2048"`
	Height      int    `json:"height" validate:"required,min=64,max=2048"`
	DeviceToken string `json:"device_token" validate:"omitempty,max=512"`
}

type operationResponse struct {
	ReqID      string     `json:"req_id"`
	Status     string     `json:"status"`
	Cost       int64      `json:"cost"`
	ResultRef  *string    `json:"result_ref,omitempty"`
	ErrorCode  *string    `json:"error_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type generateResponse struct {
	Operation operationResponse `json:"operation"`
	Balance   int64             `json:"balance"`
	Replayed  bool              `json:"replayed"`
}

func toOperationResponse(operation *models.OperationLog) operationResponse {
	return operationResponse{
		ReqID:      operation.ReqID,
		Status:     string(operation.Status),
		Cost:       operation.Cost,
		ResultRef:  operation.ResultRef,
		ErrorCode:  operation.ErrorCode,
		StartedAt:  operation.StartedAt,
		FinishedAt: operation.FinishedAt,
	}
}

// Generate runs one metered generation for the caller. The client-supplied
// req_id keys the request; resubmitting it replays the recorded outcome.
func Generate(svc generationExecutor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "generation service unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		var req generateRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Execute(r.Context(), operations.GenerateRequest{
			ReqID:       req.ReqID,
			UID:         uid,
			Prompt:      req.Prompt,
			Style:       req.Style,
			Width:       req.Width,
			Height:      req.Height,
			DeviceToken: req.DeviceToken,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, generateResponse{
			Operation: toOperationResponse(result.Operation),
			Balance:   result.Balance,
			Replayed:  result.Replayed,
		})
	}
}

// GenerationDetail returns one of the caller's operations by req_id.
func GenerationDetail(svc generationExecutor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "generation service unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		reqID := strings.TrimSpace(chi.URLParam(r, "reqId"))
		if reqID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "req_id is required"))
			return
		}

		operation, err := svc.GetOperation(r.Context(), uid, reqID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, toOperationResponse(operation))
	}
}

// GenerationList returns the caller's recent operations.
func GenerationList(svc generationExecutor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "generation service unavailable"))
			return
		}

		uid := middleware.UIDFromContext(r.Context())
		if uid == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
			return
		}

		limit := defaultOperationListLimit
		if limitStr := strings.TrimSpace(r.URL.Query().Get("limit")); limitStr != "" {
			value, err := strconv.Atoi(limitStr)
			if err != nil || value <= 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
				return
			}
			limit = value
		}

		rows, err := svc.ListOperations(r.Context(), uid, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]operationResponse, 0, len(rows))
		for i := range rows {
			items = append(items, toOperationResponse(&rows[i]))
		}
		responses.WriteSuccess(w, map[string]any{"operations": items})
	}
}
