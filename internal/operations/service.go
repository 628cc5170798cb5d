package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/db"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/genapi"
	"github.com/pixmint/credits-backend/pkg/logger"
)

// Generation pricing in credits. The server owns the price; nothing in the
// request can lower it.
const (
	baseGenerationCost = 10
	hdGenerationCost   = 20
	hdPixelThreshold   = 1024
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type generationInvoker interface {
	Invoke(ctx context.Context, params genapi.Params) (*genapi.Result, error)
}

type balancePusher interface {
	BalanceChanged(ctx context.Context, change pushsync.BalanceChange)
}

// ServiceParams groups dependencies for the operation executor.
type ServiceParams struct {
	Logger   *logger.Logger
	DB       txRunner
	Repo     Repository
	Accounts accounts.Repository
	Audit    audit.Repository
	Invoker  generationInvoker
	Pusher   balancePusher
}

// Service executes metered generations: debit, invoke, then commit the result
// or compensate the debit. Every request is keyed by a client req_id so
// retries replay the recorded outcome instead of double-charging.
type Service struct {
	logg     *logger.Logger
	db       txRunner
	repo     Repository
	accounts accounts.Repository
	audit    audit.Repository
	invoker  generationInvoker
	pusher   balancePusher
	now      func() time.Time
}

// NewService builds the operation executor.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner is required")
	}
	if params.Repo == nil {
		return nil, errors.New("operation repo is required")
	}
	if params.Accounts == nil {
		return nil, errors.New("accounts repo is required")
	}
	if params.Audit == nil {
		return nil, errors.New("audit repo is required")
	}
	if params.Invoker == nil {
		return nil, errors.New("generation invoker is required")
	}
	return &Service{
		logg:     params.Logger,
		db:       params.DB,
		repo:     params.Repo,
		accounts: params.Accounts,
		audit:    params.Audit,
		invoker:  params.Invoker,
		pusher:   params.Pusher,
		now:      time.Now,
	}, nil
}

// GenerateRequest is the validated input for one generation. DeviceToken
// identifies the requesting device so the balance fan-out can skip it.
type GenerateRequest struct {
	ReqID       string
	UID         string
	Prompt      string
	Style       string
	Width       int
	Height      int
	DeviceToken string
}

// GenerateResult is the outcome, fresh or replayed.
type GenerateResult struct {
	Operation *models.OperationLog
	Balance   int64
	Replayed  bool
}

// CostFor returns the credit price for the requested render.
func CostFor(req GenerateRequest) int64 {
	if req.Width >= hdPixelThreshold || req.Height >= hdPixelThreshold {
		return hdGenerationCost
	}
	return baseGenerationCost
}

// Execute runs the debit-invoke-commit saga for one generation request.
func (s *Service) Execute(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	cost := CostFor(req)

	replayed, result, err := s.begin(ctx, req, cost)
	if err != nil {
		return nil, err
	}
	if replayed {
		return result, nil
	}

	genResult, invokeErr := s.invoker.Invoke(ctx, genapi.Params{
		ReqID:  req.ReqID,
		UID:    req.UID,
		Prompt: req.Prompt,
		Style:  req.Style,
		Width:  req.Width,
		Height: req.Height,
	})
	if invokeErr != nil {
		return s.compensate(ctx, req, cost, invokeErr)
	}

	return s.commit(ctx, req, cost, genResult.ResultRef)
}

// GetOperation returns the caller's operation by req_id.
func (s *Service) GetOperation(ctx context.Context, uid, reqID string) (*models.OperationLog, error) {
	log, err := s.repo.FindByReqID(ctx, reqID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup operation")
	}
	if log == nil || log.UID != uid {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "operation not found")
	}
	return log, nil
}

// ListOperations returns the caller's recent operations.
func (s *Service) ListOperations(ctx context.Context, uid string, limit int) ([]models.OperationLog, error) {
	logs, err := s.repo.ListRecentByUID(ctx, uid, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list operations")
	}
	return logs, nil
}

// begin inserts the ledger row and debits the balance in one transaction.
// A req_id collision replays the stored outcome.
func (s *Service) begin(ctx context.Context, req GenerateRequest, cost int64) (bool, *GenerateResult, error) {
	now := s.now().UTC()
	log := &models.OperationLog{
		ReqID:     req.ReqID,
		UID:       req.UID,
		Cost:      cost,
		Status:    enums.OperationStatusPending,
		StartedAt: now,
	}

	var insufficient bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		accountRepo := s.accounts.WithTx(tx)
		opRepo := s.repo.WithTx(tx)

		if _, err := accountRepo.EnsureAccount(ctx, req.UID); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		if err := opRepo.Create(ctx, log); err != nil {
			return err
		}
		ok, err := accountRepo.DebitIfSufficient(ctx, req.UID, cost)
		if err != nil {
			return fmt.Errorf("debit: %w", err)
		}
		if !ok {
			// No debit happened, so FAILED is reachable here and only here.
			insufficient = true
			if _, err := opRepo.MarkFailed(ctx, req.ReqID, string(pkgerrors.CodeInsufficientCredits), "balance below cost", s.now().UTC()); err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err, "operation_logs_pkey") {
			result, replayErr := s.replay(ctx, req.UID, req.ReqID)
			return true, result, replayErr
		}
		return false, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "begin operation")
	}
	if insufficient {
		return false, nil, pkgerrors.New(pkgerrors.CodeInsufficientCredits, "balance below generation cost")
	}
	return false, nil, nil
}

// replay maps a stored operation row back to the API outcome it produced.
func (s *Service) replay(ctx context.Context, uid, reqID string) (*GenerateResult, error) {
	log, err := s.repo.FindByReqID(ctx, reqID)
	if err != nil || log == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve duplicate operation")
	}
	if log.UID != uid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "req_id already used by another account")
	}
	switch log.Status {
	case enums.OperationStatusPending:
		return nil, pkgerrors.New(pkgerrors.CodeProcessing, "operation still processing")
	case enums.OperationStatusCompleted:
		balance, _ := s.currentBalance(ctx, uid)
		return &GenerateResult{Operation: log, Balance: balance, Replayed: true}, nil
	case enums.OperationStatusFailed:
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientCredits, "balance below generation cost")
	default:
		code := pkgerrors.CodeProviderFailed
		if log.ErrorCode != nil && *log.ErrorCode != "" {
			code = pkgerrors.Code(*log.ErrorCode)
		}
		return nil, pkgerrors.New(code, "generation failed; charge was reversed")
	}
}

// commit finalizes a successful invocation. Losing the conditional transition
// means the reaper refunded the operation while the render was in flight; the
// result is discarded and the refund stands.
func (s *Service) commit(ctx context.Context, req GenerateRequest, cost int64, resultRef string) (*GenerateResult, error) {
	var transitioned bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).MarkCompleted(ctx, req.ReqID, resultRef, s.now().UTC())
		if err != nil {
			return err
		}
		transitioned = ok
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "commit operation")
	}
	if !transitioned {
		s.logg.Warn(s.logg.WithReqID(ctx, req.ReqID), "render finished after refund; discarding result")
		return s.replay(ctx, req.UID, req.ReqID)
	}

	balance, _ := s.currentBalance(ctx, req.UID)
	s.notify(ctx, pushsync.BalanceChange{
		UID:          req.UID,
		Event:        enums.PushEventGenerateCompleted,
		Delta:        -cost,
		Balance:      balance,
		ExcludeToken: req.DeviceToken,
	})

	log, err := s.repo.FindByReqID(ctx, req.ReqID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read operation")
	}
	return &GenerateResult{Operation: log, Balance: balance}, nil
}

// compensate reverses the debit after a failed or timed-out invocation.
func (s *Service) compensate(ctx context.Context, req GenerateRequest, cost int64, cause error) (*GenerateResult, error) {
	errorCode := string(pkgerrors.CodeProviderFailed)
	if typed := pkgerrors.As(cause); typed != nil {
		errorCode = string(typed.Code())
	}

	var transitioned bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).MarkRefunded(ctx, req.ReqID, errorCode, cause.Error(), s.now().UTC())
		if err != nil {
			return err
		}
		transitioned = ok
		if !ok {
			return nil
		}
		if err := s.accounts.WithTx(tx).Credit(ctx, req.UID, cost); err != nil {
			return fmt.Errorf("refund debit: %w", err)
		}
		return s.audit.WithTx(tx).Record(ctx, enums.AuditEventGenerationRefund, req.UID, map[string]any{
			"req_id": req.ReqID,
			"cost":   cost,
			"cause":  errorCode,
		})
	})
	if err != nil {
		s.logg.Error(s.logg.WithReqID(ctx, req.ReqID), "compensation failed; operation left pending for the sweeper", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "compensate operation")
	}
	if !transitioned {
		return s.replay(ctx, req.UID, req.ReqID)
	}

	balance, _ := s.currentBalance(ctx, req.UID)
	s.notify(ctx, pushsync.BalanceChange{
		UID:          req.UID,
		Event:        enums.PushEventGenerateRefunded,
		Delta:        cost,
		Balance:      balance,
		ExcludeToken: req.DeviceToken,
	})

	return nil, pkgerrors.Wrap(pkgerrors.CodeProviderFailed, cause, "generation failed; charge was reversed")
}

func (s *Service) currentBalance(ctx context.Context, uid string) (int64, error) {
	account, err := s.accounts.FindByUID(ctx, uid)
	if err != nil || account == nil {
		return 0, err
	}
	return account.Credits, nil
}

// notify dispatches the fan-out off the request path. The response never
// waits on FCM; delivery outcome cannot affect the operation result.
func (s *Service) notify(ctx context.Context, change pushsync.BalanceChange) {
	if s.pusher == nil {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	go s.pusher.BalanceChanged(bgCtx, change)
}
