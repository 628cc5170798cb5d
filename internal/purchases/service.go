package purchases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/ackretry"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/db"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/googleplay"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const (
	uniquePurchaseToken = "idx_purchases_token"
	uniqueOrderID       = "idx_purchases_order_id"

	ackBackoffBase = 500 * time.Millisecond
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type playClient interface {
	VerifyProduct(ctx context.Context, skuID, purchaseToken string) (*googleplay.ProductPurchase, error)
	Acknowledge(ctx context.Context, skuID, purchaseToken string) error
	Consume(ctx context.Context, skuID, purchaseToken string) error
}

type balancePusher interface {
	BalanceChanged(ctx context.Context, change pushsync.BalanceChange)
}

// ServiceParams groups dependencies for the purchase service.
type ServiceParams struct {
	Logger         *logger.Logger
	DB             txRunner
	Repo           Repository
	Accounts       accounts.Repository
	AckRetries     ackretry.Repository
	Play           playClient
	Pusher         balancePusher
	AckMaxAttempts int
}

// Service verifies Play purchases and applies exactly-once credit grants.
type Service struct {
	logg           *logger.Logger
	db             txRunner
	repo           Repository
	accounts       accounts.Repository
	ackRetries     ackretry.Repository
	play           playClient
	pusher         balancePusher
	ackMaxAttempts int
	now            func() time.Time
}

// NewService builds a purchase service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner is required")
	}
	if params.Repo == nil {
		return nil, errors.New("purchase repo is required")
	}
	if params.Accounts == nil {
		return nil, errors.New("accounts repo is required")
	}
	if params.AckRetries == nil {
		return nil, errors.New("ack retry repo is required")
	}
	if params.Play == nil {
		return nil, errors.New("play client is required")
	}
	ackMax := params.AckMaxAttempts
	if ackMax <= 0 {
		ackMax = 3
	}
	return &Service{
		logg:           params.Logger,
		db:             params.DB,
		repo:           params.Repo,
		accounts:       params.Accounts,
		ackRetries:     params.AckRetries,
		play:           params.Play,
		pusher:         params.Pusher,
		ackMaxAttempts: ackMax,
		now:            time.Now,
	}, nil
}

// VerifyResult is the outcome of a verify call, replayed or fresh.
type VerifyResult struct {
	Purchase *models.Purchase
	Balance  int64
	Replayed bool
}

// VerifyAndCredit validates the purchase with Play, grants the credit pack
// exactly once, and kicks off acknowledgement. Replays of an already-granted
// token return the recorded outcome instead of failing. deviceToken names the
// purchasing device; the deposit fan-out skips it.
func (s *Service) VerifyAndCredit(ctx context.Context, uid, skuID, purchaseToken, deviceToken string) (*VerifyResult, error) {
	sku, ok := LookupSKU(skuID)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown sku %q", skuID))
	}

	if existing, err := s.repo.FindByToken(ctx, purchaseToken); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup purchase")
	} else if existing != nil {
		return s.replay(ctx, uid, existing)
	}

	record, err := s.play.VerifyProduct(ctx, skuID, purchaseToken)
	if err != nil {
		return nil, err
	}
	if err := validatePurchaseRecord(record); err != nil {
		return nil, err
	}

	purchase := &models.Purchase{
		OrderID:       record.OrderID,
		PurchaseToken: purchaseToken,
		UID:           uid,
		SKUID:         sku.ID,
		Amount:        sku.Credits,
		BonusAmount:   sku.Bonus,
		PriceAmount:   sku.Price,
		PriceCurrency: priceCurrency,
		Status:        enums.PurchaseStatusCompleted,
	}

	var balance int64
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		accountRepo := s.accounts.WithTx(tx)
		if _, err := accountRepo.EnsureAccount(ctx, uid); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		if err := s.repo.WithTx(tx).Create(ctx, purchase); err != nil {
			return err
		}
		if err := accountRepo.Credit(ctx, uid, sku.Total()); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		account, err := accountRepo.FindByUID(ctx, uid)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		balance = account.Credits
		return nil
	})
	if err != nil {
		// A concurrent verify for the same token or order won the insert.
		if db.IsUniqueViolation(err, uniquePurchaseToken) || db.IsUniqueViolation(err, uniqueOrderID) {
			winner, findErr := s.repo.FindByToken(ctx, purchaseToken)
			if findErr != nil || winner == nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve duplicate purchase")
			}
			return s.replay(ctx, uid, winner)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply purchase")
	}

	s.finalizeAsync(ctx, uid, sku.ID, purchaseToken)
	s.notify(ctx, pushsync.BalanceChange{
		UID:          uid,
		Event:        enums.PushEventDeposit,
		Delta:        sku.Total(),
		Balance:      balance,
		ExcludeToken: deviceToken,
	})

	ctx = s.logg.WithFields(ctx, map[string]any{"uid": uid, "sku_id": sku.ID, "credits": sku.Total()})
	s.logg.Info(ctx, "purchase credited")

	return &VerifyResult{Purchase: purchase, Balance: balance}, nil
}

// replay returns the recorded outcome for a token that was already granted.
func (s *Service) replay(ctx context.Context, uid string, existing *models.Purchase) (*VerifyResult, error) {
	if existing.UID != uid {
		return nil, pkgerrors.New(pkgerrors.CodeDuplicatePurchase, "purchase token already used by another account")
	}
	if existing.Status == enums.PurchaseStatusRefunded {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidPurchase, "purchase was refunded")
	}
	account, err := s.accounts.FindByUID(ctx, uid)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read balance")
	}
	var balance int64
	if account != nil {
		balance = account.Credits
	}
	return &VerifyResult{Purchase: existing, Balance: balance, Replayed: true}, nil
}

func validatePurchaseRecord(record *googleplay.ProductPurchase) error {
	if record == nil {
		return pkgerrors.New(pkgerrors.CodeInvalidPurchase, "empty purchase record")
	}
	switch record.PurchaseState {
	case googleplay.PurchaseStatePending:
		return pkgerrors.New(pkgerrors.CodeProcessing, "purchase is still pending at the store")
	case googleplay.PurchaseStateCanceled:
		return pkgerrors.New(pkgerrors.CodeInvalidPurchase, "purchase was canceled")
	}
	if record.ConsumptionState == googleplay.ConsumptionStateConsumed {
		// Consumed with no local row means the grant happened elsewhere.
		return pkgerrors.New(pkgerrors.CodeDuplicatePurchase, "purchase already consumed")
	}
	if record.OrderID == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidPurchase, "purchase record carries no order id")
	}
	return nil
}

// finalizeAsync acknowledges and consumes the purchase off the request path.
// The grant is already committed; a lost ack risks a provider auto-refund, so
// exhausting in-process retries falls back to a durable retry row.
func (s *Service) finalizeAsync(ctx context.Context, uid, skuID, purchaseToken string) {
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.acknowledgeWithRetry(bgCtx, skuID, purchaseToken); err != nil {
			s.logg.Error(bgCtx, "purchase acknowledgement exhausted in-process retries", err)
			s.enqueueAckRetry(bgCtx, uid, skuID, purchaseToken, err)
			return
		}
		if err := s.repo.MarkAcknowledged(bgCtx, purchaseToken, s.now().UTC()); err != nil {
			s.logg.Error(bgCtx, "record acknowledgement timestamp", err)
		}
	}()
}

func (s *Service) acknowledgeWithRetry(ctx context.Context, skuID, purchaseToken string) error {
	backoff := retry.WithMaxRetries(uint64(s.ackMaxAttempts-1), retry.NewExponential(ackBackoffBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.play.Acknowledge(ctx, skuID, purchaseToken); err != nil && !isAlreadyAcked(err) {
			if isAckFatal(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		if err := s.play.Consume(ctx, skuID, purchaseToken); err != nil && !isAlreadyAcked(err) {
			if isAckFatal(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// isAlreadyAcked treats a state conflict from the store as success: the
// purchase was acknowledged or consumed by an earlier attempt.
func isAlreadyAcked(err error) bool {
	typed := pkgerrors.As(err)
	return typed != nil && typed.Code() == pkgerrors.CodeStateConflict
}

// isAckFatal reports whether retrying the acknowledgement cannot help;
// invalid tokens will never become valid.
func isAckFatal(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	switch typed.Code() {
	case pkgerrors.CodeInvalidPurchase, pkgerrors.CodeUnauthorized:
		return true
	}
	return false
}

func (s *Service) enqueueAckRetry(ctx context.Context, uid, skuID, purchaseToken string, cause error) {
	lastErr := cause.Error()
	row := &models.AckRetry{
		PurchaseToken: purchaseToken,
		SKUID:         skuID,
		UID:           uid,
		Attempts:      s.ackMaxAttempts,
		NextAttemptAt: s.now().UTC().Add(time.Minute),
		LastError:     &lastErr,
	}
	if err := s.ackRetries.Enqueue(ctx, row); err != nil {
		s.logg.Error(ctx, "enqueue ack retry", err)
	}
}

// notify dispatches the deposit fan-out off the request path, like
// finalizeAsync does for acknowledgements. The verify response never waits
// on FCM.
func (s *Service) notify(ctx context.Context, change pushsync.BalanceChange) {
	if s.pusher == nil {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	go s.pusher.BalanceChanged(bgCtx, change)
}
