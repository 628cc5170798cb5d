package googleplaywebhook

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/internal/accounts"
	"github.com/pixmint/credits-backend/internal/audit"
	"github.com/pixmint/credits-backend/internal/purchases"
	"github.com/pixmint/credits-backend/internal/pushsync"
	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

const (
	idempotencyScope = "rtdn"
	idempotencyTTL   = 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type idempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(ctx context.Context, keys ...string) error
}

type balancePusher interface {
	BalanceChanged(ctx context.Context, change pushsync.BalanceChange)
}

// ServiceParams groups dependencies for the refund reconciler.
type ServiceParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Purchases   purchases.Repository
	Accounts    accounts.Repository
	Audit       audit.Repository
	Idempotency idempotencyStore
	Pusher      balancePusher
}

// Service reconciles Play refund notifications against the local ledger.
// Processing is idempotent twice over: a Redis gate drops broker redeliveries
// cheaply, and the conditional status flip makes the DB write safe to replay.
type Service struct {
	logg        *logger.Logger
	db          txRunner
	purchases   purchases.Repository
	accounts    accounts.Repository
	audit       audit.Repository
	idempotency idempotencyStore
	pusher      balancePusher
	now         func() time.Time
}

// NewService builds the webhook reconciler.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "db runner required")
	}
	if params.Purchases == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "purchases repo required")
	}
	if params.Accounts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "accounts repo required")
	}
	if params.Audit == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "audit repo required")
	}
	if params.Idempotency == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency store required")
	}
	return &Service{
		logg:        params.Logger,
		db:          params.DB,
		purchases:   params.Purchases,
		accounts:    params.Accounts,
		audit:       params.Audit,
		idempotency: params.Idempotency,
		pusher:      params.Pusher,
		now:         time.Now,
	}, nil
}

// HandleNotification routes one developer notification. A nil return tells the
// transport to ack; errors trigger broker redelivery.
func (s *Service) HandleNotification(ctx context.Context, messageID string, notification *DeveloperNotification) error {
	if notification == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification required")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{"message_id": messageID})

	fresh, err := s.markSeen(ctx, messageID)
	if err != nil {
		return err
	}
	if !fresh {
		s.logg.Info(logCtx, "notification already processed")
		return nil
	}

	err = s.route(logCtx, notification)
	if err != nil {
		// Free the gate so the redelivery can retry.
		s.unmarkSeen(ctx, messageID)
	}
	return err
}

func (s *Service) route(ctx context.Context, notification *DeveloperNotification) error {
	switch {
	case notification.TestNotification != nil:
		s.logg.Info(ctx, "rtdn test notification received")
		return nil
	case notification.VoidedPurchaseNotification != nil:
		voided := notification.VoidedPurchaseNotification
		return s.reconcileRefund(ctx, voided.OrderID, voided.PurchaseToken)
	case notification.OneTimeProductNotification != nil:
		oneTime := notification.OneTimeProductNotification
		if oneTime.NotificationType == OneTimeProductCanceled {
			return s.reconcileRefund(ctx, "", oneTime.PurchaseToken)
		}
		// Purchases are granted through the client verify path.
		return nil
	default:
		s.logg.Info(ctx, "rtdn notification type not handled")
		return nil
	}
}

// reconcileRefund claws back the credits of a refunded purchase. The clawback
// is unconditional on balance, so a spent-down account goes negative and stays
// blocked from further generations until it is topped up.
func (s *Service) reconcileRefund(ctx context.Context, orderID, purchaseToken string) error {
	purchase, err := s.findPurchase(ctx, orderID, purchaseToken)
	if err != nil {
		return err
	}
	if purchase == nil {
		// Unknown order: nothing local to reverse. Ack so the broker stops
		// redelivering.
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"order_id": orderID}), "refund for unknown purchase; ignoring")
		return nil
	}

	clawback := purchase.TotalCredits()
	var applied bool
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		refunded, err := s.purchases.WithTx(tx).MarkRefundedIfCompleted(ctx, purchase.OrderID, s.now().UTC())
		if err != nil {
			return err
		}
		if refunded == nil {
			return nil
		}
		applied = true
		if err := s.accounts.WithTx(tx).Clawback(ctx, purchase.UID, clawback); err != nil {
			return err
		}
		return s.audit.WithTx(tx).Record(ctx, enums.AuditEventGoogleRefund, purchase.UID, map[string]any{
			"order_id": purchase.OrderID,
			"sku_id":   purchase.SKUID,
			"credits":  clawback,
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply refund clawback")
	}
	if !applied {
		s.logg.Info(ctx, "refund already reconciled")
		return nil
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"uid":      purchase.UID,
		"order_id": purchase.OrderID,
		"credits":  clawback,
	})
	s.logg.Info(logCtx, "google refund reconciled")

	s.notify(ctx, purchase.UID, clawback)
	return nil
}

func (s *Service) findPurchase(ctx context.Context, orderID, purchaseToken string) (*models.Purchase, error) {
	if orderID != "" {
		purchase, err := s.purchases.FindByOrderID(ctx, orderID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup purchase by order")
		}
		if purchase != nil {
			return purchase, nil
		}
	}
	if purchaseToken != "" {
		purchase, err := s.purchases.FindByToken(ctx, purchaseToken)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup purchase by token")
		}
		return purchase, nil
	}
	return nil, nil
}

func (s *Service) markSeen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	key := s.idempotency.IdempotencyKey(idempotencyScope, messageID)
	fresh, err := s.idempotency.SetNX(ctx, key, "1", idempotencyTTL)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "idempotency check")
	}
	return fresh, nil
}

func (s *Service) unmarkSeen(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	key := s.idempotency.IdempotencyKey(idempotencyScope, messageID)
	if err := s.idempotency.Del(ctx, key); err != nil {
		s.logg.Error(ctx, "release idempotency key", err)
	}
}

// notify fans the clawback out to every active device, off the handler path
// so a slow FCM gateway cannot delay the broker ack. No device is excluded
// because the event did not originate from any client.
func (s *Service) notify(ctx context.Context, uid string, clawback int64) {
	if s.pusher == nil {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		account, err := s.accounts.FindByUID(bgCtx, uid)
		if err != nil || account == nil {
			return
		}
		s.pusher.BalanceChanged(bgCtx, pushsync.BalanceChange{
			UID:     uid,
			Event:   enums.PushEventGoogleRefund,
			Delta:   -clawback,
			Balance: account.Credits,
		})
	}()
}
