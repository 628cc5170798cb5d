package purchases

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
)

// Repository handles purchase persistence. The unique indexes on order_id and
// purchase_token are the exactly-once gate; callers race on Create and treat a
// unique violation as a replay.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, purchase *models.Purchase) error
	FindByToken(ctx context.Context, purchaseToken string) (*models.Purchase, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.Purchase, error)
	MarkAcknowledged(ctx context.Context, purchaseToken string, at time.Time) error
	MarkRefundedIfCompleted(ctx context.Context, orderID string, at time.Time) (*models.Purchase, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a purchase repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, purchase *models.Purchase) error {
	return r.db.WithContext(ctx).Create(purchase).Error
}

func (r *repository) FindByToken(ctx context.Context, purchaseToken string) (*models.Purchase, error) {
	if purchaseToken == "" {
		return nil, nil
	}
	var purchase models.Purchase
	if err := r.db.WithContext(ctx).
		Where("purchase_token = ?", purchaseToken).
		First(&purchase).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *repository) FindByOrderID(ctx context.Context, orderID string) (*models.Purchase, error) {
	if orderID == "" {
		return nil, nil
	}
	var purchase models.Purchase
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&purchase).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *repository) MarkAcknowledged(ctx context.Context, purchaseToken string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("purchase_token = ?", purchaseToken).
		Update("acknowledged_at", at).Error
}

// MarkRefundedIfCompleted flips a completed purchase to refunded and returns
// the row. The conditional WHERE makes refund processing idempotent: a replay
// matches zero rows and returns nil.
func (r *repository) MarkRefundedIfCompleted(ctx context.Context, orderID string, at time.Time) (*models.Purchase, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("order_id = ? AND status = ?", orderID, enums.PurchaseStatusCompleted).
		Updates(map[string]any{
			"status":      enums.PurchaseStatusRefunded,
			"refunded_at": at,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return r.FindByOrderID(ctx, orderID)
}
