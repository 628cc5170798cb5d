package accounts

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pixmint/credits-backend/pkg/db/models"
)

// Repository handles account balance persistence. All balance mutations are
// expressed as conditional single-row UPDATEs so the guard and the write are
// one atomic statement.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	EnsureAccount(ctx context.Context, uid string) (*models.Account, error)
	FindByUID(ctx context.Context, uid string) (*models.Account, error)
	Credit(ctx context.Context, uid string, delta int64) error
	DebitIfSufficient(ctx context.Context, uid string, cost int64) (bool, error)
	Clawback(ctx context.Context, uid string, delta int64) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an account repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// EnsureAccount creates the account row on first contact with a zero balance.
func (r *repository) EnsureAccount(ctx context.Context, uid string) (*models.Account, error) {
	account := models.Account{UID: uid}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return nil, err
	}
	return r.FindByUID(ctx, uid)
}

func (r *repository) FindByUID(ctx context.Context, uid string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).
		Where("uid = ?", uid).
		First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// Credit adds delta to the balance unconditionally.
func (r *repository) Credit(ctx context.Context, uid string, delta int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("uid = ?", uid).
		Update("credits", gorm.Expr("credits + ?", delta)).Error
}

// DebitIfSufficient subtracts cost only when the balance covers it. The
// returned bool reports whether the debit happened.
func (r *repository) DebitIfSufficient(ctx context.Context, uid string, cost int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("uid = ? AND credits >= ?", uid, cost).
		Update("credits", gorm.Expr("credits - ?", cost))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Clawback subtracts delta without a balance guard. Provider-side refunds may
// drive the balance negative; further spending is blocked by the debit guard.
func (r *repository) Clawback(ctx context.Context, uid string, delta int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("uid = ?", uid).
		Update("credits", gorm.Expr("credits - ?", delta)).Error
}
