package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pixmint/credits-backend/pkg/enums"
)

// Purchase records one verified Play Billing purchase. The unique constraints
// on order_id and purchase_token are the deduplication gate: the insert that
// wins is the only grant; every replay observes the violation and returns the
// recorded result instead.
type Purchase struct {
	ID             uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID        string               `gorm:"column:order_id;not null;uniqueIndex:idx_purchases_order_id"`
	PurchaseToken  string               `gorm:"column:purchase_token;not null;uniqueIndex:idx_purchases_token"`
	UID            string               `gorm:"column:uid;not null;index"`
	SKUID          string               `gorm:"column:sku_id;not null"`
	Amount         int64                `gorm:"column:amount;not null"`
	BonusAmount    int64                `gorm:"column:bonus_amount;not null;default:0"`
	PriceAmount    decimal.Decimal      `gorm:"column:price_amount;type:numeric(12,2)"`
	PriceCurrency  string               `gorm:"column:price_currency;not null;default:'USD'"`
	Status         enums.PurchaseStatus `gorm:"column:status;type:purchase_status;not null;default:'pending'"`
	AcknowledgedAt *time.Time           `gorm:"column:acknowledged_at"`
	RefundedAt     *time.Time           `gorm:"column:refunded_at"`
	CreatedAt      time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides GORM's default pluralization.
func (Purchase) TableName() string { return "purchases" }

// TotalCredits is the credit delta the purchase granted.
func (p Purchase) TotalCredits() int64 {
	return p.Amount + p.BonusAmount
}
