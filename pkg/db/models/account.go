package models

import (
	"time"

	"github.com/pixmint/credits-backend/pkg/enums"
)

// Account holds a user's spendable credit balance. Credits are a signed
// integer: a provider-side refund clawback may legitimately drive the balance
// negative. The balance is never mutated on its own; every change rides a
// transaction that also moves a Purchase or OperationLog row.
type Account struct {
	UID       string            `gorm:"column:uid;primaryKey"`
	Credits   int64             `gorm:"column:credits;not null;default:0"`
	Tier      enums.AccountTier `gorm:"column:tier;type:account_tier;not null;default:'free'"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides GORM's default pluralization.
func (Account) TableName() string { return "accounts" }
