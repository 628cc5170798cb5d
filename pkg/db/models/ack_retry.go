package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/pixmint/credits-backend/pkg/enums"
)

// AckRetry is a durable retry row for a purchase acknowledgement that failed
// after the credit grant committed. An unacknowledged purchase risks
// provider-side auto-refund, so the reaper drains this queue under a bounded
// attempt cap.
type AckRetry struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	PurchaseToken string          `gorm:"column:purchase_token;not null;uniqueIndex:idx_ack_retries_token"`
	SKUID         string          `gorm:"column:sku_id;not null"`
	UID           string          `gorm:"column:uid;not null"`
	Attempts      int             `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt time.Time       `gorm:"column:next_attempt_at;not null;index"`
	LastError     *string         `gorm:"column:last_error"`
	Status        enums.AckStatus `gorm:"column:status;type:ack_status;not null;default:'pending'"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides GORM's default pluralization.
func (AckRetry) TableName() string { return "ack_retries" }
