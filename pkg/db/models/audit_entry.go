package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pixmint/credits-backend/pkg/enums"
)

// AuditEntry is an append-only record of refund and compensation events.
// Rows are never updated or deleted inside the retention window.
type AuditEntry struct {
	ID        uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventType enums.AuditEventType `gorm:"column:event_type;type:audit_event_type;not null"`
	UID       string               `gorm:"column:uid;not null;index"`
	Details   json.RawMessage      `gorm:"column:details;type:jsonb"`
	CreatedAt time.Time            `gorm:"column:created_at;autoCreateTime"`
}

// TableName overrides GORM's default pluralization.
func (AuditEntry) TableName() string { return "audit_entries" }
