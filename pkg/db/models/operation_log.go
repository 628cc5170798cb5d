package models

import (
	"time"

	"github.com/pixmint/credits-backend/pkg/enums"
)

// OperationLog is the per-request ledger row for a metered generation. The
// client-supplied req_id is the primary key, so the insert doubles as the
// idempotency gate and the concurrency lock: exactly one caller's insert
// succeeds, everyone else replays the stored outcome.
type OperationLog struct {
	ReqID       string                `gorm:"column:req_id;primaryKey"`
	UID         string                `gorm:"column:uid;not null;index"`
	Cost        int64                 `gorm:"column:cost;not null"`
	Status      enums.OperationStatus `gorm:"column:status;type:operation_status;not null;default:'pending';index:idx_operation_logs_status_created"`
	ResultRef   *string               `gorm:"column:result_ref"`
	ErrorCode   *string               `gorm:"column:error_code"`
	ErrorDetail *string               `gorm:"column:error_detail"`
	StartedAt   time.Time             `gorm:"column:started_at"`
	FinishedAt  *time.Time            `gorm:"column:finished_at"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_operation_logs_status_created"`
	UpdatedAt   time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides GORM's default pluralization.
func (OperationLog) TableName() string { return "operation_logs" }
