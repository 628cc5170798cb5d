package operations

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
)

// Repository handles operation ledger persistence. The req_id primary key is
// both the idempotency gate and the concurrency lock: one insert wins, every
// other caller replays the stored row. Status transitions are conditional
// UPDATEs so a finished operation can never be finished twice.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, log *models.OperationLog) error
	FindByReqID(ctx context.Context, reqID string) (*models.OperationLog, error)
	ListRecentByUID(ctx context.Context, uid string, limit int) ([]models.OperationLog, error)
	MarkCompleted(ctx context.Context, reqID, resultRef string, finishedAt time.Time) (bool, error)
	MarkRefunded(ctx context.Context, reqID, errorCode, errorDetail string, finishedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, reqID, errorCode, errorDetail string, finishedAt time.Time) (bool, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OperationLog, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OperationLog, error)
	DeleteByReqIDs(ctx context.Context, reqIDs []string) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an operation repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, log *models.OperationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *repository) FindByReqID(ctx context.Context, reqID string) (*models.OperationLog, error) {
	if reqID == "" {
		return nil, nil
	}
	var log models.OperationLog
	if err := r.db.WithContext(ctx).
		Where("req_id = ?", reqID).
		First(&log).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &log, nil
}

func (r *repository) ListRecentByUID(ctx context.Context, uid string, limit int) ([]models.OperationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []models.OperationLog
	if err := r.db.WithContext(ctx).
		Where("uid = ?", uid).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *repository) MarkCompleted(ctx context.Context, reqID, resultRef string, finishedAt time.Time) (bool, error) {
	return r.transition(ctx, reqID, map[string]any{
		"status":      enums.OperationStatusCompleted,
		"result_ref":  resultRef,
		"finished_at": finishedAt,
	})
}

func (r *repository) MarkRefunded(ctx context.Context, reqID, errorCode, errorDetail string, finishedAt time.Time) (bool, error) {
	return r.transition(ctx, reqID, map[string]any{
		"status":       enums.OperationStatusRefunded,
		"error_code":   errorCode,
		"error_detail": errorDetail,
		"finished_at":  finishedAt,
	})
}

func (r *repository) MarkFailed(ctx context.Context, reqID, errorCode, errorDetail string, finishedAt time.Time) (bool, error) {
	return r.transition(ctx, reqID, map[string]any{
		"status":       enums.OperationStatusFailed,
		"error_code":   errorCode,
		"error_detail": errorDetail,
		"finished_at":  finishedAt,
	})
}

// transition finalizes a pending operation. RowsAffected 0 means someone else
// finished it first.
func (r *repository) transition(ctx context.Context, reqID string, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.OperationLog{}).
		Where("req_id = ? AND status = ?", reqID, enums.OperationStatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OperationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []models.OperationLog
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.OperationStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *repository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OperationLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	terminal := []enums.OperationStatus{
		enums.OperationStatusCompleted,
		enums.OperationStatusRefunded,
		enums.OperationStatusFailed,
	}
	var logs []models.OperationLog
	if err := r.db.WithContext(ctx).
		Where("status IN (?) AND created_at < ?", terminal, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *repository) DeleteByReqIDs(ctx context.Context, reqIDs []string) (int64, error) {
	if len(reqIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("req_id IN (?)", reqIDs).
		Delete(&models.OperationLog{})
	return result.RowsAffected, result.Error
}
