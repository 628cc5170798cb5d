package ackretry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
)

// Repository stores durable acknowledgement retry rows for purchases whose
// in-process ack attempts were exhausted after the credit already committed.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Enqueue(ctx context.Context, row *models.AckRetry) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.AckRetry, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an ack retry repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Enqueue inserts the retry row, ignoring replays for the same token.
func (r *repository) Enqueue(ctx context.Context, row *models.AckRetry) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Status == "" {
		row.Status = enums.AckStatusPending
	}
	if row.NextAttemptAt.IsZero() {
		row.NextAttemptAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "purchase_token"}},
			DoNothing: true,
		}).
		Create(row).Error
}

func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.AckRetry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.AckRetry
	if err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", enums.AckStatusPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.AckRetry{}).
		Where("id = ?", id).
		Update("status", enums.AckStatusDone).Error
}

func (r *repository) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&models.AckRetry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		}).Error
}

func (r *repository) MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&models.AckRetry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     enums.AckStatusExhausted,
			"last_error": lastError,
		}).Error
}
