package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixmint/credits-backend/pkg/db/models"
	"github.com/pixmint/credits-backend/pkg/enums"
)

// Repository appends audit entries. The table is write-only from the
// application's point of view; rows are kept for compliance review.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.AuditEntry) error
	Record(ctx context.Context, eventType enums.AuditEventType, uid string, details any) error
	ListRecentByUID(ctx context.Context, uid string, limit int) ([]models.AuditEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// Record marshals details and appends an entry in one call.
func (r *repository) Record(ctx context.Context, eventType enums.AuditEventType, uid string, details any) error {
	if !eventType.IsValid() {
		return fmt.Errorf("invalid audit event type %q", eventType)
	}
	var payload json.RawMessage
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		payload = raw
	}
	return r.Create(ctx, &models.AuditEntry{
		ID:        uuid.New(),
		EventType: eventType,
		UID:       uid,
		Details:   payload,
	})
}

func (r *repository) ListRecentByUID(ctx context.Context, uid string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.AuditEntry
	if err := r.db.WithContext(ctx).
		Where("uid = ?", uid).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
