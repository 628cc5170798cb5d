package devices

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pixmint/credits-backend/pkg/db/models"
)

// Repository handles device registration persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, registration *models.DeviceRegistration) error
	ListActiveByUID(ctx context.Context, uid string) ([]models.DeviceRegistration, error)
	Deactivate(ctx context.Context, deviceToken string) error
	Delete(ctx context.Context, uid, deviceToken string) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a device repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Upsert registers the token, reclaiming it if another account held it. A
// device token belongs to exactly one user at a time.
func (r *repository) Upsert(ctx context.Context, registration *models.DeviceRegistration) error {
	registration.Active = true
	registration.LastSeenAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_token"}},
			DoUpdates: clause.AssignmentColumns([]string{"uid", "platform", "active", "last_seen_at", "updated_at"}),
		}).
		Create(registration).Error
}

func (r *repository) ListActiveByUID(ctx context.Context, uid string) ([]models.DeviceRegistration, error) {
	var registrations []models.DeviceRegistration
	if err := r.db.WithContext(ctx).
		Where("uid = ? AND active", uid).
		Order("last_seen_at DESC").
		Find(&registrations).Error; err != nil {
		return nil, err
	}
	return registrations, nil
}

// Deactivate marks the token inactive after the push gateway reports it gone.
func (r *repository) Deactivate(ctx context.Context, deviceToken string) error {
	return r.db.WithContext(ctx).
		Model(&models.DeviceRegistration{}).
		Where("device_token = ?", deviceToken).
		Update("active", false).Error
}

// Delete removes the registration when it belongs to the caller.
func (r *repository) Delete(ctx context.Context, uid, deviceToken string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("device_token = ? AND uid = ?", deviceToken, uid).
		Delete(&models.DeviceRegistration{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
