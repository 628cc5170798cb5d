package models

import (
	"time"

	"github.com/pixmint/credits-backend/pkg/enums"
)

// DeviceRegistration maps an FCM device token to a user for balance-sync
// fan-out. Registrations are deactivated when the push gateway reports the
// token permanently invalid.
type DeviceRegistration struct {
	DeviceToken string         `gorm:"column:device_token;primaryKey"`
	UID         string         `gorm:"column:uid;not null;index"`
	Platform    enums.Platform `gorm:"column:platform;type:device_platform;not null;default:'android'"`
	Active      bool           `gorm:"column:active;not null;default:true"`
	LastSeenAt  time.Time      `gorm:"column:last_seen_at"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName overrides GORM's default pluralization.
func (DeviceRegistration) TableName() string { return "device_registrations" }
