package models

import "time"

// User is a member of a workspace with an individual monthly spend cap.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID uint64 `gorm:"not null;index"`     // Owning workspace ID.
	Email       string `gorm:"type:text;not null"` // Login email.
	Name        string `gorm:"type:text"`          // Display name.

	Disabled bool `gorm:"not null;default:false"` // Whether the user is blocked.

	MonthlyLimit          *int64     // Monthly spend cap in whole dollars, nil when uncapped.
	MonthlyUsageMicros    int64      `gorm:"not null;default:0"` // Spend this calendar month in micro-cents.
	MonthlyUsageUpdatedAt *time.Time // Last monthly-usage update, used for the lazy month reset.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
