package models

import "time"

// Workspace is the billing and API-key scoping unit (tenant).
type Workspace struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:text;not null"`             // Display name.
	Slug string `gorm:"type:text;not null;uniqueIndex"` // URL-safe identifier.

	Free     bool `gorm:"not null;default:false"` // Allow-listed workspace exempt from balance and limit checks.
	Disabled bool `gorm:"not null;default:false"` // Whether the workspace is blocked entirely.

	Billing *BillingAccount `gorm:"foreignKey:WorkspaceID"` // Associated billing account.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
