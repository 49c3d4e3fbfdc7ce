package models

import "time"

// BillingAccount tracks prepaid balance and spending counters per workspace.
//
// All monetary fields are stored in micro-cents: 1_000_000 micro-cents per
// display cent, 100_000_000 per display dollar. Balance may go negative
// transiently because a debit is applied after the upstream call completes.
type BillingAccount struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID uint64 `gorm:"not null;uniqueIndex"` // Owning workspace ID.

	CustomerID      string `gorm:"type:text"` // Payment processor customer ID.
	PaymentMethodID string `gorm:"type:text"` // Default payment method ID, empty when none on file.

	BalanceMicros int64 `gorm:"not null;default:0"` // Prepaid balance in micro-cents.

	MonthlyLimit          *int64     // Monthly spend cap in whole dollars, nil when uncapped.
	MonthlyUsageMicros    int64      `gorm:"not null;default:0"` // Spend this calendar month in micro-cents.
	MonthlyUsageUpdatedAt *time.Time // Last monthly-usage update, used for the lazy month reset.

	ReloadEnabled     bool       `gorm:"not null;default:false"` // Whether auto-reload is active.
	ReloadError       string     `gorm:"type:text"`              // Last auto-reload failure message.
	ReloadErrorAt     *time.Time // When the last auto-reload failure happened.
	ReloadLockedUntil *time.Time // Advisory reload lock expiry, compared against the database clock.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
