package models

import "time"

// Payment records a successful prepaid-credit purchase.
type Payment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID uint64 `gorm:"not null;index"` // Credited workspace ID.

	InvoiceID       string `gorm:"type:text;not null"` // Payment processor invoice ID.
	PaymentIntentID string `gorm:"type:text"`          // Payment processor payment intent ID.

	AmountMicros int64  `gorm:"not null"`                       // Credited amount in micro-cents.
	Source       string `gorm:"type:text;not null;default:''"` // Origin marker, e.g. "auto-reload".

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
