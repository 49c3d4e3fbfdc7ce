package models

import (
	"time"

	"gorm.io/datatypes"
)

// Usage records metering data for a single relayed request.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;index"` // Gateway-assigned request ID.

	WorkspaceID uint64  `gorm:"not null;index"` // Billed workspace ID.
	APIKeyID    *uint64 `gorm:"index"`          // Owning API key ID.
	UserID      *uint64 `gorm:"index"`          // Related user ID.

	Provider string `gorm:"type:text;not null;index"` // Upstream provider ID.
	Model    string `gorm:"type:text;not null;index"` // Requested model ID.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Failure flag.

	ErrorStatusCode *int           `gorm:"index"`      // HTTP status code for failed requests.
	ErrorDetail     datatypes.JSON `gorm:"type:jsonb"` // Structured error detail JSON.

	InputTokens        int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens       int64 `gorm:"not null;default:0"` // Output token count.
	ReasoningTokens    int64 `gorm:"not null;default:0"` // Reasoning token count.
	CacheReadTokens    int64 `gorm:"not null;default:0"` // Cache read token count.
	CacheWrite5mTokens int64 `gorm:"not null;default:0"` // 5-minute-TTL cache write token count.
	CacheWrite1hTokens int64 `gorm:"not null;default:0"` // 1-hour-TTL cache write token count.

	CostMicros int64 `gorm:"not null;default:0"` // Billed cost in micro-cents, zero for free or BYO-credential calls.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
