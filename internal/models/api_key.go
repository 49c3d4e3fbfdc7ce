package models

import "time"

// APIKey represents an API key issued to a workspace user.
//
// Keys are never hard-deleted; revocation sets RevokedAt so historic usage
// rows keep a valid owner reference.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID uint64  `gorm:"not null;index"` // Owning workspace ID.
	UserID      *uint64 `gorm:"index"`          // Owning user ID when bound to a user.

	Workspace *Workspace `gorm:"foreignKey:WorkspaceID"` // Associated workspace record.
	User      *User      `gorm:"foreignKey:UserID"`      // Associated user record.

	Name   string `gorm:"type:text;not null"`             // Display name for the key.
	APIKey string `gorm:"type:text;not null;uniqueIndex"` // Full API key string.

	Active     bool       `gorm:"not null;default:true"` // Whether the key is enabled.
	RevokedAt  *time.Time // Revocation timestamp when disabled.
	LastUsedAt *time.Time // Last successful usage time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Status returns the current key status based on revocation and active flag.
func (k *APIKey) Status() string {
	if k.RevokedAt != nil {
		return "revoked"
	}
	if k.Active {
		return "active"
	}
	return "inactive"
}
