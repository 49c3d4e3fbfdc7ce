package models

import "time"

// ProviderCredential stores a workspace-supplied provider API key. Requests
// routed to a matching provider use it instead of the platform credential
// and are not billed against the workspace balance.
type ProviderCredential struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID uint64 `gorm:"not null;uniqueIndex:idx_workspace_provider"`           // Owning workspace ID.
	Provider    string `gorm:"type:text;not null;uniqueIndex:idx_workspace_provider"` // Provider ID the key applies to.

	APIKey string `gorm:"type:text;not null"` // Provider API key value.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
