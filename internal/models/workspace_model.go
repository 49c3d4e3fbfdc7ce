package models

import "time"

// WorkspaceModel holds per-workspace model overrides. A row with Disabled
// set is the disable marker the relay checks before forwarding.
type WorkspaceModel struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID uint64 `gorm:"not null;uniqueIndex:idx_workspace_model"`           // Owning workspace ID.
	Model       string `gorm:"type:text;not null;uniqueIndex:idx_workspace_model"` // Model ID the override applies to.

	Disabled bool `gorm:"not null;default:false"` // Whether the model is blocked for this workspace.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
