package db

import (
	"fmt"

	"github.com/opencode-zen/zen/internal/models"

	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all gateway entities.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Workspace{},
		&models.User{},
		&models.APIKey{},
		&models.BillingAccount{},
		&models.Usage{},
		&models.Payment{},
		&models.WorkspaceModel{},
		&models.ProviderCredential{},
		&models.Admin{},
	)
}
