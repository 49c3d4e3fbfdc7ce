package admin

import (
	"context"
	"errors"

	"github.com/opencode-zen/zen/internal/config"
	"github.com/opencode-zen/zen/internal/models"
	"github.com/opencode-zen/zen/internal/security"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnsureAdmin creates the configured operator account on first boot. An
// existing account is left untouched so password changes made through the
// database survive restarts.
func EnsureAdmin(ctx context.Context, db *gorm.DB, cfg config.AdminConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}

	var existing models.Admin
	errFind := db.WithContext(ctx).Where("username = ?", cfg.Username).First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return errFind
	}

	hash, errHash := security.HashPassword(cfg.Password)
	if errHash != nil {
		return errHash
	}
	if errCreate := db.WithContext(ctx).Create(&models.Admin{
		Username: cfg.Username,
		Password: hash,
		Active:   true,
	}).Error; errCreate != nil {
		return errCreate
	}
	log.WithField("username", cfg.Username).Info("admin account seeded")
	return nil
}
