// Package seed bootstraps the staff account and default categories
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/service"
	"github.com/0097eo/cafe-zuko/pkg/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Run creates whatever of the configured seed data is missing. Existing
// rows are left untouched, so it is safe on every start.
func Run(ctx context.Context, db *gorm.DB, cfg config.SeedConfig, log *zap.Logger) error {
	db = db.WithContext(ctx)

	if cfg.AdminUsername != "" {
		if err := seedAdmin(db, cfg, log); err != nil {
			return err
		}
	} else {
		log.Debug("No admin account configured, skipping")
	}

	for _, name := range cfg.Categories {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		category := model.Category{Name: name}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&category)
		if res.Error != nil {
			return fmt.Errorf("seed category %q: %w", name, res.Error)
		}
		if res.RowsAffected > 0 {
			log.Info("Category seeded", zap.String("name", name))
		}
	}
	return nil
}

func seedAdmin(db *gorm.DB, cfg config.SeedConfig, log *zap.Logger) error {
	var existing model.User
	err := db.Where("username = ?", cfg.AdminUsername).First(&existing).Error
	if err == nil {
		log.Info("Admin account already exists", zap.String("username", cfg.AdminUsername))
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("look up admin account: %w", err)
	}
	if cfg.AdminPassword == "" {
		return errors.New("ADMIN_PASSWORD is required to seed the admin account")
	}

	hashed, err := service.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := model.User{
		Username: cfg.AdminUsername,
		Email:    cfg.AdminEmail,
		Password: hashed,
		Role:     model.RoleCustomer,
		IsStaff:  true,
	}
	if admin.Email == "" {
		admin.Email = cfg.AdminUsername + "@localhost"
	}
	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}
	log.Info("Admin account seeded", zap.Uint("user_id", admin.ID), zap.String("username", admin.Username))
	return nil
}
