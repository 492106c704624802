package db

import (
	"errors"
	"fmt"

	"worksheet-service/internal/domain"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate runs database migrations and creates the system groups.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.User{},
		&domain.Group{},
		&domain.UserGroup{},
		&domain.Worksheet{},
		&domain.WorksheetItem{},
		&domain.GroupPermission{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if err := ensurePublicGroup(db); err != nil {
		return err
	}

	log.Debug().Msg("database schema migrated successfully")
	return nil
}

func ensurePublicGroup(db *gorm.DB) error {
	public := domain.Group{
		UUID:        domain.PublicGroupUUID,
		Name:        "public",
		UserDefined: false,
	}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&public).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("create public group: %w", err)
	}
	return nil
}

// SeedData seeds the database with a development user.
func SeedData(db *gorm.DB, register func(*domain.User) error) {
	var count int64
	if err := db.Model(&domain.User{}).Where("user_name = ?", "test").Count(&count).Error; err != nil {
		log.Error().Err(err).Msg("error checking seed user")
		return
	}
	if count > 0 {
		log.Info().Msg("test user already exists")
		return
	}

	testUser := &domain.User{
		UserName: "test",
		Email:    "test@example.com",
		Password: "password123",
		IsActive: true,
	}
	if err := register(testUser); err != nil {
		log.Error().Err(err).Msg("error creating test user")
		return
	}
	log.Info().Str("user", testUser.UserName).Msg("created test user")
}
