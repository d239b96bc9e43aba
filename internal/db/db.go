// Package db provides database connection and management functionality
package db

import (
	"fmt"

	// gorm and postgres driver for database operations
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedcatalog/internal/models"
	"feedcatalog/pkg/config"

	// logrus for structured logging
	"github.com/sirupsen/logrus"
)

// Setup opens the PostgreSQL connection described by cfg, runs migrations and
// seeds the configured shops. Returns a configured *gorm.DB instance.
func Setup(cfg config.Database, feeds []config.FeedSource) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := SeedShops(db, feeds); err != nil {
		return nil, err
	}

	logrus.Info("Database initialized successfully")
	return db, nil
}

// Migrate creates or updates every catalog table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// SeedShops makes sure every configured feed exists as a shop. An existing
// shop keeps its run state; only its feed URL follows the configuration.
func SeedShops(db *gorm.DB, feeds []config.FeedSource) error {
	for _, f := range feeds {
		shop := models.Shop{Name: f.Name, FeedURL: f.URL}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"feed_url", "updated_at"}),
		}).Create(&shop).Error
		if err != nil {
			return fmt.Errorf("seed shop %s: %w", f.Name, err)
		}
	}

	if len(feeds) > 0 {
		logrus.WithField("count", len(feeds)).Info("Seeded configured shops")
	}
	return nil
}
