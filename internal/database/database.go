package database

import (
	"fmt"

	"crypto-index-bot-go/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database and migrates the schema forward.
// Existing rows are never dropped: columns added by a newer schema start out
// null and are backfilled by the ledger's refresh pass.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate brings the schema up to date with the current models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Trade{}, &models.PendingOrder{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
