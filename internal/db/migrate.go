package db

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.BridgeSession{},
		&models.TranscriptLine{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Open connects and migrates in one step.
func Open(path string) (*gorm.DB, error) {
	conn, err := Connect(path)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}
