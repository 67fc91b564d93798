// Package db opens and migrates the Switchboard SQLite database.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FileName is the database file inside the state directory.
const FileName = "switchboard.db"

// Path returns the database path for a state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Connect opens a GORM connection to the SQLite database at path,
// creating the parent directory if needed. Pass ":memory:" for an
// in-memory database in tests.
func Connect(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("db: create dir for %s: %w", path, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", path, err)
	}
	return db, nil
}
