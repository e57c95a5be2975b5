package datastore

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
)

// SQLiteStore implements Interface for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the SQLite database connection and runs migrations.
func (store *SQLiteStore) Open() error {
	path := store.Settings.Database.URL

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// single writer avoids SQLITE_BUSY under concurrent station pipelines
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access SQLite connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "SQLite", path, store.log)
}

// Close is a no-op for SQLite; the handle is released on process exit.
func (store *SQLiteStore) Close() error {
	return nil
}
