package datastore

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the MySQL database connection and runs migrations.
func (store *MySQLStore) Open() error {
	dsn := strings.TrimPrefix(store.Settings.Database.URL, "mysql://")
	if !strings.Contains(dsn, "parseTime=") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		return fmt.Errorf("failed to open MySQL database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access MySQL connection: %w", err)
	}
	// pool must cover the concurrent station pipelines plus the orchestrator
	sqlDB.SetMaxOpenConns(store.Settings.Monitor.MaxConcurrent + 2)
	sqlDB.SetMaxIdleConns(store.Settings.Monitor.MaxConcurrent)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "MySQL", redactDSN(dsn), store.log)
}

// Close closes the underlying connection pool.
func (store *MySQLStore) Close() error {
	if store.DB == nil {
		return nil
	}
	sqlDB, err := store.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// redactDSN strips credentials from a DSN before it reaches the logs.
func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		return "***" + dsn[at:]
	}
	return dsn
}
