package db

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the database named by a DATABASE_URL: sqlite://path or
// postgres://... (postgresql:// works too).
func Init(dbURL string, log *slog.Logger, verbose bool) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		dialector = postgres.Open(dbURL)
		log.Info("connecting to PostgreSQL database")
	case strings.HasPrefix(dbURL, "sqlite://"):
		dsn := strings.TrimPrefix(dbURL, "sqlite://")
		if dsn == "" {
			return nil, fmt.Errorf("db: empty sqlite path in %q", dbURL)
		}
		dialector = sqlite.Open(dsn)
		log.Info("connecting to SQLite database", "path", dsn)
	default:
		return nil, fmt.Errorf("db: invalid DATABASE_URL prefix, must start with postgres:// or sqlite://")
	}

	mode := logger.Silent // be quiet by default
	if verbose {
		mode = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == "sqlite" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}

	log.Info("database connection established", "dialect", dialector.Name())
	return db, nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
