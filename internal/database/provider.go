// Package database opens the shared gorm connection and applies the embedded
// schema migrations on startup. The dialect is selected by configuration;
// sqlite, postgres, and mysql are supported.
package database

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "database"

// dialector builds the gorm Dialector for the configured database type.
func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	if cfg.DSN == "" {
		return nil, exception.Newf(moduleName, false, "database DSN is empty")
	}
	switch cfg.Type {
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, exception.Newf(moduleName, false, "unsupported database type %q", cfg.Type)
	}
}

// Open connects to the configured database and tunes the connection pool.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, exception.New(moduleName, "failed to open database connection", err, true)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, exception.New(moduleName, "failed to access underlying sql.DB", err, false)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logger.Infof("Database connection established (%s).", cfg.Type)
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
