package database

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"

	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = "loom_schema_migrations"

// Migrate applies every pending migration from the embedded SQL files.
func Migrate(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return exception.New(moduleName, "failed to access underlying sql.DB", err, false)
	}

	var driver migratedb.Driver
	switch dbType {
	case "postgres":
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{MigrationsTable: migrationsTable})
	case "mysql":
		driver, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{MigrationsTable: migrationsTable})
	case "sqlite":
		driver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{MigrationsTable: migrationsTable})
	default:
		return exception.Newf(moduleName, false, "unsupported database type for migration: %s", dbType)
	}
	if err != nil {
		return exception.New(moduleName, "failed to create migration driver", err, true)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return exception.New(moduleName, "failed to read embedded migrations", err, false)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbType, driver)
	if err != nil {
		return exception.New(moduleName, "failed to create migrate instance", err, false)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debugf("Schema is up to date, no migrations applied.")
			return nil
		}
		return exception.New(moduleName, "migration failed", err, false)
	}
	logger.Infof("Schema migrations applied.")
	return nil
}
