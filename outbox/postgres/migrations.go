package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"

	libLog "github.com/LerianStudio/lib-outbox/outbox/log"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "outbox_schema_migrations"

var dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

// runMigrations applies the embedded schema. The version table is separate from
// the host application's so both can migrate the same database.
func runMigrations(ctx context.Context, db *sql.DB, databaseName string, logger libLog.Logger) error {
	if err := validateDBName(databaseName); err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		DatabaseName:    databaseName,
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, libLog.LevelInfo, "outbox schema up to date")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("outbox migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("outbox migration failed: %w", err)
	}

	logger.Log(ctx, libLog.LevelInfo, "outbox schema migrated")

	return nil
}
