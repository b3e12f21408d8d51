// Package sqlbase provides the base functionality for SQL database persistence.
package sqlbase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/dukex/stepflow/pkg/persistence/sqlbase/migrations"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// RunMigrations applies the embedded migrations of the target's dialect.
func RunMigrations(ctx context.Context, logger *slog.Logger, target Target) error {
	logger.InfoContext(ctx, "Starting database migrations", "dialect", target.Dialect)

	sub, err := fs.Sub(migrations.FS, string(target.Dialect))
	if err != nil {
		return fmt.Errorf("failed to open %s migrations: %w", target.Dialect, err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, target.MigrationURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.WarnContext(ctx, "Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	logger.InfoContext(ctx, "Database migrations completed", "version", version, "dirty", dirty)

	return nil
}
