package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/persistence/sqlbase"
)

// NewPersistence builds the store selected by the database URL scheme.
// URLs without a scheme are treated as file directories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	if isFileURL(databaseURL) {
		logger.InfoContext(ctx, "Using file persistence", "root", databaseURL)

		return file.NewPersistence(databaseURL)
	}

	return sqlbase.NewPersistence(ctx, logger, databaseURL)
}

// Migrate applies SQL migrations for the database URL. File stores need none.
func Migrate(ctx context.Context, logger *slog.Logger, databaseURL string) error {
	if isFileURL(databaseURL) {
		logger.InfoContext(ctx, "File persistence has no migrations")

		return nil
	}

	target, err := sqlbase.ParseURL(databaseURL)
	if err != nil {
		return err
	}

	return sqlbase.RunMigrations(ctx, logger, target)
}

func isFileURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "file://") || !strings.Contains(databaseURL, "://")
}
