package cmd_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/persistence/sqlbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	fileStore, err := cmd.NewPersistence(ctx, logger, "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, fileStore)

	sqliteStore, err := cmd.NewPersistence(ctx, logger, "sqlite3://"+filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	assert.IsType(t, &sqlbase.Persistence{}, sqliteStore)
	require.NoError(t, sqliteStore.Close(ctx))

	_, err = cmd.NewPersistence(ctx, logger, "mongodb://localhost")
	assert.ErrorIs(t, err, persistence.ErrUnsupportedDatabase)
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, cmd.Migrate(ctx, slog.Default(), "file://"+t.TempDir()))
	require.NoError(t, cmd.Migrate(ctx, slog.Default(), "sqlite3://"+filepath.Join(t.TempDir(), "db.sqlite")))
}
