package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/dukex/stepflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, log.ParseLevel(tt.input))
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(log.NewHandler(&buf, "warn", log.FormatJSON))
	logger.Info("hidden")
	logger.Warn("visible", "execution_id", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "abc", entry["execution_id"])
}

func TestNewHandler_TextAndTint(t *testing.T) {
	t.Parallel()

	for _, format := range []string{log.FormatText, log.FormatTint, "unknown"} {
		var buf bytes.Buffer

		slog.New(log.NewHandler(&buf, "info", format)).Info("hello")
		assert.Contains(t, buf.String(), "hello", format)
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	fallback := slog.Default()
	assert.Same(t, fallback, log.FromContext(context.Background(), fallback))

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := log.ContextWithLogger(context.Background(), custom)
	assert.Same(t, custom, log.FromContext(ctx, fallback))
}
