package cmd_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/channels/kafka"
	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/config"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewQueue(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	q, err := cmd.NewQueue(ctx, slog.Default(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &queue.WatermillQueue{}, q)
	require.NoError(t, q.Close())

	cfg.Queue.Driver = config.DriverKafka
	_, err = cmd.NewQueue(ctx, slog.Default(), cfg)
	assert.ErrorIs(t, err, kafka.ErrNoBrokers)

	cfg.Queue.Driver = config.DriverRedis
	cfg.Queue.RedisURL = "not-a-url"
	_, err = cmd.NewQueue(ctx, slog.Default(), cfg)
	assert.Error(t, err)

	cfg.Queue.Driver = "sqs"
	_, err = cmd.NewQueue(ctx, slog.Default(), cfg)
	assert.ErrorIs(t, err, cmd.ErrUnsupportedQueueDriver)
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, shutdown, err := cmd.NewTracer(context.Background(), slog.Default(), false, "stepflow-test")
	require.NoError(t, err)
	require.NotNil(t, tracer)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewMeterProvider_Disabled(t *testing.T) {
	provider, shutdown, err := cmd.NewMeterProvider(context.Background(), slog.Default(), false, "stepflow-test")
	require.NoError(t, err)
	assert.IsType(t, noop.MeterProvider{}, provider)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewMeterProvider_Enabled(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:1")

	provider, shutdown, err := cmd.NewMeterProvider(context.Background(), slog.Default(), true, "stepflow-test")
	require.NoError(t, err)
	assert.IsType(t, &sdkmetric.MeterProvider{}, provider)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// nothing listens on the collector port, only the provider type matters here
	_ = shutdown(ctx)
}
