package otelhelper_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMeterProvider_ExportsOnShutdown(t *testing.T) {
	var exports atomic.Int32

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/metrics" {
			exports.Add(1)
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(collector.Close)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", collector.URL)

	ctx := context.Background()

	provider, shutdown, err := otelhelper.NewMeterProvider(ctx, "stepflow-test")
	require.NoError(t, err)

	counter, err := provider.Meter("stepflow-test").Int64Counter("stepflow.test.counter")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, shutdown(ctx))
	assert.GreaterOrEqual(t, exports.Load(), int32(1))
}
