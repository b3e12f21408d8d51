package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

func noShutdown(context.Context) error { return nil }

// NewTracer returns an OTLP tracer when enabled, or the no-op global tracer.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) (trace.Tracer, otelhelper.ShutdownFunc, error) {
	if !enabled {
		return otelhelper.NoopTracer(serviceName), noShutdown, nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	logger.InfoContext(ctx, "OpenTelemetry tracing enabled", "service", serviceName)

	return tracer, shutdown, nil
}

// NewMeterProvider returns an OTLP meter provider when enabled, or a no-op one.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry metrics
func NewMeterProvider(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) (metric.MeterProvider, otelhelper.ShutdownFunc, error) {
	if !enabled {
		return noop.NewMeterProvider(), noShutdown, nil
	}

	provider, shutdown, err := otelhelper.NewMeterProvider(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	logger.InfoContext(ctx, "OpenTelemetry metrics enabled", "service", serviceName)

	return provider, shutdown, nil
}
