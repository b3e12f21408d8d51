package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider installs an OTLP/HTTP meter provider for serviceName as the
// global one. Measurements are exported on a fixed interval and flushed by the
// returned ShutdownFunc.
func NewMeterProvider(ctx context.Context, serviceName string) (*sdkmetric.MeterProvider, ShutdownFunc, error) {
	r, err := newResource(serviceName)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(r),
	)

	otel.SetMeterProvider(mp)

	return mp, mp.Shutdown, nil
}
