// Package metrics aggregates process-wide execution counters.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/stepflow/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dukex/stepflow/pkg/metrics"

// Aggregator counts terminal executions. Counters are volatile and reset on restart.
// Every update is serialized, so total == successful + failed in any snapshot.
type Aggregator struct {
	mu       sync.Mutex
	snapshot models.MetricsSnapshot

	total      metric.Int64Counter
	successful metric.Int64Counter
	failed     metric.Int64Counter
}

// NewAggregator creates an aggregator that mirrors its counters to provider.
func NewAggregator(provider metric.MeterProvider) (*Aggregator, error) {
	meter := provider.Meter(meterName)

	total, err := meter.Int64Counter("stepflow.executions.total",
		metric.WithDescription("Executions that reached a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create total counter: %w", err)
	}

	successful, err := meter.Int64Counter("stepflow.executions.successful",
		metric.WithDescription("Completed executions without failed steps"))
	if err != nil {
		return nil, fmt.Errorf("failed to create successful counter: %w", err)
	}

	failed, err := meter.Int64Counter("stepflow.executions.failed",
		metric.WithDescription("Failed executions or executions with failed steps"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	return &Aggregator{
		total:      total,
		successful: successful,
		failed:     failed,
	}, nil
}

// Record counts a terminal execution and returns the snapshot right after the update.
// Non-terminal executions are not counted.
func (a *Aggregator) Record(ctx context.Context, execution *models.Execution) models.MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !execution.Status.IsTerminal() {
		return a.snapshot
	}

	attrs := metric.WithAttributes(attribute.String("status", string(execution.Status)))

	a.snapshot.TotalExecutions++
	a.total.Add(ctx, 1, attrs)

	if Successful(execution) {
		a.snapshot.SuccessfulExecutions++
		a.successful.Add(ctx, 1, attrs)
	} else {
		a.snapshot.FailedExecutions++
		a.failed.Add(ctx, 1, attrs)
	}

	return a.snapshot
}

// Snapshot returns a consistent copy of the counters.
func (a *Aggregator) Snapshot() models.MetricsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.snapshot
}

// Successful reports whether a terminal execution counts as a success:
// the job completed and no step failed.
func Successful(execution *models.Execution) bool {
	return execution.Status == models.ExecutionStatusCompleted && execution.FailureCount() == 0
}
