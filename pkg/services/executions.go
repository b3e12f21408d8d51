package services

import (
	"context"
	"fmt"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// MetricsSource exposes the current execution counters.
type MetricsSource interface {
	Snapshot() models.MetricsSnapshot
}

// Executions serves the read side: lookups, history and metrics.
type Executions struct {
	store   persistence.Persistence
	metrics MetricsSource
}

func NewExecutions(store persistence.Persistence, metrics MetricsSource) *Executions {
	return &Executions{
		store:   store,
		metrics: metrics,
	}
}

// HealthCheck checks the health of the persistence layer.
func (e *Executions) HealthCheck(ctx context.Context) (string, bool) {
	if e.store == nil {
		return "Persistence layer not initialized", false
	}

	err := e.store.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Execution returns the execution with the given id.
func (e *Executions) Execution(ctx context.Context, id string) (*models.Execution, error) {
	execution, err := e.store.ExecutionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return execution, nil
}

// History returns the most recent executions, newest first.
// A zero limit selects the default; larger limits are capped.
func (e *Executions) History(ctx context.Context, limit int) ([]*models.Execution, error) {
	if limit < 0 {
		return nil, NewValidationError("History", "invalid_limit", "limit must not be negative", ErrInvalidLimit)
	}

	executions, err := e.store.RecentExecutions(ctx, persistence.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	if executions == nil {
		executions = []*models.Execution{}
	}

	return executions, nil
}

// Metrics returns the current execution counters.
func (e *Executions) Metrics() models.MetricsSnapshot {
	return e.metrics.Snapshot()
}
