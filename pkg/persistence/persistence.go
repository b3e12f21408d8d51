// Package persistence provides the execution store abstraction for workflows and their executions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Persistence stores workflow definitions and the lifecycle of their executions.
// Every write is atomic per execution and never moves an execution backwards.
type Persistence interface {
	// CreateQueued records the workflow (first definition wins) and a new queued execution.
	CreateQueued(ctx context.Context, workflow *models.WorkflowDefinition, execution *models.Execution) error
	// MarkRunning moves a queued or running execution to running.
	MarkRunning(ctx context.Context, id string) error
	// WriteTerminal replaces the execution row with its terminal status and results.
	WriteTerminal(ctx context.Context, id string, status models.ExecutionStatus, result *models.ExecutionResult, errMsg string) error

	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	RecentExecutions(ctx context.Context, limit int) ([]*models.Execution, error)
	// StaleExecutions lists non-terminal executions whose status last changed before the given instant.
	StaleExecutions(ctx context.Context, before time.Time) ([]*models.Execution, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ClampLimit normalizes a history limit into [1, MaxHistoryLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}

	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}

	return limit
}

// CheckTransition decides the error for a rejected write given the current status.
func CheckTransition(id string, current, target models.ExecutionStatus) error {
	if models.CanTransition(current, target) {
		return nil
	}

	return &ExecutionError{
		Op:          "Transition",
		ExecutionID: id,
		Err:         models.ErrInvalidTransition,
		Message:     string(current) + " -> " + string(target),
	}
}
