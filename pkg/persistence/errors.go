package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/models"
)

var (
	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrWorkflowNotFound indicates no workflow definition was stored under the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowConflict indicates a workflow identifier is already stored with different steps.
	ErrWorkflowConflict = errors.New("workflow id is already used by a different definition")

	// ErrExecutionAlreadyExists indicates an execution with the same identifier already exists.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrUnsupportedDatabase indicates the database URL scheme has no backend.
	ErrUnsupportedDatabase = errors.New("unsupported database")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "MarkRunning", "WriteTerminal")
	ExecutionID string
	Err         error
	Message     string
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for execution %s: %s (%v)", e.Op, e.ExecutionID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsWorkflowConflict checks if an error indicates a reused workflow id with different steps.
func IsWorkflowConflict(err error) bool {
	return errors.Is(err, ErrWorkflowConflict)
}

// IsInvalidTransition checks if an error indicates a rejected status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, models.ErrInvalidTransition)
}
