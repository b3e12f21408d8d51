// Package services implements the submission gateway and the read side of executions.
package services

import (
	"errors"
	"fmt"
)

// Validation errors (400 Bad Request).
var (
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidLimit    = errors.New("invalid limit")

	// ErrWorkflowConflict rejects a client-supplied workflow id that names different steps.
	ErrWorkflowConflict = errors.New("workflow conflict")
)

// ErrQueueDelivery is returned when an accepted execution could not be handed to the queue.
var ErrQueueDelivery = errors.New("queue delivery failed")

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidWorkflow) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidLimit) ||
		errors.Is(err, ErrWorkflowConflict)
}

// IsQueueDeliveryError checks if an accepted execution failed to reach the queue.
func IsQueueDeliveryError(err error) bool {
	return errors.Is(err, ErrQueueDelivery)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
