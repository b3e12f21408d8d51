package runner

import (
	"errors"
	"fmt"
)

// InfrastructureError reports a failure of the runner's own plumbing, such as a
// store write. It is the only failure that makes the queue retry a job.
type InfrastructureError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsInfrastructureError checks if an error was raised by the runner's plumbing.
func IsInfrastructureError(err error) bool {
	var target *InfrastructureError

	return errors.As(err, &target)
}
