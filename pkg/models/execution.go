package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ErrInvalidTransition is returned when a status change would move an execution backwards.
var ErrInvalidTransition = errors.New("invalid execution status transition")

// transitions lists, for every target status, the statuses it may be reached from.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusQueued:    {},
	ExecutionStatusRunning:   {ExecutionStatusQueued, ExecutionStatusRunning},
	ExecutionStatusCompleted: {ExecutionStatusRunning, ExecutionStatusCompleted},
	ExecutionStatusFailed:    {ExecutionStatusQueued, ExecutionStatusRunning, ExecutionStatusFailed},
}

// IsValid reports whether the status is one of the known statuses.
func (s ExecutionStatus) IsValid() bool {
	_, ok := transitions[s]

	return ok
}

// IsTerminal reports whether no further transitions can occur.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Rank orders statuses along the lifecycle: queued < running < terminal.
func (s ExecutionStatus) Rank() int {
	switch s {
	case ExecutionStatusQueued:
		return 0
	case ExecutionStatusRunning:
		return 1
	case ExecutionStatusCompleted, ExecutionStatusFailed:
		return 2
	default:
		return -1
	}
}

// Predecessors returns the statuses from which the target status may be entered.
func (s ExecutionStatus) Predecessors() []ExecutionStatus {
	return transitions[s]
}

// CanTransition reports whether an execution in status from may move to status to.
func CanTransition(from, to ExecutionStatus) bool {
	for _, allowed := range transitions[to] {
		if allowed == from {
			return true
		}
	}

	return false
}

// StepOutcome is the classification of a single step call.
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeFailed  StepOutcome = "failed"
)

// StepResult records the outcome of one step.
type StepResult struct {
	StepID     string          `json:"stepId"`
	Outcome    StepOutcome     `json:"outcome"`
	StatusCode *int            `json:"statusCode,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// Summary counts step outcomes.
type Summary struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// ExecutionResult aggregates the results of every step of an execution.
type ExecutionResult struct {
	StepResults []StepResult `json:"stepResults"`
	Summary     Summary      `json:"summary"`
}

// NewExecutionResult returns an empty result with room for n steps.
func NewExecutionResult(n int) *ExecutionResult {
	return &ExecutionResult{StepResults: make([]StepResult, 0, n)}
}

// Append records a step result and updates the summary.
func (r *ExecutionResult) Append(result StepResult) {
	r.StepResults = append(r.StepResults, result)

	if result.Outcome == StepOutcomeSuccess {
		r.Summary.SuccessCount++
	} else {
		r.Summary.FailureCount++
	}
}

// FailedResult builds a result where every step of the workflow failed with reason.
// Steps already present in partial keep their recorded outcome.
func FailedResult(steps []StepSpec, partial *ExecutionResult, reason string) *ExecutionResult {
	result := NewExecutionResult(len(steps))

	for i, step := range steps {
		if partial != nil && i < len(partial.StepResults) {
			result.Append(partial.StepResults[i])

			continue
		}

		result.Append(StepResult{
			StepID:  step.StepID,
			Outcome: StepOutcomeFailed,
			Error:   reason,
		})
	}

	return result
}

// Execution is one run of a workflow.
type Execution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflowId"`
	Status      ExecutionStatus  `json:"status"`
	Results     *ExecutionResult `json:"results,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// NewQueuedExecution creates the initial execution record for a submitted workflow.
func NewQueuedExecution(id, workflowID string, now time.Time) *Execution {
	return &Execution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     ExecutionStatusQueued,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// LastChange returns when the status last changed. Records written before
// UpdatedAt existed fall back to StartedAt.
func (e *Execution) LastChange() time.Time {
	if e.UpdatedAt.IsZero() {
		return e.StartedAt
	}

	return e.UpdatedAt
}

// Transition moves the execution to status to, enforcing forward-only lifecycle rules.
func (e *Execution) Transition(to ExecutionStatus) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}

	e.Status = to

	return nil
}

// Finish moves the execution to a terminal status and attaches its results.
func (e *Execution) Finish(status ExecutionStatus, result *ExecutionResult, errMsg string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	err := e.Transition(status)
	if err != nil {
		return err
	}

	e.Results = result
	e.Error = errMsg
	e.CompletedAt = &now
	e.UpdatedAt = now

	return nil
}

// FailureCount returns the number of failed steps, or zero when no results exist.
func (e *Execution) FailureCount() int {
	if e.Results == nil {
		return 0
	}

	return e.Results.Summary.FailureCount
}
