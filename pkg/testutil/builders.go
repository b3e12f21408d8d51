// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates a normalized workflow with one step per URL.
func CreateTestWorkflow(urls []string, overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	workflow := &models.WorkflowDefinition{
		ID:        uuid.NewString(),
		Name:      "Test Workflow",
		CreatedAt: time.Now().UTC(),
	}

	for _, url := range urls {
		workflow.Steps = append(workflow.Steps, models.StepSpec{URL: url})
	}

	for _, override := range overrides {
		override(workflow)
	}

	workflow.Normalize()

	return workflow
}

// CreateTestExecution creates a queued execution for the workflow.
func CreateTestExecution(workflow *models.WorkflowDefinition, overrides ...func(*models.Execution)) *models.Execution {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}

	execution := models.NewQueuedExecution(id.String(), workflow.ID, time.Now().UTC().Truncate(time.Millisecond))

	for _, override := range overrides {
		override(execution)
	}

	return execution
}

// WithStartedAt sets the execution start time, which is also its last status change.
func WithStartedAt(startedAt time.Time) func(*models.Execution) {
	return func(e *models.Execution) {
		e.StartedAt = startedAt.UTC().Truncate(time.Millisecond)
		e.UpdatedAt = e.StartedAt
	}
}

// WithStatus stores the execution with a status other than queued.
func WithStatus(status models.ExecutionStatus) func(*models.Execution) {
	return func(e *models.Execution) {
		e.Status = status
	}
}

// SuccessResult builds a result where every step succeeded with status 200.
func SuccessResult(workflow *models.WorkflowDefinition) *models.ExecutionResult {
	result := models.NewExecutionResult(len(workflow.Steps))
	code := 200

	for _, step := range workflow.Steps {
		result.Append(models.StepResult{
			StepID:     step.StepID,
			Outcome:    models.StepOutcomeSuccess,
			StatusCode: &code,
			Data:       []byte(`{"ok":true}`),
		})
	}

	return result
}
