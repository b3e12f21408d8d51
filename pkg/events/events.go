// Package events defines the terminal execution events and their emission.
package events

import (
	"context"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const (
	WorkflowCompletedEvent EventType = "workflow_completed"
	WorkflowFailedEvent    EventType = "workflow_failed"
)

// ExecutionEvent announces that an execution reached a terminal status.
type ExecutionEvent struct {
	ID          string                  `json:"id"`
	Type        EventType               `json:"type"`
	ExecutionID string                  `json:"executionId"`
	WorkflowID  string                  `json:"workflowId"`
	Status      models.ExecutionStatus  `json:"status"`
	Results     *models.ExecutionResult `json:"results,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Metrics     models.MetricsSnapshot  `json:"metrics"`
	Timestamp   time.Time               `json:"timestamp"`
}

func (e ExecutionEvent) GetType() EventType {
	return e.Type
}

// NewTerminalEvent builds the event for a terminal execution and the metrics after recording it.
func NewTerminalEvent(execution *models.Execution, snapshot models.MetricsSnapshot) ExecutionEvent {
	eventType := WorkflowCompletedEvent
	if execution.Status == models.ExecutionStatusFailed {
		eventType = WorkflowFailedEvent
	}

	return ExecutionEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Status:      execution.Status,
		Results:     execution.Results,
		Error:       execution.Error,
		Metrics:     snapshot,
		Timestamp:   time.Now().UTC(),
	}
}

// Recorder counts terminal executions.
type Recorder interface {
	Record(ctx context.Context, execution *models.Execution) models.MetricsSnapshot
}

// Publisher pushes events to live observers.
type Publisher interface {
	Publish(ctx context.Context, event ExecutionEvent)
}
