package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/queue"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const DefaultStoreTimeout = 5 * time.Second

// TerminalEmitter announces executions that reached a terminal status.
type TerminalEmitter interface {
	Terminal(ctx context.Context, execution *models.Execution)
}

// SubmitRequest is the accepted submission payload.
type SubmitRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	WorkflowName string            `json:"workflowName"`
	Description  string            `json:"description"`
	Steps        []models.StepSpec `json:"steps"`
}

// SubmitResponse acknowledges an accepted execution.
type SubmitResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      models.ExecutionStatus `json:"status"`
}

// Gateway validates submissions, records them and hands them to the queue.
type Gateway struct {
	store        persistence.Persistence
	queue        queue.Queue
	emitter      TerminalEmitter
	validate     *validator.Validate
	payload      *payloadValidator
	storeTimeout time.Duration
	logger       *slog.Logger
}

// NewGateway creates a new submission gateway.
func NewGateway(
	store persistence.Persistence,
	q queue.Queue,
	emitter TerminalEmitter,
	validate *validator.Validate,
	storeTimeout time.Duration,
	logger *slog.Logger,
) (*Gateway, error) {
	payload, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}

	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}

	return &Gateway{
		store:        store,
		queue:        q,
		emitter:      emitter,
		validate:     validate,
		payload:      payload,
		storeTimeout: storeTimeout,
		logger:       logger.With("module", "gateway"),
	}, nil
}

// Submit accepts a raw workflow payload and queues one execution of it.
func (g *Gateway) Submit(ctx context.Context, raw []byte) (*SubmitResponse, error) {
	workflow, err := g.parse(ctx, raw)
	if err != nil {
		return nil, err
	}

	executionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution id: %w", err)
	}

	now := time.Now().UTC()
	workflow.CreatedAt = now
	execution := models.NewQueuedExecution(executionID.String(), workflow.ID, now)

	logger := g.logger.With("execution_id", execution.ID, "workflow_id", workflow.ID)

	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	err = g.store.CreateQueued(storeCtx, workflow, execution)

	cancel()

	if persistence.IsWorkflowConflict(err) {
		return nil, NewValidationError("Submit", "workflow_conflict",
			"workflow "+workflow.ID+" was already submitted with different steps",
			fmt.Errorf("%w: %w", ErrWorkflowConflict, err))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	err = g.queue.Enqueue(ctx, queue.Job{
		ExecutionID: execution.ID,
		Workflow:    workflow,
		EnqueuedAt:  now,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to enqueue execution", "error", err)
		g.compensate(ctx, workflow, execution, err, logger)

		return nil, &ServiceError{
			Op:      "Submit",
			Code:    "queue_delivery",
			Message: "execution " + execution.ID + " could not be queued",
			Err:     fmt.Errorf("%w: %w", ErrQueueDelivery, err),
		}
	}

	logger.InfoContext(ctx, "Execution queued", "steps", len(workflow.Steps))

	return &SubmitResponse{ExecutionID: execution.ID, Status: models.ExecutionStatusQueued}, nil
}

func (g *Gateway) parse(ctx context.Context, raw []byte) (*models.WorkflowDefinition, error) {
	err := g.payload.validate(raw)
	if err != nil {
		return nil, err
	}

	var req SubmitRequest

	err = json.Unmarshal(raw, &req)
	if err != nil {
		return nil, NewValidationError("Submit", "invalid_payload", err.Error(), ErrInvalidPayload)
	}

	workflow := &models.WorkflowDefinition{
		ID:          strings.TrimSpace(req.ID),
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
	}

	if strings.TrimSpace(workflow.Name) == "" {
		workflow.Name = req.WorkflowName
	}

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	workflow.Normalize()

	err = g.validate.StructCtx(ctx, workflow)
	if err != nil {
		return nil, NewValidationError("Submit", "invalid_workflow", describeValidation(err), ErrInvalidWorkflow)
	}

	return workflow, nil
}

// compensate fails an execution whose job never reached the queue.
func (g *Gateway) compensate(
	ctx context.Context,
	workflow *models.WorkflowDefinition,
	execution *models.Execution,
	cause error,
	logger *slog.Logger,
) {
	ctx = context.WithoutCancel(ctx)
	diagnostic := "queue delivery failed: " + cause.Error()
	result := models.FailedResult(workflow.Steps, nil, diagnostic)

	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	err := g.store.WriteTerminal(storeCtx, execution.ID, models.ExecutionStatusFailed, result, diagnostic)
	if persistence.IsInvalidTransition(err) {
		logger.WarnContext(ctx, "Execution already finished, skipping compensation")

		return
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to compensate execution, leaving it to the repair job", "error", err)

		return
	}

	err = execution.Finish(models.ExecutionStatusFailed, result, diagnostic, time.Now().UTC())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to finish compensated execution", "error", err)

		return
	}

	g.emitter.Terminal(ctx, execution)
}
