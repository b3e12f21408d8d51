// Package runner executes workflow jobs: it walks the steps in order and records the outcome.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/actions/httprequest"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStepTimeout  = 30 * time.Second
	DefaultStoreTimeout = 5 * time.Second
)

// Emitter announces executions that reached a terminal status.
type Emitter interface {
	Terminal(ctx context.Context, execution *models.Execution)
}

type Config struct {
	StepTimeout  time.Duration
	StoreTimeout time.Duration
	HTTPClient   *http.Client
}

// Runner implements queue.Handler.
type Runner struct {
	store   persistence.Persistence
	emitter Emitter
	tracer  trace.Tracer
	config  Config
	logger  *slog.Logger

	// results computed but not yet persisted, keyed by execution id
	pending sync.Map
}

var _ queue.Handler = (*Runner)(nil)

func New(store persistence.Persistence, emitter Emitter, tracer trace.Tracer, config Config, logger *slog.Logger) *Runner {
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}

	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}

	return &Runner{
		store:   store,
		emitter: emitter,
		tracer:  tracer,
		config:  config,
		logger:  logger.With("module", "runner"),
	}
}

// Handle runs one delivery of a job. In-flight executions are not cancelled by
// the delivery context; they run to completion.
func (r *Runner) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	ctx = context.WithoutCancel(ctx)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "execution.run",
		attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
		attribute.String(otelhelper.WorkflowIDKey, job.Workflow.ID),
		attribute.String(otelhelper.WorkflowNameKey, job.Workflow.Name),
		attribute.Int(otelhelper.StepCountKey, len(job.Workflow.Steps)),
	)
	defer span.End()

	ctx, logger := r.jobLogger(ctx, job)

	err := r.withStore(ctx, func(ctx context.Context) error {
		return r.store.MarkRunning(ctx, job.ExecutionID)
	})

	switch {
	case persistence.IsExecutionNotFound(err):
		logger.ErrorContext(ctx, "Execution not found, rejecting job")
		otelhelper.SetError(span, err)

		return queue.Reject(err)
	case persistence.IsInvalidTransition(err):
		logger.InfoContext(ctx, "Execution already finished, acknowledging redelivery")

		// A cached result means the last completed write reported an error; it
		// may still have been committed, in which case nobody announced it yet.
		if _, ok := r.pending.LoadAndDelete(job.ExecutionID); ok {
			r.emitCommitted(ctx, logger, job.ExecutionID, models.ExecutionStatusCompleted, "")
		}

		return queue.Ack()
	case err != nil:
		otelhelper.SetError(span, err)

		return queue.Retry(&InfrastructureError{Op: "MarkRunning", ExecutionID: job.ExecutionID, Err: err})
	}

	var result *models.ExecutionResult

	if cached, ok := r.pending.Load(job.ExecutionID); ok {
		result, _ = cached.(*models.ExecutionResult)

		logger.InfoContext(ctx, "Reusing results of a previous attempt")
	}

	if result == nil {
		logger.InfoContext(ctx, "Running workflow", "steps", len(job.Workflow.Steps))

		result = r.runSteps(ctx, job, logger)
		r.pending.Store(job.ExecutionID, result)
	}

	err = r.withStore(ctx, func(ctx context.Context) error {
		return r.store.WriteTerminal(ctx, job.ExecutionID, models.ExecutionStatusCompleted, result, "")
	})

	if persistence.IsInvalidTransition(err) {
		logger.WarnContext(ctx, "Execution finished elsewhere, dropping results")
		r.pending.Delete(job.ExecutionID)

		return queue.Ack()
	}

	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "Failed to record results", "error", err)

		return queue.Retry(&InfrastructureError{Op: "WriteTerminal", ExecutionID: job.ExecutionID, Err: err})
	}

	r.pending.Delete(job.ExecutionID)

	span.SetAttributes(attribute.String(otelhelper.ExecutionStatusKey, string(models.ExecutionStatusCompleted)))

	r.emitter.Terminal(ctx, terminalExecution(job, models.ExecutionStatusCompleted, result, ""))

	return queue.Ack()
}

// Exhausted records the job as failed once the queue gave up retrying it.
func (r *Runner) Exhausted(ctx context.Context, job queue.Job, cause error) {
	ctx, logger := r.jobLogger(context.WithoutCancel(ctx), job)

	var partial *models.ExecutionResult

	if cached, ok := r.pending.LoadAndDelete(job.ExecutionID); ok {
		partial, _ = cached.(*models.ExecutionResult)
	}

	diagnostic := "job failed after retries"
	if cause != nil {
		diagnostic = cause.Error()
	}

	result := models.FailedResult(job.Workflow.Steps, partial, diagnostic)

	err := r.withStore(ctx, func(ctx context.Context) error {
		return r.store.WriteTerminal(ctx, job.ExecutionID, models.ExecutionStatusFailed, result, diagnostic)
	})

	if persistence.IsInvalidTransition(err) {
		logger.InfoContext(ctx, "Execution already finished")

		return
	}

	if err != nil {
		if r.emitCommitted(ctx, logger, job.ExecutionID, models.ExecutionStatusFailed, diagnostic) {
			return
		}

		logger.ErrorContext(ctx, "Failed to record failed execution, leaving it to the repair job", "error", err)

		return
	}

	r.emitter.Terminal(ctx, terminalExecution(job, models.ExecutionStatusFailed, result, diagnostic))
}

// emitCommitted emits the stored execution when a terminal write that reported
// an error was in fact committed with the given status and diagnostic.
func (r *Runner) emitCommitted(
	ctx context.Context,
	logger *slog.Logger,
	id string,
	status models.ExecutionStatus,
	diagnostic string,
) bool {
	var stored *models.Execution

	err := r.withStore(ctx, func(ctx context.Context) error {
		var err error

		stored, err = r.store.ExecutionByID(ctx, id)

		return err
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to read execution back after a terminal write error", "error", err)

		return false
	}

	if stored.Status != status || stored.Error != diagnostic {
		return false
	}

	logger.InfoContext(ctx, "Terminal write was committed, emitting it", "status", stored.Status)
	r.emitter.Terminal(ctx, stored)

	return true
}

// jobLogger scopes the logger to job and stores it in the returned context.
func (r *Runner) jobLogger(ctx context.Context, job queue.Job) (context.Context, *slog.Logger) {
	logger := r.logger.With("execution_id", job.ExecutionID, "workflow_id", job.Workflow.ID)

	return log.ContextWithLogger(ctx, logger), logger
}

func (r *Runner) runSteps(ctx context.Context, job queue.Job, logger *slog.Logger) *models.ExecutionResult {
	result := models.NewExecutionResult(len(job.Workflow.Steps))

	for i, step := range job.Workflow.Steps {
		stepCtx, span := otelhelper.StartSpan(ctx, r.tracer, "step.execute",
			attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
			attribute.String(otelhelper.StepIDKey, step.StepID),
			attribute.Int(otelhelper.StepIndexKey, i),
			attribute.String(otelhelper.HTTPMethodKey, step.Method),
			attribute.String(otelhelper.HTTPURLKey, step.URL),
		)

		stepResult := httprequest.NewAction(step, r.config.StepTimeout, r.config.HTTPClient).Execute(stepCtx, logger)

		span.SetAttributes(attribute.String(otelhelper.StepOutcomeKey, string(stepResult.Outcome)))

		if stepResult.StatusCode != nil {
			span.SetAttributes(attribute.Int(otelhelper.HTTPStatusKey, *stepResult.StatusCode))
		}

		if stepResult.Outcome == models.StepOutcomeFailed {
			otelhelper.SetError(span, errors.New(stepResult.Error))
		}

		span.End()

		result.Append(stepResult)
	}

	logger.InfoContext(ctx, "Workflow steps finished",
		"success_count", result.Summary.SuccessCount,
		"failure_count", result.Summary.FailureCount,
	)

	return result
}

func (r *Runner) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	return fn(ctx)
}

func terminalExecution(job queue.Job, status models.ExecutionStatus, result *models.ExecutionResult, errMsg string) *models.Execution {
	now := time.Now().UTC()

	return &models.Execution{
		ID:          job.ExecutionID,
		WorkflowID:  job.Workflow.ID,
		Status:      status,
		Results:     result,
		Error:       errMsg,
		CompletedAt: &now,
	}
}
