package events

import (
	"context"
	"log/slog"

	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/models"
)

// Emitter records a terminal execution in the metrics and broadcasts it.
// It must be called exactly once per execution that reached a terminal status.
type Emitter struct {
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger
}

func NewEmitter(recorder Recorder, publisher Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{
		recorder:  recorder,
		publisher: publisher,
		logger:    logger.With("module", "emitter"),
	}
}

// Terminal emits the event for execution, which must be terminal.
// The logger stored in ctx, if any, is used instead of the emitter's own.
func (e *Emitter) Terminal(ctx context.Context, execution *models.Execution) {
	logger := log.FromContext(ctx, e.logger)

	if !execution.Status.IsTerminal() {
		logger.WarnContext(ctx, "Ignoring non-terminal execution", "execution_id", execution.ID, "status", execution.Status)

		return
	}

	snapshot := e.recorder.Record(ctx, execution)
	event := NewTerminalEvent(execution, snapshot)

	e.publisher.Publish(ctx, event)

	logger.InfoContext(ctx, "Execution finished",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"status", execution.Status,
		"event_type", event.Type,
	)
}
