// Package repair fails executions that were abandoned in a non-terminal status.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule     = "@every 1m"
	DefaultStaleAfter   = time.Hour
	DefaultStoreTimeout = 5 * time.Second

	// AbandonedDiagnostic is recorded on executions failed by the sweeper.
	AbandonedDiagnostic = "execution abandoned"
)

// Emitter announces executions that reached a terminal status.
type Emitter interface {
	Terminal(ctx context.Context, execution *models.Execution)
}

type Config struct {
	Schedule string
	// StaleAfter is how long an execution may stay queued or running. Zero disables the sweeper.
	StaleAfter   time.Duration
	StoreTimeout time.Duration
}

// Sweeper periodically marks stale executions as failed.
type Sweeper struct {
	store   persistence.Persistence
	emitter Emitter
	config  Config
	logger  *slog.Logger

	mutex  sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSweeper(store persistence.Persistence, emitter Emitter, config Config, logger *slog.Logger) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}

	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}

	return &Sweeper{
		store:   store,
		emitter: emitter,
		config:  config,
		logger:  logger.With("module", "repair"),
	}
}

func (s *Sweeper) Validate() error {
	if s.config.StaleAfter < 0 {
		return fmt.Errorf("stale-after must not be negative, got %s", s.config.StaleAfter)
	}

	_, err := cron.ParseStandard(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("invalid repair schedule '%s': %w", s.config.Schedule, err)
	}

	return nil
}

// Enabled reports whether the sweeper has anything to do.
func (s *Sweeper) Enabled() bool {
	return s.config.StaleAfter > 0
}

func (s *Sweeper) Start(ctx context.Context) error {
	err := s.Validate()
	if err != nil {
		return err
	}

	if !s.Enabled() {
		s.logger.InfoContext(ctx, "Repair sweeper disabled")

		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	sweepCtx := s.ctx

	entryID, err := s.cron.AddFunc(s.config.Schedule, func() {
		_, err := s.Sweep(sweepCtx)
		if err != nil {
			s.logger.ErrorContext(sweepCtx, "Repair sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule repair sweep: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Repair sweeper started",
		"schedule", s.config.Schedule,
		"stale_after", s.config.StaleAfter,
		"entry_id", entryID,
	)

	return nil
}

// Sweep fails every queued or running execution whose status has not changed
// for longer than StaleAfter.
// It returns how many executions it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	before := time.Now().UTC().Add(-s.config.StaleAfter)

	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	stale, err := s.store.StaleExecutions(storeCtx, before)

	cancel()

	if err != nil {
		return 0, fmt.Errorf("failed to list stale executions: %w", err)
	}

	repaired := 0

	for _, execution := range stale {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}

		if s.fail(ctx, execution) {
			repaired++
		}
	}

	if repaired > 0 {
		s.logger.InfoContext(ctx, "Failed abandoned executions", "count", repaired)
	}

	return repaired, nil
}

func (s *Sweeper) fail(ctx context.Context, execution *models.Execution) bool {
	logger := s.logger.With("execution_id", execution.ID, "workflow_id", execution.WorkflowID)

	storeCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	var steps []models.StepSpec

	workflow, err := s.store.WorkflowByID(storeCtx, execution.WorkflowID)
	if err != nil {
		logger.WarnContext(ctx, "Workflow definition unavailable, recording no step results", "error", err)
	} else {
		steps = workflow.Steps
	}

	result := models.FailedResult(steps, nil, AbandonedDiagnostic)

	err = s.store.WriteTerminal(storeCtx, execution.ID, models.ExecutionStatusFailed, result, AbandonedDiagnostic)
	if persistence.IsInvalidTransition(err) {
		logger.DebugContext(ctx, "Execution finished during sweep")

		return false
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to fail abandoned execution", "error", err)

		return false
	}

	err = execution.Finish(models.ExecutionStatusFailed, result, AbandonedDiagnostic, time.Now().UTC())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to finish abandoned execution", "error", err)

		return false
	}

	s.emitter.Terminal(ctx, execution)

	return true
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if s.cron == nil {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		s.logger.InfoContext(ctx, "Repair sweeper stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
