package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceSuite exercises the behavior every persistence backend must share.
func RunPersistenceSuite(t *testing.T, newStore func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("create and fetch queued execution", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com/a", "https://example.com/b"})
		execution := CreateTestExecution(workflow)

		require.NoError(t, store.CreateQueued(ctx, workflow, execution))

		got, err := store.ExecutionByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.ID, got.ID)
		assert.Equal(t, workflow.ID, got.WorkflowID)
		assert.Equal(t, models.ExecutionStatusQueued, got.Status)
		assert.Nil(t, got.Results)
		assert.Nil(t, got.CompletedAt)
		assert.WithinDuration(t, execution.StartedAt, got.StartedAt, time.Second)
	})

	t.Run("same workflow id can back many executions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com"})
		first := CreateTestExecution(workflow)
		second := CreateTestExecution(workflow)

		require.NoError(t, store.CreateQueued(ctx, workflow, first))
		require.NoError(t, store.CreateQueued(ctx, workflow, second))

		_, err := store.ExecutionByID(ctx, second.ID)
		require.NoError(t, err)
	})

	t.Run("reused workflow id must name the same steps", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com/a"}, func(w *models.WorkflowDefinition) {
			w.Steps[0].Body = []byte(`{"amount":10,"currency":"EUR"}`)
		})
		require.NoError(t, store.CreateQueued(ctx, workflow, CreateTestExecution(workflow)))

		same := CreateTestWorkflow([]string{"https://example.com/a"}, func(w *models.WorkflowDefinition) {
			w.ID = workflow.ID
			w.Steps[0].Body = []byte(`{ "currency": "EUR", "amount": 10 }`)
		})
		require.NoError(t, store.CreateQueued(ctx, same, CreateTestExecution(same)))

		different := CreateTestWorkflow([]string{"https://example.com/a", "https://example.com/b"}, func(w *models.WorkflowDefinition) {
			w.ID = workflow.ID
		})
		rejected := CreateTestExecution(different)

		err := store.CreateQueued(ctx, different, rejected)
		require.ErrorIs(t, err, persistence.ErrWorkflowConflict)
		assert.True(t, persistence.IsWorkflowConflict(err))

		_, err = store.ExecutionByID(ctx, rejected.ID)
		assert.True(t, persistence.IsExecutionNotFound(err))

		stored, err := store.WorkflowByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Steps, 1)
	})

	t.Run("workflow definition lookup", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com/a", "https://example.com/b"})
		require.NoError(t, store.CreateQueued(ctx, workflow, CreateTestExecution(workflow)))

		got, err := store.WorkflowByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.Name, got.Name)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, workflow.Steps[1].URL, got.Steps[1].URL)
		assert.Equal(t, workflow.Steps[1].StepID, got.Steps[1].StepID)

		_, err = store.WorkflowByID(ctx, "does-not-exist")
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})

	t.Run("missing execution", func(t *testing.T) {
		store := newStore(t)

		_, err := store.ExecutionByID(context.Background(), "does-not-exist")
		require.Error(t, err)
		assert.True(t, persistence.IsExecutionNotFound(err))

		err = store.MarkRunning(context.Background(), "does-not-exist")
		assert.True(t, persistence.IsExecutionNotFound(err))

		err = store.WriteTerminal(context.Background(), "does-not-exist", models.ExecutionStatusFailed, nil, "x")
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("lifecycle and replay idempotence", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com/a", "https://example.com/b"})
		execution := CreateTestExecution(workflow)
		require.NoError(t, store.CreateQueued(ctx, workflow, execution))

		require.NoError(t, store.MarkRunning(ctx, execution.ID))
		require.NoError(t, store.MarkRunning(ctx, execution.ID))

		result := SuccessResult(workflow)
		require.NoError(t, store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusCompleted, result, ""))
		require.NoError(t, store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusCompleted, result, ""))

		got, err := store.ExecutionByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
		require.NotNil(t, got.Results)
		assert.Len(t, got.Results.StepResults, 2)
		assert.Equal(t, 2, got.Results.Summary.SuccessCount)
		assert.NotNil(t, got.CompletedAt)

		history, err := store.RecentExecutions(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("terminal executions never regress", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com"})
		execution := CreateTestExecution(workflow)
		require.NoError(t, store.CreateQueued(ctx, workflow, execution))
		require.NoError(t, store.MarkRunning(ctx, execution.ID))
		require.NoError(t, store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusCompleted, SuccessResult(workflow), ""))

		err := store.MarkRunning(ctx, execution.ID)
		assert.True(t, persistence.IsInvalidTransition(err))

		failed := models.FailedResult(workflow.Steps, nil, "late failure")
		err = store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusFailed, failed, "late failure")
		assert.True(t, persistence.IsInvalidTransition(err))

		got, err := store.ExecutionByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	})

	t.Run("queued can fail directly", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com"})
		execution := CreateTestExecution(workflow)
		require.NoError(t, store.CreateQueued(ctx, workflow, execution))

		err := store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusCompleted, SuccessResult(workflow), "")
		assert.True(t, persistence.IsInvalidTransition(err))

		failed := models.FailedResult(workflow.Steps, nil, "queue unavailable")
		require.NoError(t, store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusFailed, failed, "queue unavailable"))

		got, err := store.ExecutionByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, got.Status)
		assert.Equal(t, "queue unavailable", got.Error)
		assert.Equal(t, 1, got.Results.Summary.FailureCount)
	})

	t.Run("recent executions newest first with limit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com"})
		base := time.Now().Add(-time.Hour)

		ids := make([]string, 0, 5)

		for i := range 5 {
			execution := CreateTestExecution(workflow, WithStartedAt(base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, store.CreateQueued(ctx, workflow, execution))

			ids = append(ids, execution.ID)
		}

		history, err := store.RecentExecutions(ctx, 3)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, ids[4], history[0].ID)
		assert.Equal(t, ids[3], history[1].ID)
		assert.Equal(t, ids[2], history[2].ID)
	})

	t.Run("stale executions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com"})
		old := CreateTestExecution(workflow, WithStartedAt(time.Now().Add(-2*time.Hour)))
		oldDone := CreateTestExecution(workflow, WithStartedAt(time.Now().Add(-2*time.Hour)))
		fresh := CreateTestExecution(workflow)

		for _, execution := range []*models.Execution{old, oldDone, fresh} {
			require.NoError(t, store.CreateQueued(ctx, workflow, execution))
		}

		require.NoError(t, store.MarkRunning(ctx, oldDone.ID))
		require.NoError(t, store.WriteTerminal(ctx, oldDone.ID, models.ExecutionStatusCompleted, SuccessResult(workflow), ""))

		stale, err := store.StaleExecutions(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ID)
	})

	t.Run("staleness counts from the last status change", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		workflow := CreateTestWorkflow([]string{"https://example.com"})
		waiting := CreateTestExecution(workflow, WithStartedAt(time.Now().Add(-2*time.Hour)))
		started := CreateTestExecution(workflow, WithStartedAt(time.Now().Add(-2*time.Hour)))
		stuck := CreateTestExecution(workflow,
			WithStartedAt(time.Now().Add(-2*time.Hour)),
			WithStatus(models.ExecutionStatusRunning),
		)

		for _, execution := range []*models.Execution{waiting, started, stuck} {
			require.NoError(t, store.CreateQueued(ctx, workflow, execution))
		}

		require.NoError(t, store.MarkRunning(ctx, started.ID))

		got, err := store.ExecutionByID(ctx, started.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)
		assert.WithinDuration(t, started.StartedAt, got.StartedAt, time.Second)

		stale, err := store.StaleExecutions(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)

		ids := make([]string, 0, len(stale))
		for _, execution := range stale {
			ids = append(ids, execution.ID)
		}

		assert.ElementsMatch(t, []string{waiting.ID, stuck.ID}, ids)
	})

	t.Run("health check", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.HealthCheck(context.Background()))
	})
}
