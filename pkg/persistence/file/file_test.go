package file_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/persistence/file"
	"github.com/dukex/stepflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) persistence.Persistence {
	t.Helper()

	store, err := file.NewPersistence("file://" + t.TempDir())
	require.NoError(t, err)

	return store
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	testutil.RunPersistenceSuite(t, newStore)
}

func TestPersistence_Layout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := file.NewPersistence(root)
	require.NoError(t, err)

	workflow := testutil.CreateTestWorkflow([]string{"https://example.com"})
	execution := testutil.CreateTestExecution(workflow)
	require.NoError(t, store.CreateQueued(context.Background(), workflow, execution))

	assert.FileExists(t, filepath.Join(root, "workflows", workflow.ID+".json"))
	assert.FileExists(t, filepath.Join(root, "executions", execution.ID+".json"))
}

func TestPersistence_FirstWorkflowDefinitionWins(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := file.NewPersistence(root)
	require.NoError(t, err)

	workflow := testutil.CreateTestWorkflow([]string{"https://example.com"})
	require.NoError(t, store.CreateQueued(context.Background(), workflow, testutil.CreateTestExecution(workflow)))

	renamed := *workflow
	renamed.Name = "Renamed"
	require.NoError(t, store.CreateQueued(context.Background(), &renamed, testutil.CreateTestExecution(&renamed)))

	data, err := os.ReadFile(filepath.Join(root, "workflows", workflow.ID+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Test Workflow")
	assert.NotContains(t, string(data), "Renamed")
}

func TestPersistence_ConcurrentTerminalWrites(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	workflow := testutil.CreateTestWorkflow([]string{"https://example.com"})
	execution := testutil.CreateTestExecution(workflow)
	require.NoError(t, store.CreateQueued(ctx, workflow, execution))
	require.NoError(t, store.MarkRunning(ctx, execution.ID))

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = store.WriteTerminal(ctx, execution.ID, models.ExecutionStatusCompleted, testutil.SuccessResult(workflow), "")
		}()
	}

	wg.Wait()

	got, err := store.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Len(t, got.Results.StepResults, 1)
}
