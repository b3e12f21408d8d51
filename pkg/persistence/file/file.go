// Package file provides file-based persistence for workflows and executions.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

const (
	workflowsDir  = "workflows"
	executionsDir = "executions"
)

// Persistence implements persistence.Persistence using one JSON file per record.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates the directory layout under root and returns the store.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{workflowsDir, executionsDir} {
		err := os.MkdirAll(filepath.Join(cleanRoot, dir), 0o755)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Persistence{root: cleanRoot}, nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) CreateQueued(_ context.Context, workflow *models.WorkflowDefinition, execution *models.Execution) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	executionPath := fp.path(executionsDir, execution.ID)
	if _, err := os.Stat(executionPath); err == nil {
		return persistence.NewExecutionError("CreateQueued", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	stored, err := fp.loadWorkflow(workflow.ID)

	switch {
	case persistence.IsWorkflowNotFound(err):
		err = writeJSON(fp.path(workflowsDir, workflow.ID), workflow)
		if err != nil {
			return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
		}
	case err != nil:
		return err
	case !stored.SameSteps(workflow):
		return fmt.Errorf("%w: %s", persistence.ErrWorkflowConflict, workflow.ID)
	}

	err = writeJSON(executionPath, execution)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", execution.ID, err)
	}

	return nil
}

func (fp *Persistence) MarkRunning(_ context.Context, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	execution, err := fp.load(id)
	if err != nil {
		return err
	}

	err = persistence.CheckTransition(id, execution.Status, models.ExecutionStatusRunning)
	if err != nil {
		return err
	}

	execution.Status = models.ExecutionStatusRunning
	execution.UpdatedAt = time.Now().UTC()

	return writeJSON(fp.path(executionsDir, id), execution)
}

func (fp *Persistence) WriteTerminal(
	_ context.Context,
	id string,
	status models.ExecutionStatus,
	result *models.ExecutionResult,
	errMsg string,
) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	execution, err := fp.load(id)
	if err != nil {
		return err
	}

	err = execution.Finish(status, result, errMsg, time.Now().UTC())
	if err != nil {
		return persistence.NewExecutionError("WriteTerminal", id, err)
	}

	return writeJSON(fp.path(executionsDir, id), execution)
}

func (fp *Persistence) ExecutionByID(_ context.Context, id string) (*models.Execution, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	return fp.load(id)
}

func (fp *Persistence) WorkflowByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	return fp.loadWorkflow(id)
}

func (fp *Persistence) loadWorkflow(id string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(fp.path(workflowsDir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to read workflow %s: %w", id, err)
	}

	var workflow models.WorkflowDefinition

	err = json.Unmarshal(data, &workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}

	return &workflow, nil
}

func (fp *Persistence) RecentExecutions(_ context.Context, limit int) ([]*models.Execution, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	executions, err := fp.all()
	if err != nil {
		return nil, err
	}

	sort.Slice(executions, func(i, j int) bool {
		if executions[i].StartedAt.Equal(executions[j].StartedAt) {
			return executions[i].ID > executions[j].ID
		}

		return executions[i].StartedAt.After(executions[j].StartedAt)
	})

	limit = persistence.ClampLimit(limit)
	if len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}

func (fp *Persistence) StaleExecutions(_ context.Context, before time.Time) ([]*models.Execution, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	executions, err := fp.all()
	if err != nil {
		return nil, err
	}

	stale := make([]*models.Execution, 0)

	for _, execution := range executions {
		if !execution.Status.IsTerminal() && execution.LastChange().Before(before) {
			stale = append(stale, execution)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastChange().Before(stale[j].LastChange())
	})

	return stale, nil
}

func (fp *Persistence) path(dir, id string) string {
	return filepath.Join(fp.root, dir, filepath.Base(id)+".json")
}

func (fp *Persistence) load(id string) (*models.Execution, error) {
	data, err := os.ReadFile(fp.path(executionsDir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}

	var execution models.Execution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}

	return &execution, nil
}

func (fp *Persistence) all() ([]*models.Execution, error) {
	root := os.DirFS(filepath.Join(fp.root, executionsDir))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.Execution, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		execution, err := fp.load(strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

// writeJSON replaces path atomically so readers never observe a partial record.
func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
