package sqlbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const executionColumns = "id, workflow_id, status, results, error_message, started_at, completed_at, updated_at"

// Persistence implements persistence.Persistence on top of database/sql.
type Persistence struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewPersistence opens the database behind databaseURL, runs migrations and returns the store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	target, err := ParseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	err = RunMigrations(ctx, logger, target)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := sql.Open(target.DriverName, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", target.Dialect, err)
	}

	if target.Dialect == DialectSQLite {
		database.SetMaxOpenConns(1)
	} else {
		database.SetMaxOpenConns(10)
		database.SetMaxIdleConns(10)
		database.SetConnMaxLifetime(30 * time.Minute)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Persistence{
		db:      database,
		dialect: target.Dialect,
		logger:  logger.With("module", "sqlbase", "dialect", string(target.Dialect)),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// CreateQueued inserts the workflow if absent and the queued execution in one transaction.
func (p *Persistence) CreateQueued(ctx context.Context, workflow *models.WorkflowDefinition, execution *models.Execution) error {
	definition, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	inserted, err := tx.ExecContext(ctx,
		p.dialect.InsertIgnore("workflows", []string{"id", "name", "definition", "created_at"}, "id"),
		workflow.ID, workflow.Name, string(definition), workflow.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	rows, err := inserted.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	if rows == 0 {
		stored, err := scanWorkflow(tx.QueryRowContext(ctx,
			p.dialect.Rebind("SELECT definition FROM workflows WHERE id = ?"), workflow.ID), workflow.ID)
		if err != nil {
			return err
		}

		if !stored.SameSteps(workflow) {
			return fmt.Errorf("%w: %s", persistence.ErrWorkflowConflict, workflow.ID)
		}
	}

	_, err = tx.ExecContext(ctx,
		p.dialect.Rebind("INSERT INTO executions (id, workflow_id, status, started_at, updated_at) VALUES (?, ?, ?, ?, ?)"),
		execution.ID, execution.WorkflowID, string(execution.Status), execution.StartedAt.UTC(), execution.LastChange().UTC(),
	)
	if err != nil {
		return persistence.NewExecutionError("CreateQueued", execution.ID, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// MarkRunning moves a queued (or already running) execution to running.
func (p *Persistence) MarkRunning(ctx context.Context, id string) error {
	return p.transition(ctx, "MarkRunning", id, models.ExecutionStatusRunning,
		"status = ?, updated_at = ?",
		string(models.ExecutionStatusRunning), time.Now().UTC(),
	)
}

// WriteTerminal replaces the execution row with its final status, results and diagnostic.
func (p *Persistence) WriteTerminal(
	ctx context.Context,
	id string,
	status models.ExecutionStatus,
	result *models.ExecutionResult,
	errMsg string,
) error {
	if !status.IsTerminal() {
		return persistence.NewExecutionError("WriteTerminal", id, models.ErrInvalidTransition)
	}

	results, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	now := time.Now().UTC()

	return p.transition(ctx, "WriteTerminal", id, status,
		"status = ?, results = ?, error_message = ?, completed_at = ?, updated_at = ?",
		string(status), string(results), nullString(errMsg), now, now,
	)
}

// transition runs a single guarded UPDATE; the WHERE clause only matches allowed predecessors.
func (p *Persistence) transition(
	ctx context.Context,
	op, id string,
	target models.ExecutionStatus,
	set string,
	values ...any,
) error {
	predecessors := target.Predecessors()
	if len(predecessors) == 0 {
		return persistence.NewExecutionError(op, id, models.ErrInvalidTransition)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(predecessors)), ", ")
	query := p.dialect.Rebind("UPDATE executions SET " + set + " WHERE id = ? AND status IN (" + placeholders + ")")

	args := append(values, id)
	for _, status := range predecessors {
		args = append(args, string(status))
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	if affected > 0 {
		return nil
	}

	current, err := p.ExecutionByID(ctx, id)
	if err != nil {
		return err
	}

	err = persistence.CheckTransition(id, current.Status, target)
	if err == nil {
		// The row changed between the update and the lookup.
		return persistence.NewExecutionError(op, id, models.ErrInvalidTransition)
	}

	p.logger.DebugContext(ctx, "Rejected status change", "execution_id", id, "from", current.Status, "to", target)

	return err
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	row := p.db.QueryRowContext(ctx,
		p.dialect.Rebind("SELECT "+executionColumns+" FROM executions WHERE id = ?"),
		id,
	)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ExecutionByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ExecutionByID", id, err)
	}

	return execution, nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return scanWorkflow(p.db.QueryRowContext(ctx, p.dialect.Rebind("SELECT definition FROM workflows WHERE id = ?"), id), id)
}

func scanWorkflow(row scanner, id string) (*models.WorkflowDefinition, error) {
	var definition string

	err := row.Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to query workflow %s: %w", id, err)
	}

	var workflow models.WorkflowDefinition

	err = json.Unmarshal([]byte(definition), &workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}

	return &workflow, nil
}

func (p *Persistence) RecentExecutions(ctx context.Context, limit int) ([]*models.Execution, error) {
	rows, err := p.db.QueryContext(ctx,
		p.dialect.Rebind("SELECT "+executionColumns+" FROM executions ORDER BY started_at DESC, id DESC LIMIT ?"),
		persistence.ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return collect(rows)
}

func (p *Persistence) StaleExecutions(ctx context.Context, before time.Time) ([]*models.Execution, error) {
	rows, err := p.db.QueryContext(ctx,
		p.dialect.Rebind("SELECT "+executionColumns+" FROM executions WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at ASC"),
		string(models.ExecutionStatusQueued), string(models.ExecutionStatusRunning), before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale executions: %w", err)
	}

	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution   models.Execution
		status      string
		results     sql.NullString
		errMessage  sql.NullString
		completedAt sql.NullTime
		updatedAt   sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&status,
		&results,
		&errMessage,
		&execution.StartedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatus(status)
	if !execution.Status.IsValid() {
		return nil, fmt.Errorf("unknown execution status %q for execution %s", status, execution.ID)
	}

	execution.Error = errMessage.String
	execution.StartedAt = execution.StartedAt.UTC()

	if updatedAt.Valid {
		execution.UpdatedAt = updatedAt.Time.UTC()
	}

	if completedAt.Valid {
		t := completedAt.Time.UTC()
		execution.CompletedAt = &t
	}

	if results.Valid && results.String != "" && results.String != "null" {
		var result models.ExecutionResult

		err = json.Unmarshal([]byte(results.String), &result)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}

		execution.Results = &result
	}

	return &execution, nil
}

func collect(rows *sql.Rows) ([]*models.Execution, error) {
	defer func() {
		_ = rows.Close()
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// DB exposes the underlying connection pool.
func (p *Persistence) DB() *sql.DB {
	return p.db
}
