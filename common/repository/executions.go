package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foundryhq/foundry/common/db"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/models"
)

// ExecutionRepository handles database operations for execution state.
// Every write is a single-statement full-row write: the row is the
// checkpoint, and the partial unique index on (workflow_id, project_id)
// WHERE status='running' makes concurrent second starts fail loudly.
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

const executionColumns = `id, workflow_id, project_id, status, current_node_id, context, step_history, started_at, last_activity_at, paused_at, completed_at, last_error, retry_count`

// Create inserts the initial execution row. exclusive=false opts the row out
// of the single-active-execution index for callers that explicitly permit
// concurrent runs of the same workflow.
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution, exclusive bool) error {
	query := `
		INSERT INTO executions (id, workflow_id, project_id, status, current_node_id, context, step_history, exclusive, started_at, last_activity_at, paused_at, completed_at, last_error, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.Exec(ctx, query,
		exec.ID,
		exec.WorkflowID,
		exec.ProjectID,
		exec.Status,
		exec.CurrentNodeID,
		exec.Context,
		exec.StepHistory,
		exclusive,
		exec.StartedAt,
		exec.LastActivityAt,
		exec.PausedAt,
		exec.CompletedAt,
		exec.LastError,
		exec.RetryCount,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Newf(errdefs.KindConflict, "workflow %s already has a running execution", exec.WorkflowID)
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE id = $1
	`

	exec := &models.Execution{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.ProjectID,
		&exec.Status,
		&exec.CurrentNodeID,
		&exec.Context,
		&exec.StepHistory,
		&exec.StartedAt,
		&exec.LastActivityAt,
		&exec.PausedAt,
		&exec.CompletedAt,
		&exec.LastError,
		&exec.RetryCount,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.Newf(errdefs.KindNotFound, "execution %s not found", id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// Update checkpoints the full execution state in one atomic write.
// A status moving to 'running' can trip the single-active index when another
// run grabbed it in between; that surfaces as a conflict.
func (r *ExecutionRepository) Update(ctx context.Context, exec *models.Execution) error {
	query := `
		UPDATE executions
		SET status = $2, current_node_id = $3, context = $4, step_history = $5,
		    last_activity_at = $6, paused_at = $7, completed_at = $8,
		    last_error = $9, retry_count = $10
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query,
		exec.ID,
		exec.Status,
		exec.CurrentNodeID,
		exec.Context,
		exec.StepHistory,
		exec.LastActivityAt,
		exec.PausedAt,
		exec.CompletedAt,
		exec.LastError,
		exec.RetryCount,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Newf(errdefs.KindConflict, "workflow %s already has a running execution", exec.WorkflowID)
		}
		return fmt.Errorf("failed to update execution: %w", err)
	}

	if result.RowsAffected() == 0 {
		return errdefs.Newf(errdefs.KindNotFound, "execution %s not found", exec.ID)
	}

	return nil
}

// ListByWorkflow retrieves recent executions of a workflow, newest first
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListStaleRunning returns running executions whose last activity predates
// the cutoff. The sweeper marks these failed.
func (r *ExecutionRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'running' AND last_activity_at < $1
		ORDER BY last_activity_at ASC
	`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// MarkFailed transitions an execution to failed with the given cause, but
// only if it still holds the expected status. Returns false when the row
// moved on in the meantime (another writer finished it first).
func (r *ExecutionRepository) MarkFailed(ctx context.Context, id uuid.UUID, expected models.ExecutionStatus, cause *models.ExecError) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'failed', last_error = $3, completed_at = NOW(), last_activity_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.Exec(ctx, query, id, expected, cause)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution failed: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

func scanExecutions(rows pgx.Rows) ([]*models.Execution, error) {
	var executions []*models.Execution
	for rows.Next() {
		exec := &models.Execution{}
		err := rows.Scan(
			&exec.ID,
			&exec.WorkflowID,
			&exec.ProjectID,
			&exec.Status,
			&exec.CurrentNodeID,
			&exec.Context,
			&exec.StepHistory,
			&exec.StartedAt,
			&exec.LastActivityAt,
			&exec.PausedAt,
			&exec.CompletedAt,
			&exec.LastError,
			&exec.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}
