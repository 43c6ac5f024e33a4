package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foundryhq/foundry/common/db"
	"github.com/foundryhq/foundry/common/models"
)

// LockRepository handles the per-issue automation locks. The primary key on
// (project_id, issue_id) is the concurrency guard: at most one automation
// execution per issue, enforced by the store so it survives crashes.
type LockRepository struct {
	db *db.DB
}

// NewLockRepository creates a new lock repository
func NewLockRepository(database *db.DB) *LockRepository {
	return &LockRepository{db: database}
}

// TryAcquire inserts a lock row for the issue. Returns false without error
// when another execution already holds it.
func (r *LockRepository) TryAcquire(ctx context.Context, projectID, issueID string, executionID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO automation_locks (project_id, issue_id, execution_id, acquired_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id, issue_id) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query, projectID, issueID, executionID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// Release removes the lock row for the issue
func (r *LockRepository) Release(ctx context.Context, projectID, issueID string) error {
	query := `DELETE FROM automation_locks WHERE project_id = $1 AND issue_id = $2`

	if _, err := r.db.Exec(ctx, query, projectID, issueID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// Get retrieves the lock for an issue, nil when unlocked
func (r *LockRepository) Get(ctx context.Context, projectID, issueID string) (*models.AutomationLock, error) {
	query := `
		SELECT project_id, issue_id, execution_id, acquired_at
		FROM automation_locks
		WHERE project_id = $1 AND issue_id = $2
	`

	lock := &models.AutomationLock{}
	err := r.db.QueryRow(ctx, query, projectID, issueID).Scan(
		&lock.ProjectID,
		&lock.IssueID,
		&lock.ExecutionID,
		&lock.AcquiredAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return lock, nil
}

// SweepExpired deletes locks older than the cutoff whose execution has
// reached a terminal status or no longer exists. Returns the reclaimed locks
// for logging. Active executions keep their lock no matter how old.
func (r *LockRepository) SweepExpired(ctx context.Context, cutoff time.Time) ([]*models.AutomationLock, error) {
	query := `
		DELETE FROM automation_locks l
		WHERE l.acquired_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM executions e
			WHERE e.id = l.execution_id
			  AND e.status IN ('pending', 'running', 'paused', 'waiting_user')
		  )
		RETURNING l.project_id, l.issue_id, l.execution_id, l.acquired_at
	`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep locks: %w", err)
	}
	defer rows.Close()

	var reclaimed []*models.AutomationLock
	for rows.Next() {
		lock := &models.AutomationLock{}
		err := rows.Scan(
			&lock.ProjectID,
			&lock.IssueID,
			&lock.ExecutionID,
			&lock.AcquiredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		reclaimed = append(reclaimed, lock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}

	return reclaimed, nil
}
