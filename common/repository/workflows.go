package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foundryhq/foundry/common/db"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/models"
)

// WorkflowRepository handles database operations for workflow documents
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

const workflowColumns = `id, project_id, name, description, nodes, edges, initial_context, encrypted_env, docker_image, created_at, updated_at`

// Create inserts a new workflow
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	query := `
		INSERT INTO workflows (id, project_id, name, description, nodes, edges, initial_context, encrypted_env, docker_image, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		wf.ID,
		wf.ProjectID,
		wf.Name,
		wf.Description,
		wf.Nodes,
		wf.Edges,
		wf.InitialContext,
		wf.EncryptedEnv,
		wf.DockerImage,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Newf(errdefs.KindDuplicateID, "workflow %s already exists", wf.ID)
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// GetByID retrieves a workflow by its ID, scoped to a project
func (r *WorkflowRepository) GetByID(ctx context.Context, projectID string, id uuid.UUID) (*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE id = $1 AND project_id = $2
	`

	wf := &models.Workflow{}
	err := r.db.QueryRow(ctx, query, id, projectID).Scan(
		&wf.ID,
		&wf.ProjectID,
		&wf.Name,
		&wf.Description,
		&wf.Nodes,
		&wf.Edges,
		&wf.InitialContext,
		&wf.EncryptedEnv,
		&wf.DockerImage,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.Newf(errdefs.KindNotFound, "workflow %s not found", id)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return wf, nil
}

// Update replaces the editable fields of a workflow and bumps updated_at.
// updated_at is the plan-cache key, so every write invalidates cached plans.
func (r *WorkflowRepository) Update(ctx context.Context, wf *models.Workflow) error {
	query := `
		UPDATE workflows
		SET name = $3, description = $4, nodes = $5, edges = $6,
		    initial_context = $7, encrypted_env = $8, docker_image = $9,
		    updated_at = NOW()
		WHERE id = $1 AND project_id = $2
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		wf.ID,
		wf.ProjectID,
		wf.Name,
		wf.Description,
		wf.Nodes,
		wf.Edges,
		wf.InitialContext,
		wf.EncryptedEnv,
		wf.DockerImage,
	).Scan(&wf.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errdefs.Newf(errdefs.KindNotFound, "workflow %s not found", wf.ID)
		}
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	return nil
}

// Delete removes a workflow. Fails with a conflict while executions still
// reference it; deleting those requires deleting the project.
func (r *WorkflowRepository) Delete(ctx context.Context, projectID string, id uuid.UUID) error {
	query := `DELETE FROM workflows WHERE id = $1 AND project_id = $2`

	result, err := r.db.Exec(ctx, query, id, projectID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return errdefs.Newf(errdefs.KindConflict, "workflow %s has executions; delete the project instead", id)
		}
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	if result.RowsAffected() == 0 {
		return errdefs.Newf(errdefs.KindNotFound, "workflow %s not found", id)
	}

	return nil
}

// ListByProject retrieves all workflows for a project, most recently updated first
func (r *WorkflowRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE project_id = $1
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf := &models.Workflow{}
		err := rows.Scan(
			&wf.ID,
			&wf.ProjectID,
			&wf.Name,
			&wf.Description,
			&wf.Nodes,
			&wf.Edges,
			&wf.InitialContext,
			&wf.EncryptedEnv,
			&wf.DockerImage,
			&wf.CreatedAt,
			&wf.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}
