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

// AutomationRepository handles database operations for automations and their
// nested transitions. Transitions are replaced wholesale on update; they are
// small ordered lists, not independently addressable resources.
type AutomationRepository struct {
	db *db.DB
}

// NewAutomationRepository creates a new automation repository
func NewAutomationRepository(database *db.DB) *AutomationRepository {
	return &AutomationRepository{db: database}
}

const automationColumns = `id, project_id, name, trigger_kind, trigger_status, button_label, workflow_id, enabled, priority, created_at, updated_at`

// Create inserts an automation with its transitions in one transaction
func (r *AutomationRepository) Create(ctx context.Context, a *models.Automation) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO automations (id, project_id, name, trigger_kind, trigger_status, button_label, workflow_id, enabled, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		a.ID,
		a.ProjectID,
		a.Name,
		a.TriggerKind,
		a.TriggerStatus,
		a.ButtonLabel,
		a.WorkflowID,
		a.Enabled,
		a.Priority,
	).Scan(&a.CreatedAt, &a.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.Newf(errdefs.KindDuplicateID, "automation %s already exists", a.ID)
		}
		if isForeignKeyViolation(err) {
			return errdefs.Newf(errdefs.KindValidation, "workflow %s does not exist", a.WorkflowID)
		}
		return fmt.Errorf("failed to create automation: %w", err)
	}

	if err := insertTransitions(ctx, tx, a.ID, a.Transitions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit automation: %w", err)
	}

	return nil
}

// GetByID retrieves an automation with its transitions
func (r *AutomationRepository) GetByID(ctx context.Context, projectID string, id uuid.UUID) (*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE id = $1 AND project_id = $2
	`

	a := &models.Automation{}
	err := r.db.QueryRow(ctx, query, id, projectID).Scan(
		&a.ID,
		&a.ProjectID,
		&a.Name,
		&a.TriggerKind,
		&a.TriggerStatus,
		&a.ButtonLabel,
		&a.WorkflowID,
		&a.Enabled,
		&a.Priority,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errdefs.Newf(errdefs.KindNotFound, "automation %s not found", id)
		}
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}

	if err := r.loadTransitions(ctx, []*models.Automation{a}); err != nil {
		return nil, err
	}

	return a, nil
}

// Update replaces the automation fields and its full transition list
func (r *AutomationRepository) Update(ctx context.Context, a *models.Automation) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE automations
		SET name = $3, trigger_kind = $4, trigger_status = $5, button_label = $6,
		    workflow_id = $7, enabled = $8, priority = $9, updated_at = NOW()
		WHERE id = $1 AND project_id = $2
		RETURNING updated_at
	`

	err = tx.QueryRow(ctx, query,
		a.ID,
		a.ProjectID,
		a.Name,
		a.TriggerKind,
		a.TriggerStatus,
		a.ButtonLabel,
		a.WorkflowID,
		a.Enabled,
		a.Priority,
	).Scan(&a.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errdefs.Newf(errdefs.KindNotFound, "automation %s not found", a.ID)
		}
		if isForeignKeyViolation(err) {
			return errdefs.Newf(errdefs.KindValidation, "workflow %s does not exist", a.WorkflowID)
		}
		return fmt.Errorf("failed to update automation: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM automation_transitions WHERE automation_id = $1`, a.ID); err != nil {
		return fmt.Errorf("failed to clear transitions: %w", err)
	}

	if err := insertTransitions(ctx, tx, a.ID, a.Transitions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit automation: %w", err)
	}

	return nil
}

// Delete removes an automation; transitions cascade
func (r *AutomationRepository) Delete(ctx context.Context, projectID string, id uuid.UUID) error {
	query := `DELETE FROM automations WHERE id = $1 AND project_id = $2`

	result, err := r.db.Exec(ctx, query, id, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return errdefs.Newf(errdefs.KindNotFound, "automation %s not found", id)
	}

	return nil
}

// ListByProject retrieves all automations for a project with transitions
func (r *AutomationRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE project_id = $1
		ORDER BY priority ASC, created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()

	automations, err := scanAutomations(rows)
	if err != nil {
		return nil, err
	}

	if err := r.loadTransitions(ctx, automations); err != nil {
		return nil, err
	}

	return automations, nil
}

// ListForStatus retrieves the enabled statusEnter automations that fire when
// an issue enters the given status, in routing order. Equal priorities tie
// break on creation time then id so the order is total and stable.
func (r *AutomationRepository) ListForStatus(ctx context.Context, projectID, status string) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE project_id = $1 AND enabled AND trigger_kind = 'statusEnter' AND trigger_status = $2
		ORDER BY priority ASC, created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, projectID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations for status: %w", err)
	}
	defer rows.Close()

	automations, err := scanAutomations(rows)
	if err != nil {
		return nil, err
	}

	if err := r.loadTransitions(ctx, automations); err != nil {
		return nil, err
	}

	return automations, nil
}

func scanAutomations(rows pgx.Rows) ([]*models.Automation, error) {
	var automations []*models.Automation
	for rows.Next() {
		a := &models.Automation{}
		err := rows.Scan(
			&a.ID,
			&a.ProjectID,
			&a.Name,
			&a.TriggerKind,
			&a.TriggerStatus,
			&a.ButtonLabel,
			&a.WorkflowID,
			&a.Enabled,
			&a.Priority,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		automations = append(automations, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating automations: %w", err)
	}

	return automations, nil
}

func (r *AutomationRepository) loadTransitions(ctx context.Context, automations []*models.Automation) error {
	if len(automations) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(automations))
	byID := make(map[uuid.UUID]*models.Automation, len(automations))
	for i, a := range automations {
		ids[i] = a.ID
		byID[a.ID] = a
	}

	query := `
		SELECT id, automation_id, condition, custom_expression, next_status, priority
		FROM automation_transitions
		WHERE automation_id = ANY($1)
		ORDER BY automation_id, priority ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to load transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := models.Transition{}
		err := rows.Scan(
			&t.ID,
			&t.AutomationID,
			&t.Condition,
			&t.CustomExpression,
			&t.NextStatus,
			&t.Priority,
		)
		if err != nil {
			return fmt.Errorf("failed to scan transition: %w", err)
		}
		if a, ok := byID[t.AutomationID]; ok {
			a.Transitions = append(a.Transitions, t)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating transitions: %w", err)
	}

	return nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, automationID uuid.UUID, transitions []models.Transition) error {
	query := `
		INSERT INTO automation_transitions (id, automation_id, condition, custom_expression, next_status, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	for i := range transitions {
		t := &transitions[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.AutomationID = automationID

		if _, err := tx.Exec(ctx, query,
			t.ID,
			t.AutomationID,
			t.Condition,
			t.CustomExpression,
			t.NextStatus,
			t.Priority,
		); err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}

	return nil
}
