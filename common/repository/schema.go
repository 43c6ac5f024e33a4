package repository

import (
	"context"
	"fmt"

	"github.com/foundryhq/foundry/common/db"
)

// schema is the full DDL, applied idempotently at startup via the bootstrap
// DB init hook. The partial unique index on executions enforces the
// single-active-execution rule at the store level so it survives process
// crashes; rows inserted with exclusive=false escape it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id              UUID PRIMARY KEY,
		project_id      TEXT NOT NULL,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		nodes           JSONB NOT NULL DEFAULT '[]',
		edges           JSONB NOT NULL DEFAULT '[]',
		initial_context JSONB NOT NULL DEFAULT '{}',
		encrypted_env   BYTEA,
		docker_image    TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS workflows_project_idx ON workflows (project_id, updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id               UUID PRIMARY KEY,
		workflow_id      UUID NOT NULL REFERENCES workflows(id),
		project_id       TEXT NOT NULL,
		status           TEXT NOT NULL,
		current_node_id  TEXT NOT NULL DEFAULT '',
		context          JSONB NOT NULL DEFAULT '{}',
		step_history     JSONB NOT NULL DEFAULT '[]',
		exclusive        BOOLEAN NOT NULL DEFAULT TRUE,
		started_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paused_at        TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ,
		last_error       JSONB,
		retry_count      INT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS executions_single_active_idx
		ON executions (workflow_id, project_id)
		WHERE status = 'running' AND exclusive`,
	`CREATE INDEX IF NOT EXISTS executions_workflow_idx ON executions (workflow_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS executions_stale_idx ON executions (last_activity_at) WHERE status = 'running'`,

	`CREATE TABLE IF NOT EXISTS automations (
		id             UUID PRIMARY KEY,
		project_id     TEXT NOT NULL,
		name           TEXT NOT NULL,
		trigger_kind   TEXT NOT NULL,
		trigger_status TEXT NOT NULL DEFAULT '',
		button_label   TEXT NOT NULL DEFAULT '',
		workflow_id    UUID NOT NULL REFERENCES workflows(id),
		enabled        BOOLEAN NOT NULL DEFAULT TRUE,
		priority       INT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS automations_trigger_idx
		ON automations (project_id, trigger_status)
		WHERE enabled AND trigger_kind = 'statusEnter'`,

	`CREATE TABLE IF NOT EXISTS automation_transitions (
		id                UUID PRIMARY KEY,
		automation_id     UUID NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
		condition         TEXT NOT NULL,
		custom_expression TEXT NOT NULL DEFAULT '',
		next_status       TEXT NOT NULL,
		priority          INT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS automation_transitions_automation_idx
		ON automation_transitions (automation_id, priority)`,

	`CREATE TABLE IF NOT EXISTS automation_locks (
		project_id   TEXT NOT NULL,
		issue_id     TEXT NOT NULL,
		execution_id UUID NOT NULL,
		acquired_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (project_id, issue_id)
	)`,
}

// InitSchema applies the schema. Safe to run on every startup.
func InitSchema(ctx context.Context, database *db.DB) error {
	for _, stmt := range schema {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
