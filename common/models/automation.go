package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind selects how an automation fires.
type TriggerKind string

const (
	TriggerStatusEnter TriggerKind = "statusEnter"
	TriggerManual      TriggerKind = "manual"
)

// TransitionCondition gates one automation transition.
type TransitionCondition string

const (
	ConditionSuccess TransitionCondition = "success"
	ConditionFailure TransitionCondition = "failure"
	ConditionCustom  TransitionCondition = "custom"
)

// Automation maps an issue status entry (or a manual button press) to a
// workflow execution. statusEnter automations require TriggerStatus; manual
// ones require ButtonLabel. WorkflowID is always required.
type Automation struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	ProjectID     string       `db:"project_id" json:"projectId"`
	Name          string       `db:"name" json:"name"`
	TriggerKind   TriggerKind  `db:"trigger_kind" json:"triggerKind"`
	TriggerStatus string       `db:"trigger_status" json:"triggerStatus,omitempty"`
	ButtonLabel   string       `db:"button_label" json:"buttonLabel,omitempty"`
	WorkflowID    uuid.UUID    `db:"workflow_id" json:"workflowId"`
	Enabled       bool         `db:"enabled" json:"enabled"`
	Priority      int          `db:"priority" json:"priority"`
	Transitions   []Transition `db:"-" json:"transitions,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updatedAt"`
}

// Transition writes NextStatus back to the tracker when its condition
// matches the completed execution.
type Transition struct {
	ID               uuid.UUID           `db:"id" json:"id"`
	AutomationID     uuid.UUID           `db:"automation_id" json:"automationId"`
	Condition        TransitionCondition `db:"condition" json:"condition"`
	CustomExpression string              `db:"custom_expression" json:"customExpression,omitempty"`
	NextStatus       string              `db:"next_status" json:"nextStatus"`
	Priority         int                 `db:"priority" json:"priority"`
}

// AutomationLock is the per-issue concurrency guard: at most one row per
// (project, issue), so at most one active automation execution per issue.
type AutomationLock struct {
	ProjectID   string    `db:"project_id" json:"projectId"`
	IssueID     string    `db:"issue_id" json:"issueId"`
	ExecutionID uuid.UUID `db:"execution_id" json:"executionId"`
	AcquiredAt  time.Time `db:"acquired_at" json:"acquiredAt"`
}

// StatusChange is one issue status transition observed from the tracker.
type StatusChange struct {
	ProjectID      string `json:"projectId"`
	IssueID        string `json:"issueId"`
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
}

// Issue is the tracker metadata flattened into automation initial context.
type Issue struct {
	Owner     string   `json:"owner"`
	Repo      string   `json:"repo"`
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels"`
	Assignees []string `json:"assignees"`
	Status    string   `json:"status"`
}
