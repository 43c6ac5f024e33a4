package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/ports"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionPaused      ExecutionStatus = "paused"
	ExecutionWaitingUser ExecutionStatus = "waiting_user"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions besides
// an explicit retry.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is the persisted state of one workflow run. Context is the open
// key/value map that houses portData, port/end mappings, answers and any
// executor-written keys; the whole struct round-trips through a single
// atomic row write.
type Execution struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	WorkflowID     uuid.UUID       `db:"workflow_id" json:"workflowId"`
	ProjectID      string          `db:"project_id" json:"projectId"`
	Status         ExecutionStatus `db:"status" json:"status"`
	CurrentNodeID  string          `db:"current_node_id" json:"currentNodeId,omitempty"`
	Context        map[string]any  `db:"context" json:"context"`
	StepHistory    []StepRecord    `db:"step_history" json:"stepHistory"`
	StartedAt      time.Time       `db:"started_at" json:"startedAt"`
	LastActivityAt time.Time       `db:"last_activity_at" json:"lastActivityAt"`
	PausedAt       *time.Time      `db:"paused_at" json:"pausedAt,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
	LastError      *ExecError      `db:"last_error" json:"lastError,omitempty"`
	RetryCount     int             `db:"retry_count" json:"retryCount"`
}

// StepRecord is one append-only entry of an execution's step history.
type StepRecord struct {
	ID          string         `json:"id"`
	NodeID      string         `json:"nodeId"`
	Kind        ports.Kind     `json:"kind"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMS  int64          `json:"durationMs"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	TokenCount  int            `json:"tokenCount,omitempty"`
	Error       *ExecError     `json:"error,omitempty"`
}

// Step statuses recorded in history.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// ExecError is the serialised form of a taxonomy error on an execution.
type ExecError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
}

func (e *ExecError) Error() string {
	return e.Kind + ": " + e.Message
}

// NewExecutionID mints an execution identity.
func NewExecutionID() uuid.UUID { return uuid.New() }
