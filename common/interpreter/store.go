package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/models"
)

// Store persists execution rows with single-row atomic writes.
// *repository.ExecutionRepository satisfies it against Postgres; MemStore
// backs the remote runner and tests.
type Store interface {
	Create(ctx context.Context, exec *models.Execution, exclusive bool) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	Update(ctx context.Context, exec *models.Execution) error
}

type memRow struct {
	data       []byte
	workflowID uuid.UUID
	projectID  string
	status     models.ExecutionStatus
	exclusive  bool
}

// MemStore keeps executions as serialised rows, so every read is a fresh
// checkpoint round-trip and the running-uniqueness guard behaves like the
// database partial index.
type MemStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*memRow
}

// NewMemStore creates an empty in-memory execution store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[uuid.UUID]*memRow)}
}

func (s *MemStore) Create(_ context.Context, exec *models.Execution, exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[exec.ID]; exists {
		return errdefs.Newf(errdefs.KindDuplicateID, "execution %s already exists", exec.ID)
	}
	if exclusive && exec.Status == models.ExecutionRunning &&
		s.hasOtherRunning(exec.WorkflowID, exec.ProjectID, exec.ID) {
		return errdefs.Newf(errdefs.KindConflict,
			"workflow %s already has a running execution", exec.WorkflowID)
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to serialize execution: %w", err)
	}
	s.rows[exec.ID] = &memRow{
		data:       data,
		workflowID: exec.WorkflowID,
		projectID:  exec.ProjectID,
		status:     exec.Status,
		exclusive:  exclusive,
	}
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id uuid.UUID) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "execution %s not found", id)
	}
	var exec models.Execution
	if err := json.Unmarshal(row.data, &exec); err != nil {
		return nil, fmt.Errorf("failed to deserialize execution: %w", err)
	}
	return &exec, nil
}

func (s *MemStore) Update(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[exec.ID]
	if !ok {
		return errdefs.Newf(errdefs.KindNotFound, "execution %s not found", exec.ID)
	}
	if row.exclusive && exec.Status == models.ExecutionRunning &&
		s.hasOtherRunning(exec.WorkflowID, exec.ProjectID, exec.ID) {
		return errdefs.Newf(errdefs.KindConflict,
			"workflow %s already has a running execution", exec.WorkflowID)
	}

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to serialize execution: %w", err)
	}
	row.data = data
	row.status = exec.Status
	return nil
}

// hasOtherRunning mirrors the partial unique index over
// (workflow_id, project_id) WHERE status = 'running' AND exclusive.
func (s *MemStore) hasOtherRunning(workflowID uuid.UUID, projectID string, selfID uuid.UUID) bool {
	for id, row := range s.rows {
		if id == selfID {
			continue
		}
		if row.exclusive && row.status == models.ExecutionRunning &&
			row.workflowID == workflowID && row.projectID == projectID {
			return true
		}
	}
	return false
}
