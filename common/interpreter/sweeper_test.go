package interpreter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

type fakeStaleStore struct {
	stale      []*models.Execution
	listErr    error
	marked     []uuid.UUID
	markedWith []*models.ExecError
	markOK     bool
	lastCutoff time.Time
}

func (s *fakeStaleStore) ListStaleRunning(_ context.Context, cutoff time.Time) ([]*models.Execution, error) {
	s.lastCutoff = cutoff
	return s.stale, s.listErr
}

func (s *fakeStaleStore) MarkFailed(_ context.Context, id uuid.UUID, expected models.ExecutionStatus, cause *models.ExecError) (bool, error) {
	if expected != models.ExecutionRunning {
		return false, nil
	}
	s.marked = append(s.marked, id)
	s.markedWith = append(s.markedWith, cause)
	return s.markOK, nil
}

func TestSweeperMarksStaleExecutions(t *testing.T) {
	stale := &models.Execution{
		ID:             uuid.New(),
		WorkflowID:     uuid.New(),
		Status:         models.ExecutionRunning,
		CurrentNodeID:  "build",
		LastActivityAt: time.Now().Add(-time.Hour),
	}
	store := &fakeStaleStore{stale: []*models.Execution{stale}, markOK: true}
	sweeper := NewSweeper(store, logger.New("error", "text"), 30*time.Minute, time.Minute)

	failed := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, failed)
	require.Len(t, store.marked, 1)
	assert.Equal(t, stale.ID, store.marked[0])

	cause := store.markedWith[0]
	assert.Equal(t, string(errdefs.KindStaleExecution), cause.Kind)
	assert.Equal(t, "build", cause.NodeID)
	assert.Contains(t, cause.Message, "no activity since")

	// The cutoff trails now by the idle allowance.
	assert.WithinDuration(t, time.Now().Add(-30*time.Minute), store.lastCutoff, 5*time.Second)
}

func TestSweeperSkipsRowsAnotherReplicaWon(t *testing.T) {
	stale := &models.Execution{ID: uuid.New(), Status: models.ExecutionRunning}
	store := &fakeStaleStore{stale: []*models.Execution{stale}, markOK: false}
	sweeper := NewSweeper(store, logger.New("error", "text"), time.Minute, time.Minute)

	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}

func TestSweeperToleratesListErrors(t *testing.T) {
	store := &fakeStaleStore{listErr: context.DeadlineExceeded}
	sweeper := NewSweeper(store, logger.New("error", "text"), time.Minute, time.Minute)

	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}
