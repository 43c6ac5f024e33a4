package interpreter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

// staleStore is the slice of the execution repository the sweeper needs.
type staleStore interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error)
	MarkFailed(ctx context.Context, id uuid.UUID, expected models.ExecutionStatus, cause *models.ExecError) (bool, error)
}

// Sweeper fails running executions that stopped reporting activity, e.g.
// after an orchestrator crash mid-step or a remote runner that died without
// a final webhook. The compare-and-set in MarkFailed keeps it safe to run on
// every replica.
type Sweeper struct {
	store    staleStore
	log      *logger.Logger
	maxIdle  time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper that marks executions idle longer than
// maxIdle as failed, checking every interval.
func NewSweeper(store staleStore, log *logger.Logger, maxIdle, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, log: log, maxIdle: maxIdle, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns how many executions it failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.maxIdle)
	stale, err := s.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		s.log.Error("stale execution sweep failed", "error", err)
		return 0
	}

	failed := 0
	for _, exec := range stale {
		cause := &models.ExecError{
			Kind:    string(errdefs.KindStaleExecution),
			Message: "no activity since " + exec.LastActivityAt.UTC().Format(time.RFC3339),
			NodeID:  exec.CurrentNodeID,
		}
		ok, err := s.store.MarkFailed(ctx, exec.ID, models.ExecutionRunning, cause)
		if err != nil {
			s.log.Error("failed to mark stale execution",
				"execution_id", exec.ID.String(), "error", err)
			continue
		}
		if ok {
			failed++
			s.log.Warn("stale execution marked failed",
				"execution_id", exec.ID.String(),
				"workflow_id", exec.WorkflowID.String(),
				"last_activity_at", exec.LastActivityAt,
			)
		}
	}
	return failed
}
