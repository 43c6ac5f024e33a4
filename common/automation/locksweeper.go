package automation

import (
	"context"
	"time"

	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

// lockSweepStore is the slice of the lock repository the sweeper needs.
type lockSweepStore interface {
	SweepExpired(ctx context.Context, cutoff time.Time) ([]*models.AutomationLock, error)
}

// LockSweeper reclaims issue locks whose executions finished without the
// watcher releasing them, e.g. after an orchestrator crash or a watcher that
// timed out. The store only deletes locks for non-active executions, so a
// long-running automation keeps its issue locked.
type LockSweeper struct {
	locks    lockSweepStore
	log      *logger.Logger
	maxAge   time.Duration
	interval time.Duration
}

// NewLockSweeper creates a sweeper that reclaims locks older than maxAge,
// checking every interval.
func NewLockSweeper(locks lockSweepStore, log *logger.Logger, maxAge, interval time.Duration) *LockSweeper {
	return &LockSweeper{locks: locks, log: log, maxAge: maxAge, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *LockSweeper) Run(ctx context.Context) {
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

// Sweep performs one pass and returns how many locks it reclaimed.
func (s *LockSweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	reclaimed, err := s.locks.SweepExpired(ctx, cutoff)
	if err != nil {
		s.log.Error("lock sweep failed", "error", err)
		return 0
	}
	for _, lock := range reclaimed {
		s.log.Warn("reclaimed orphaned issue lock",
			"issue_id", lock.IssueID,
			"execution_id", lock.ExecutionID.String(),
			"acquired_at", lock.AcquiredAt,
		)
	}
	return len(reclaimed)
}
