package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/cache"
	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

// WorkflowStore is the slice of the workflow repository the services read
// stored documents through.
type WorkflowStore interface {
	GetByID(ctx context.Context, projectID string, id uuid.UUID) (*models.Workflow, error)
}

// PlanService compiles workflows into plans, memoizing by workflow revision.
// Compilation is pure, so a plan stands for as long as updatedAt does; any
// workflow write bumps it and strands the old cache entry.
type PlanService struct {
	workflows WorkflowStore
	cache     cache.Cache
	ttl       time.Duration
	log       *logger.Logger
}

// NewPlanService creates a plan service.
func NewPlanService(workflows WorkflowStore, c cache.Cache, ttl time.Duration, log *logger.Logger) *PlanService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PlanService{workflows: workflows, cache: c, ttl: ttl, log: log}
}

// PlanFor loads the plan for a persisted execution, recompiling the stored
// workflow on a cache miss. This is the interpreter's resume path.
func (s *PlanService) PlanFor(ctx context.Context, exec *models.Execution) (*compiler.Plan, error) {
	wf, err := s.workflows.GetByID(ctx, exec.ProjectID, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	return s.Compile(ctx, wf)
}

// Compile returns the plan for the workflow's stored document, served from
// cache when this revision was compiled before.
func (s *PlanService) Compile(ctx context.Context, wf *models.Workflow) (*compiler.Plan, error) {
	key := planKey(wf)
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var plan compiler.Plan
		if err := json.Unmarshal(raw, &plan); err == nil {
			return &plan, nil
		}
		s.log.Warn("discarding undecodable cached plan", "workflow_id", wf.ID.String(), "key", key)
	}

	plan, err := s.CompileWith(wf, wf.InitialContext)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(plan); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.log.Warn("failed to cache plan", "workflow_id", wf.ID.String(), "error", err)
		}
	}
	return plan, nil
}

// CompileWith compiles against a caller-supplied initial context, bypassing
// the cache: trigger port seeding depends on the context, so only the stored
// document's compile is shareable.
func (s *PlanService) CompileWith(wf *models.Workflow, initialContext map[string]any) (*compiler.Plan, error) {
	plan, issues := compiler.Compile(wf, initialContext)
	if len(issues) > 0 {
		return nil, errdefs.Newf(errdefs.KindValidation, "workflow %s does not compile: %s", wf.ID, issues[0].Message).
			WithDetails(map[string]any{"issues": issues})
	}
	return plan, nil
}

func planKey(wf *models.Workflow) string {
	return fmt.Sprintf("plan:%s:%d", wf.ID, wf.UpdatedAt.UnixNano())
}
