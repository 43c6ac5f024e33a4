package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/secrets"
)

// WorkflowRepo is the persistence surface the workflow service drives.
type WorkflowRepo interface {
	WorkflowStore
	Create(ctx context.Context, wf *models.Workflow) error
	Update(ctx context.Context, wf *models.Workflow) error
	Delete(ctx context.Context, projectID string, id uuid.UUID) error
	ListByProject(ctx context.Context, projectID string) ([]*models.Workflow, error)
}

// WorkflowInput carries the editable fields of a workflow document. Env is
// write-only: it is sealed on arrival and never leaves the service again.
type WorkflowInput struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Nodes          []models.Node     `json:"nodes"`
	Edges          []models.Edge     `json:"edges"`
	InitialContext map[string]any    `json:"initialContext"`
	Env            map[string]string `json:"env"`
	DockerImage    string            `json:"dockerImage"`
}

// RegenerateResult pairs the persisted workflow with the compile issues of
// its new graph.
type RegenerateResult struct {
	Workflow *models.Workflow `json:"workflow"`
	Issues   []compiler.Issue `json:"issues"`
}

// WorkflowService owns workflow document lifecycle: CRUD, validation,
// JSON-patch edits and checklist regeneration.
type WorkflowService struct {
	repo     WorkflowRepo
	sealer   *secrets.Sealer
	provider llm.Provider
	log      *logger.Logger
}

// NewWorkflowService creates a workflow service. sealer may be nil when no
// encryption key is configured; provider may be nil when no LLM endpoint is.
func NewWorkflowService(repo WorkflowRepo, sealer *secrets.Sealer, provider llm.Provider, log *logger.Logger) *WorkflowService {
	return &WorkflowService{repo: repo, sealer: sealer, provider: provider, log: log}
}

// Create persists a new workflow document.
func (s *WorkflowService) Create(ctx context.Context, projectID string, in WorkflowInput) (*models.Workflow, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errdefs.New(errdefs.KindValidation, "workflow name is required")
	}

	wf := &models.Workflow{
		ID:             uuid.New(),
		ProjectID:      projectID,
		Name:           in.Name,
		Description:    in.Description,
		Nodes:          in.Nodes,
		Edges:          in.Edges,
		InitialContext: in.InitialContext,
		DockerImage:    in.DockerImage,
	}
	if wf.Nodes == nil {
		wf.Nodes = []models.Node{}
	}
	if wf.Edges == nil {
		wf.Edges = []models.Edge{}
	}
	if err := s.sealEnv(wf, in.Env); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, wf); err != nil {
		return nil, err
	}
	s.log.Info("workflow created",
		"workflow_id", wf.ID.String(), "project_id", projectID, "name", wf.Name)
	return wf, nil
}

// Get fetches one workflow.
func (s *WorkflowService) Get(ctx context.Context, projectID string, id uuid.UUID) (*models.Workflow, error) {
	return s.repo.GetByID(ctx, projectID, id)
}

// List fetches all workflows of a project.
func (s *WorkflowService) List(ctx context.Context, projectID string) ([]*models.Workflow, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// Update replaces the editable fields of a workflow. A nil Env keeps the
// stored environment; a non-nil one replaces it (an empty map clears it).
func (s *WorkflowService) Update(ctx context.Context, projectID string, id uuid.UUID, in WorkflowInput) (*models.Workflow, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errdefs.New(errdefs.KindValidation, "workflow name is required")
	}

	wf, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	wf.Name = in.Name
	wf.Description = in.Description
	wf.Nodes = in.Nodes
	wf.Edges = in.Edges
	wf.InitialContext = in.InitialContext
	wf.DockerImage = in.DockerImage
	if wf.Nodes == nil {
		wf.Nodes = []models.Node{}
	}
	if wf.Edges == nil {
		wf.Edges = []models.Edge{}
	}
	if in.Env != nil {
		if err := s.sealEnv(wf, in.Env); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Update(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Delete removes a workflow. Workflows with executions refuse deletion.
func (s *WorkflowService) Delete(ctx context.Context, projectID string, id uuid.UUID) error {
	return s.repo.Delete(ctx, projectID, id)
}

// Duplicate copies a workflow document, sealed environment included, under a
// fresh id.
func (s *WorkflowService) Duplicate(ctx context.Context, projectID string, id uuid.UUID, name string) (*models.Workflow, error) {
	src, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = src.Name + " (copy)"
	}

	dup := &models.Workflow{
		ID:             uuid.New(),
		ProjectID:      projectID,
		Name:           name,
		Description:    src.Description,
		Nodes:          src.Nodes,
		Edges:          src.Edges,
		InitialContext: src.InitialContext,
		EncryptedEnv:   src.EncryptedEnv,
		DockerImage:    src.DockerImage,
	}
	if err := s.repo.Create(ctx, dup); err != nil {
		return nil, err
	}
	s.log.Info("workflow duplicated",
		"workflow_id", dup.ID.String(), "source_id", id.String(), "project_id", projectID)
	return dup, nil
}

// Validate compiles a document without persisting anything and returns the
// issue list; an empty list means the graph is executable.
func (s *WorkflowService) Validate(wf *models.Workflow) []compiler.Issue {
	_, issues := compiler.Compile(wf, wf.InitialContext)
	if issues == nil {
		issues = []compiler.Issue{}
	}
	return issues
}

// ApplyPatch applies an RFC 6902 patch document to the stored workflow JSON
// and persists the result. Identity, timestamps and the sealed environment
// are not patchable.
func (s *WorkflowService) ApplyPatch(ctx context.Context, projectID string, id uuid.UUID, patchDoc []byte) (*models.Workflow, error) {
	wf, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "invalid JSON patch document")
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow for patching: %w", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "patch does not apply")
	}

	var next models.Workflow
	if err := json.Unmarshal(patched, &next); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "patched workflow is not a valid document")
	}
	if strings.TrimSpace(next.Name) == "" {
		return nil, errdefs.New(errdefs.KindValidation, "workflow name is required")
	}
	next.ID = wf.ID
	next.ProjectID = wf.ProjectID
	next.CreatedAt = wf.CreatedAt
	next.EncryptedEnv = wf.EncryptedEnv

	if err := s.repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *WorkflowService) sealEnv(wf *models.Workflow, env map[string]string) error {
	if env == nil {
		return nil
	}
	if len(env) == 0 {
		wf.EncryptedEnv = nil
		return nil
	}
	if s.sealer == nil {
		return errdefs.New(errdefs.KindInternal, "cannot seal workflow environment: no encryption key is configured")
	}
	sealed, err := s.sealer.SealEnv(env)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to seal workflow environment")
	}
	wf.EncryptedEnv = sealed
	return nil
}
