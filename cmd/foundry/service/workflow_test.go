package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/ports"
	"github.com/foundryhq/foundry/common/secrets"
)

// fakeRepo keeps workflow rows by value, matching the database's
// copy-on-read behavior and its timestamp handling: Create stamps both
// timestamps, Update bumps updated_at.
type fakeRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Workflow
	now  time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows: make(map[uuid.UUID]models.Workflow),
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick advances the fake clock so consecutive writes get distinct revisions.
func (r *fakeRepo) tick() time.Time {
	r.now = r.now.Add(time.Second)
	return r.now
}

func (r *fakeRepo) Create(_ context.Context, wf *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[wf.ID]; ok {
		return errdefs.Newf(errdefs.KindDuplicateID, "workflow %s already exists", wf.ID)
	}
	now := r.tick()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	r.rows[wf.ID] = *wf
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, projectID string, id uuid.UUID) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.ProjectID != projectID {
		return nil, errdefs.Newf(errdefs.KindNotFound, "workflow %s not found", id)
	}
	out := row
	return &out, nil
}

func (r *fakeRepo) Update(_ context.Context, wf *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[wf.ID]
	if !ok || row.ProjectID != wf.ProjectID {
		return errdefs.Newf(errdefs.KindNotFound, "workflow %s not found", wf.ID)
	}
	wf.CreatedAt = row.CreatedAt
	wf.UpdatedAt = r.tick()
	r.rows[wf.ID] = *wf
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, projectID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.ProjectID != projectID {
		return errdefs.Newf(errdefs.KindNotFound, "workflow %s not found", id)
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeRepo) ListByProject(_ context.Context, projectID string) ([]*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Workflow
	for _, row := range r.rows {
		if row.ProjectID == projectID {
			wf := row
			out = append(out, &wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func testSealer(t *testing.T) *secrets.Sealer {
	t.Helper()
	sealer, err := secrets.NewSealer(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{3}, 32)))
	require.NoError(t, err)
	return sealer
}

func newWorkflowService(t *testing.T) (*WorkflowService, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	svc := NewWorkflowService(repo, testSealer(t), nil, logger.New("error", "text"))
	return svc, repo
}

// chainInput is a compiling trigger -> llm -> end document.
func chainInput(name string) WorkflowInput {
	return WorkflowInput{
		Name: name,
		Nodes: []models.Node{
			{ID: "trigger-1", Kind: ports.KindTrigger, Config: map[string]any{
				"outputs": []any{map[string]any{"id": "message", "type": "string"}},
			}},
			{ID: "reply", Kind: ports.KindLLM, Config: map[string]any{}},
			{ID: "end-1", Kind: ports.KindEnd, Config: map[string]any{"targetStatus": "Done"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trigger-1", SourcePort: "message", Target: "reply", TargetPort: "prompt"},
			{ID: "e2", Source: "reply", Target: "end-1"},
		},
		InitialContext: map[string]any{"message": "hello"},
	}
}

func TestCreateRequiresName(t *testing.T) {
	svc, _ := newWorkflowService(t)

	_, err := svc.Create(context.Background(), "proj-1", WorkflowInput{Name: "  "})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestCreateDefaultsEmptyGraph(t *testing.T) {
	svc, _ := newWorkflowService(t)

	wf, err := svc.Create(context.Background(), "proj-1", WorkflowInput{Name: "blank"})
	require.NoError(t, err)
	assert.NotNil(t, wf.Nodes)
	assert.NotNil(t, wf.Edges)
	assert.Empty(t, wf.Nodes)
	assert.False(t, wf.CreatedAt.IsZero())
	assert.Equal(t, wf.CreatedAt, wf.UpdatedAt)
}

func TestCreateSealsEnv(t *testing.T) {
	svc, _ := newWorkflowService(t)

	in := chainInput("sealed")
	in.Env = map[string]string{"API_KEY": "s3cret"}
	wf, err := svc.Create(context.Background(), "proj-1", in)
	require.NoError(t, err)
	require.NotEmpty(t, wf.EncryptedEnv)

	env, err := testSealer(t).OpenEnv(wf.EncryptedEnv)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "s3cret"}, env)
}

func TestCreateEnvWithoutSealer(t *testing.T) {
	svc := NewWorkflowService(newFakeRepo(), nil, nil, logger.New("error", "text"))

	in := chainInput("sealed")
	in.Env = map[string]string{"API_KEY": "s3cret"}
	_, err := svc.Create(context.Background(), "proj-1", in)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInternal))
}

func TestUpdateEnvSemantics(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	in := chainInput("env-workflow")
	in.Env = map[string]string{"API_KEY": "v1"}
	wf, err := svc.Create(ctx, "proj-1", in)
	require.NoError(t, err)
	sealed := append([]byte(nil), wf.EncryptedEnv...)

	// Nil env keeps the stored blob.
	in.Env = nil
	wf, err = svc.Update(ctx, "proj-1", wf.ID, in)
	require.NoError(t, err)
	assert.Equal(t, sealed, wf.EncryptedEnv)

	// A non-nil env replaces it.
	in.Env = map[string]string{"API_KEY": "v2"}
	wf, err = svc.Update(ctx, "proj-1", wf.ID, in)
	require.NoError(t, err)
	env, err := testSealer(t).OpenEnv(wf.EncryptedEnv)
	require.NoError(t, err)
	assert.Equal(t, "v2", env["API_KEY"])

	// An empty map clears it.
	in.Env = map[string]string{}
	wf, err = svc.Update(ctx, "proj-1", wf.ID, in)
	require.NoError(t, err)
	assert.Nil(t, wf.EncryptedEnv)
}

func TestUpdateBumpsRevision(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "proj-1", chainInput("rev"))
	require.NoError(t, err)
	created := wf.UpdatedAt

	updated, err := svc.Update(ctx, "proj-1", wf.ID, chainInput("rev renamed"))
	require.NoError(t, err)
	assert.Equal(t, "rev renamed", updated.Name)
	assert.True(t, updated.UpdatedAt.After(created))
}

func TestUpdateScopedToProject(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "proj-1", chainInput("scoped"))
	require.NoError(t, err)

	_, err = svc.Update(ctx, "proj-2", wf.ID, chainInput("stolen"))
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestDuplicateCopiesSealedEnv(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	in := chainInput("original")
	in.Env = map[string]string{"API_KEY": "s3cret"}
	src, err := svc.Create(ctx, "proj-1", in)
	require.NoError(t, err)

	dup, err := svc.Duplicate(ctx, "proj-1", src.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, "original (copy)", dup.Name)
	assert.Equal(t, src.EncryptedEnv, dup.EncryptedEnv)
	assert.Equal(t, src.Nodes, dup.Nodes)

	named, err := svc.Duplicate(ctx, "proj-1", src.ID, "fork")
	require.NoError(t, err)
	assert.Equal(t, "fork", named.Name)
}

func TestDeleteRemovesDocument(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "proj-1", chainInput("short-lived"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "proj-1", wf.ID))

	_, err = svc.Get(ctx, "proj-1", wf.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestListOrdersByRevision(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "proj-1", chainInput("first"))
	require.NoError(t, err)
	second, err := svc.Create(ctx, "proj-1", chainInput("second"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "proj-2", chainInput("elsewhere"))
	require.NoError(t, err)

	// Touching the older document moves it to the front.
	_, err = svc.Update(ctx, "proj-1", first.ID, chainInput("first touched"))
	require.NoError(t, err)

	list, err := svc.List(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestValidateReportsIssues(t *testing.T) {
	svc, _ := newWorkflowService(t)

	in := chainInput("good")
	good := &models.Workflow{Name: in.Name, Nodes: in.Nodes, Edges: in.Edges, InitialContext: in.InitialContext}
	assert.Empty(t, svc.Validate(good))

	bad := &models.Workflow{Name: "bad", Nodes: in.Nodes}
	issues := svc.Validate(bad)
	require.NotEmpty(t, issues)
	codes := make([]string, 0, len(issues))
	for _, i := range issues {
		codes = append(codes, i.Code)
	}
	assert.Contains(t, codes, compiler.IssueUnreachableNode)
}

func TestApplyPatchEditsDocument(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	in := chainInput("patch-me")
	in.Env = map[string]string{"API_KEY": "s3cret"}
	wf, err := svc.Create(ctx, "proj-1", in)
	require.NoError(t, err)

	patched, err := svc.ApplyPatch(ctx, "proj-1", wf.ID, []byte(
		`[{"op":"replace","path":"/name","value":"renamed"},
		  {"op":"replace","path":"/nodes/1/config","value":{"systemPrompt":"Be terse."}}]`))
	require.NoError(t, err)
	assert.Equal(t, "renamed", patched.Name)
	assert.Equal(t, map[string]any{"systemPrompt": "Be terse."}, patched.Nodes[1].Config)

	stored, err := svc.Get(ctx, "proj-1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Name)
	assert.Equal(t, wf.EncryptedEnv, stored.EncryptedEnv)
}

func TestApplyPatchProtectsIdentity(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "proj-1", chainInput("anchored"))
	require.NoError(t, err)

	patched, err := svc.ApplyPatch(ctx, "proj-1", wf.ID, []byte(
		`[{"op":"replace","path":"/id","value":"`+uuid.NewString()+`"},
		  {"op":"replace","path":"/projectId","value":"proj-2"}]`))
	require.NoError(t, err)
	assert.Equal(t, wf.ID, patched.ID)
	assert.Equal(t, "proj-1", patched.ProjectID)
}

func TestApplyPatchRejectsBadDocuments(t *testing.T) {
	svc, _ := newWorkflowService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "proj-1", chainInput("guarded"))
	require.NoError(t, err)

	_, err = svc.ApplyPatch(ctx, "proj-1", wf.ID, []byte(`{"op":"replace"}`))
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "not an array: %v", err)

	_, err = svc.ApplyPatch(ctx, "proj-1", wf.ID, []byte(
		`[{"op":"replace","path":"/missing/deep/path","value":1}]`))
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "unapplicable: %v", err)

	_, err = svc.ApplyPatch(ctx, "proj-1", wf.ID, []byte(
		`[{"op":"replace","path":"/name","value":""}]`))
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "blank name: %v", err)

	// A rejected patch leaves the stored document untouched.
	stored, err := svc.Get(ctx, "proj-1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "guarded", stored.Name)
}
