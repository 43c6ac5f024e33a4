package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/models"
)

// Webhook payload types posted by remote runners.
const (
	WebhookActivity = "activity"
	WebhookPortData = "port-data"
	WebhookSuspend  = "suspend"
	WebhookComplete = "complete"
	WebhookError    = "error"
)

// WebhookPayload is one frame posted by a remote runner. Activity frames
// relay live events; port-data frames checkpoint step results incrementally;
// suspend, complete and error frames carry the runner's full execution state
// for reconciliation.
type WebhookPayload struct {
	Type string `json:"type"`

	// Activity relay.
	Seq       int64          `json:"seq,omitempty"`
	EventType string         `json:"eventType,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Incremental step checkpoint.
	NodeID         string             `json:"nodeId,omitempty"`
	Next           string             `json:"next,omitempty"`
	Outputs        map[string]any     `json:"outputs,omitempty"`
	ContextUpdates map[string]any     `json:"contextUpdates,omitempty"`
	Step           *models.StepRecord `json:"step,omitempty"`

	// Full state sync.
	Execution *models.Execution `json:"execution,omitempty"`
	Error     *models.ExecError `json:"error,omitempty"`
}

// ApplyWebhook authenticates and applies one runner frame. The bearer token
// must verify, name this execution, and still have its validity marker; any
// failure rejects the frame without touching execution state.
func (d *Dispatcher) ApplyWebhook(ctx context.Context, executionID, bearer string, p *WebhookPayload) (*models.Execution, error) {
	if err := d.authorize(ctx, executionID, bearer); err != nil {
		return nil, err
	}
	d.metrics.WebhookAccepted()

	id, err := uuid.Parse(executionID)
	if err != nil {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid execution id %q", executionID)
	}
	exec, err := d.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// A frame racing a cancel or an earlier terminal sync changes nothing.
	if exec.Status.Terminal() {
		return exec, nil
	}

	switch p.Type {
	case WebhookActivity:
		return d.applyActivity(ctx, exec, p)
	case WebhookPortData:
		return d.applyPortData(ctx, exec, p)
	case WebhookSuspend:
		return d.applySuspend(ctx, exec, p)
	case WebhookComplete:
		return d.applyComplete(ctx, exec, p)
	case WebhookError:
		return d.applyError(ctx, exec, p)
	default:
		return nil, errdefs.Newf(errdefs.KindValidation, "unknown webhook type %q", p.Type)
	}
}

// authorize gates every runner endpoint: the bearer token must verify, name
// this execution, and still have its validity marker in the KV store.
func (d *Dispatcher) authorize(ctx context.Context, executionID, bearer string) error {
	claims, err := d.tokens.Verify(bearer)
	if err != nil {
		return d.rejectWebhook(executionID, "invalid token", err)
	}
	if claims.ExecutionID != executionID {
		return d.rejectWebhook(executionID, "token issued for a different execution", nil)
	}
	exists, err := d.kv.Exists(ctx, tokenKey(executionID))
	if err != nil {
		return d.rejectWebhook(executionID, "token validity check failed", err)
	}
	if !exists {
		return d.rejectWebhook(executionID, "token marked invalid", nil)
	}
	return nil
}

func (d *Dispatcher) rejectWebhook(executionID, reason string, cause error) error {
	d.metrics.WebhookRejected()
	d.log.Warn("webhook rejected", "execution_id", executionID, "reason", reason, "error", cause)
	return errdefs.New(errdefs.KindUnauthorizedWebhook, "webhook not authorized: "+reason)
}

// applyActivity relays a live runner event to subscribers and advances the
// execution's sequence floor so a later local takeover never reuses numbers.
func (d *Dispatcher) applyActivity(ctx context.Context, exec *models.Execution, p *WebhookPayload) (*models.Execution, error) {
	if p.EventType == "" {
		return nil, errdefs.New(errdefs.KindValidation, "activity frame is missing eventType")
	}
	interpreter.ObserveSeq(exec, p.Seq)
	exec.LastActivityAt = time.Now().UTC()
	if err := d.store.Update(ctx, exec); err != nil {
		return nil, err
	}
	d.sink.Emit(events.Event{
		ExecutionID: exec.ID.String(),
		Seq:         p.Seq,
		Type:        p.EventType,
		Payload:     p.Payload,
	})
	return exec, nil
}

// applyPortData checkpoints one finished remote step: outputs under the
// node's id, context updates, the step record, and the node to resume from
// if this replica ever has to take the execution over.
func (d *Dispatcher) applyPortData(ctx context.Context, exec *models.Execution, p *WebhookPayload) (*models.Execution, error) {
	if p.NodeID == "" {
		return nil, errdefs.New(errdefs.KindValidation, "port-data frame is missing nodeId")
	}
	interpreter.SetPortData(exec, p.NodeID, p.Outputs)
	interpreter.MergeContext(exec, p.ContextUpdates)
	if p.Step != nil {
		exec.StepHistory = append(exec.StepHistory, *p.Step)
	}
	if p.Next != "" {
		exec.CurrentNodeID = p.Next
	}
	interpreter.ObserveSeq(exec, p.Seq)
	exec.LastActivityAt = time.Now().UTC()
	if err := d.store.Update(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// applySuspend records a question suspension reported by the runner and
// releases its container. The answer, when it arrives, resumes the
// execution on the local interpreter.
func (d *Dispatcher) applySuspend(ctx context.Context, exec *models.Execution, p *WebhookPayload) (*models.Execution, error) {
	if p.Execution == nil {
		return nil, errdefs.New(errdefs.KindValidation, "suspend frame is missing execution state")
	}
	if p.Execution.Status != models.ExecutionWaitingUser {
		return nil, errdefs.Newf(errdefs.KindValidation, "suspend frame reports status %q", p.Execution.Status)
	}
	syncState(exec, p.Execution)
	exec.Status = models.ExecutionWaitingUser
	if err := d.store.Update(ctx, exec); err != nil {
		return nil, err
	}
	d.Teardown(ctx, exec.ID.String())
	d.log.Info("remote execution suspended on question",
		"execution_id", exec.ID.String(), "node_id", exec.CurrentNodeID)
	return exec, nil
}

func (d *Dispatcher) applyComplete(ctx context.Context, exec *models.Execution, p *WebhookPayload) (*models.Execution, error) {
	if p.Execution == nil {
		return nil, errdefs.New(errdefs.KindValidation, "complete frame is missing execution state")
	}
	syncState(exec, p.Execution)
	exec.Status = models.ExecutionCompleted
	now := time.Now().UTC()
	if p.Execution.CompletedAt != nil {
		exec.CompletedAt = p.Execution.CompletedAt
	} else {
		exec.CompletedAt = &now
	}
	if err := d.store.Update(ctx, exec); err != nil {
		return nil, err
	}
	d.metrics.ExecutionCompleted()
	d.Teardown(ctx, exec.ID.String())
	d.log.Info("remote execution completed",
		"execution_id", exec.ID.String(),
		"completion_status", interpreter.CompletionStatus(exec),
	)
	return exec, nil
}

func (d *Dispatcher) applyError(ctx context.Context, exec *models.Execution, p *WebhookPayload) (*models.Execution, error) {
	if p.Execution != nil {
		syncState(exec, p.Execution)
	}
	exec.Status = models.ExecutionFailed
	if p.Error != nil {
		exec.LastError = p.Error
	}
	if exec.LastError == nil {
		exec.LastError = &models.ExecError{
			Kind:    string(errdefs.KindInternal),
			Message: "remote runner reported failure",
			NodeID:  exec.CurrentNodeID,
		}
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.LastActivityAt = now
	if err := d.store.Update(ctx, exec); err != nil {
		return nil, err
	}
	d.metrics.ExecutionFailed()
	d.Teardown(ctx, exec.ID.String())
	d.log.Warn("remote execution failed",
		"execution_id", exec.ID.String(),
		"error_kind", exec.LastError.Kind,
		"error", exec.LastError.Message,
	)
	return exec, nil
}

// syncState copies the runner's reported run state onto the stored row.
// Identity and scheduling fields stay as the row has them; the runner is
// authoritative only for what it executed.
func syncState(row, reported *models.Execution) {
	row.Context = reported.Context
	row.StepHistory = reported.StepHistory
	row.CurrentNodeID = reported.CurrentNodeID
	row.RetryCount = reported.RetryCount
	if reported.LastError != nil {
		row.LastError = reported.LastError
	}
	row.LastActivityAt = time.Now().UTC()
}
