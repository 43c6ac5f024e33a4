package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foundryhq/foundry/common/dispatcher"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

const (
	postTimeout     = 15 * time.Second
	terminalRetries = 4
	terminalBackoff = 2 * time.Second
)

// reporter posts webhook frames to the orchestrator's execution event
// endpoint, authenticated with the injected execution token.
type reporter struct {
	url    string
	token  string
	client *http.Client
	log    *logger.Logger
}

func newReporter(endpoint, executionID, token string, log *logger.Logger) *reporter {
	return &reporter{
		url:    fmt.Sprintf("%s/exec/%s/event", strings.TrimRight(endpoint, "/"), executionID),
		token:  token,
		client: &http.Client{Timeout: postTimeout},
		log:    log,
	}
}

func (r *reporter) post(ctx context.Context, p *dispatcher.WebhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", p.Type, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s frame: %w", p.Type, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("orchestrator rejected %s frame with %d: %s", p.Type, resp.StatusCode, msg)
	}
	return nil
}

// activity relays one live interpreter event. A lost frame only degrades
// streaming: step checkpoints and the terminal frame carry the state.
func (r *reporter) activity(ev events.Event) {
	p := &dispatcher.WebhookPayload{
		Type:      dispatcher.WebhookActivity,
		Seq:       ev.Seq,
		EventType: ev.Type,
		Payload:   ev.Payload,
	}
	if err := r.post(context.Background(), p); err != nil {
		r.log.Warn("activity relay failed", "event_type", ev.Type, "seq", ev.Seq, "error", err)
	}
}

// reportTerminal delivers the final frame, retrying transient failures. This
// frame is the orchestrator's only copy of the outcome.
func (r *reporter) reportTerminal(ctx context.Context, p *dispatcher.WebhookPayload) error {
	var err error
	for attempt := 1; attempt <= terminalRetries; attempt++ {
		if err = r.post(ctx, p); err == nil {
			return nil
		}
		r.log.Warn("terminal report failed", "type", p.Type, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * terminalBackoff):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// reportingStore wraps the in-memory store and mirrors every closed step to
// the orchestrator as a port-data frame, so the server-side copy of the
// execution advances while the container is still working.
type reportingStore struct {
	*interpreter.MemStore
	rep *reporter

	reported int
}

func newReportingStore(rep *reporter) *reportingStore {
	return &reportingStore{MemStore: interpreter.NewMemStore(), rep: rep}
}

func (s *reportingStore) Update(ctx context.Context, exec *models.Execution) error {
	if err := s.MemStore.Update(ctx, exec); err != nil {
		return err
	}
	// Suspend and terminal frames carry the full state; incremental
	// checkpoints only matter while the execution keeps running.
	if exec.Status != models.ExecutionRunning {
		return nil
	}

	// History is append-only and only the last record can still be open.
	closed := len(exec.StepHistory)
	if closed > 0 && exec.StepHistory[closed-1].Status == models.StepRunning {
		closed--
	}
	for ; s.reported < closed; s.reported++ {
		rec := exec.StepHistory[s.reported]
		if rec.Status != models.StepCompleted {
			continue
		}
		p := &dispatcher.WebhookPayload{
			Type:           dispatcher.WebhookPortData,
			Seq:            interpreter.EventSeq(exec),
			NodeID:         rec.NodeID,
			Next:           exec.CurrentNodeID,
			Outputs:        rec.Outputs,
			ContextUpdates: interpreter.UserContext(exec),
			Step:           &rec,
		}
		if err := s.rep.post(ctx, p); err != nil {
			s.rep.log.Warn("step checkpoint relay failed", "node_id", rec.NodeID, "error", err)
		}
	}
	return nil
}
