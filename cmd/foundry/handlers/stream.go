package handlers

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/middleware"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = 25 * time.Second

	// SSE comment frames keep intermediaries from closing idle streams.
	heartbeatPeriod = 30 * time.Second

	// Clients only send pongs, not data.
	maxStreamMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler serves the live event stream of an execution over SSE and
// WebSocket. Both transports carry the same frames: a workflow:state snapshot
// on connect, then bus events with seq above the snapshot's.
type StreamHandler struct {
	store interpreter.Store
	bus   *events.Bus
	log   *logger.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(store interpreter.Store, bus *events.Bus, log *logger.Logger) *StreamHandler {
	return &StreamHandler{store: store, bus: bus, log: log}
}

// StreamEvents serves the execution's event stream as server-sent events.
// The first frame is a workflow:state snapshot carrying the step history,
// which doubles as catch-up after a dropped connection.
// GET /api/v1/executions/:id/events
func (h *StreamHandler) StreamEvents(c echo.Context) error {
	exec, ch, cancel, err := h.openStream(c)
	if err != nil {
		return err
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.log.Debug("event stream opened", "executionId", exec.ID, "transport", "sse")

	snap := snapshotEvent(exec)
	if err := writeSSE(w, snap); err != nil {
		return nil
	}
	w.Flush()
	if exec.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Seq <= snap.Seq {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
			w.Flush()
			if terminalEvent(ev.Type) {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// StreamWS serves the same frames as StreamEvents over a WebSocket, one JSON
// object per text message.
// GET /api/v1/executions/:id/ws
func (h *StreamHandler) StreamWS(c echo.Context) error {
	exec, ch, cancel, err := h.openStream(c)
	if err != nil {
		return err
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return nil
	}
	defer conn.Close()

	h.log.Debug("event stream opened", "executionId", exec.ID, "transport", "ws")

	// The read pump only consumes pongs and surfaces the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxStreamMessage)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := snapshotEvent(exec)
	if err := writeWS(conn, snap); err != nil {
		return nil
	}
	if exec.Status.Terminal() {
		closeWS(conn)
		return nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Seq <= snap.Seq {
				continue
			}
			if err := writeWS(conn, ev); err != nil {
				return nil
			}
			if terminalEvent(ev.Type) {
				closeWS(conn)
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}

// openStream subscribes to the execution's live events and then reads the
// state row, in that order, so no event falls between snapshot and stream.
func (h *StreamHandler) openStream(c echo.Context) (*models.Execution, <-chan events.Event, func(), error) {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return nil, nil, nil, err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return nil, nil, nil, badRequest("invalid execution id")
	}

	ch, cancel := h.bus.Subscribe(id.String())
	exec, err := h.store.GetByID(c.Request().Context(), id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if exec.ProjectID != projectID {
		cancel()
		return nil, nil, nil, errdefs.Newf(errdefs.KindNotFound, "execution %s not found", id)
	}
	return exec, ch, cancel, nil
}

// snapshotEvent renders the current execution state as a stream frame. Its
// seq is the last assigned event number, so clients drop any replayed event
// at or below it.
func snapshotEvent(exec *models.Execution) events.Event {
	return events.Event{
		ExecutionID: exec.ID.String(),
		Seq:         interpreter.EventSeq(exec),
		Type:        events.TypeWorkflowState,
		Payload: map[string]any{
			"status":        exec.Status,
			"currentNodeId": exec.CurrentNodeID,
			"stepHistory":   exec.StepHistory,
		},
	}
}

func terminalEvent(eventType string) bool {
	return eventType == events.TypeWorkflowComplete || eventType == events.TypeWorkflowError
}

func writeSSE(w io.Writer, ev events.Event) error {
	data, err := ev.Frame()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func writeWS(conn *websocket.Conn, ev events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeWS(conn *websocket.Conn) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
