// Package events carries execution lifecycle events from the interpreter to
// stream consumers: an in-process bus for subscribers on this replica and a
// Redis relay so subscribers on other replicas see live events too.
package events

import "encoding/json"

// Lifecycle event types. Executors additionally emit activity:* events.
const (
	TypeStepStart        = "step:start"
	TypeStepComplete     = "step:complete"
	TypeStepError        = "step:error"
	TypeWorkflowPause    = "workflow:pause"
	TypeWorkflowResume   = "workflow:resume"
	TypeWorkflowComplete = "workflow:complete"
	TypeWorkflowError    = "workflow:error"

	// TypeWorkflowState is the snapshot frame a stream sends on connect.
	// It is synthesized per subscriber and never published on the bus.
	TypeWorkflowState = "workflow:state"

	TypeActivityTool     = "activity:tool"
	TypeActivityDelta    = "activity:delta"
	TypeActivityError    = "activity:error"
	TypeActivityQuestion = "activity:question"
)

// Event is one sequenced lifecycle event of one execution. Seq is assigned by
// the owning interpreter: strictly increasing, contiguous, starting at 1.
type Event struct {
	ExecutionID string         `json:"-"`
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Frame renders the wire form {seq, type, payload}.
func (e Event) Frame() ([]byte, error) {
	return json.Marshal(e)
}

// Sink accepts already-sequenced events. Implementations must not block the
// caller for long; the interpreter emits inline between steps.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// MultiSink fans one emission out to several sinks in order.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(ev Event) {
		for _, s := range sinks {
			s.Emit(ev)
		}
	})
}
