package events

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is dropped rather than allowed to stall the engine.
const subscriberBuffer = 64

// Bus fans events out to in-process subscribers keyed by execution id.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers for one execution's events. The returned cancel
// function detaches the subscriber and closes its channel.
func (b *Bus) Subscribe(executionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.remove(executionID, ch) })
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its execution. Slow
// subscribers (full buffer) are dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.ExecutionID]
	var dropped []chan Event
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			dropped = append(dropped, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range dropped {
		b.remove(ev.ExecutionID, ch)
	}
}

// Emit implements Sink.
func (b *Bus) Emit(ev Event) { b.Publish(ev) }

// SubscriberCount reports active subscribers for an execution.
func (b *Bus) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

func (b *Bus) remove(executionID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[executionID]
	for i, c := range subs {
		if c == ch {
			b.subs[executionID] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(b.subs[executionID]) == 0 {
		delete(b.subs, executionID)
	}
}
