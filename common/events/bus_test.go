package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe("exec-1")
	b, cancelB := bus.Subscribe("exec-1")
	other, cancelOther := bus.Subscribe("exec-2")
	defer cancelA()
	defer cancelB()
	defer cancelOther()

	bus.Publish(Event{ExecutionID: "exec-1", Seq: 1, Type: TypeStepStart})

	assert.Equal(t, int64(1), (<-a).Seq)
	assert.Equal(t, int64(1), (<-b).Seq)
	select {
	case ev := <-other:
		t.Fatalf("subscriber of another execution got %v", ev)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("exec-1")
	require.Equal(t, 1, bus.SubscriberCount("exec-1"))

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount("exec-1"))
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("exec-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+1; i++ {
		bus.Publish(Event{ExecutionID: "exec-1", Seq: int64(i + 1), Type: TypeStepStart})
	}

	assert.Zero(t, bus.SubscriberCount("exec-1"), "full subscriber must be detached")
	// The buffered backlog remains readable up to the drop point.
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
}

func TestMultiSinkOrder(t *testing.T) {
	var got []string
	first := SinkFunc(func(ev Event) { got = append(got, "first:"+ev.Type) })
	second := SinkFunc(func(ev Event) { got = append(got, "second:"+ev.Type) })

	MultiSink(first, second).Emit(Event{Type: TypeStepComplete})

	assert.Equal(t, []string{"first:" + TypeStepComplete, "second:" + TypeStepComplete}, got)
}
