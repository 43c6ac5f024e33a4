package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foundryhq/foundry/common/logger"
)

// ChannelPattern matches every execution's event channel.
const ChannelPattern = "wf:events:*"

// publishTimeout bounds the blocking PUBLISH an Emit performs.
const publishTimeout = 2 * time.Second

// ChannelFor names the Redis pub/sub channel of one execution.
func ChannelFor(executionID string) string { return "wf:events:" + executionID }

type publisher interface {
	PublishEvent(ctx context.Context, channel string, message string) error
}

type subscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// RelayClient is the slice of the Redis wrapper the relay needs.
type RelayClient interface {
	publisher
	subscriber
}

// wireFrame is the published form; ExecutionID rides inside the frame because
// Event keeps it out of its JSON.
type wireFrame struct {
	ExecutionID string         `json:"executionId"`
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Relay carries events between replicas: Emit publishes to Redis, Run feeds
// frames from Redis into the local bus. Every replica runs one Relay, so an
// SSE subscriber sees events no matter which replica executes the workflow.
type Relay struct {
	client RelayClient
	bus    *Bus
	log    *logger.Logger
}

// NewRelay builds a relay over the shared Redis client and the local bus.
func NewRelay(client RelayClient, bus *Bus, log *logger.Logger) *Relay {
	return &Relay{client: client, bus: bus, log: log}
}

// Emit implements Sink: the event goes to Redis and comes back to every
// replica's bus through Run, this one included. If Redis is unreachable the
// event is delivered to the local bus directly so subscribers on this
// replica stay live.
func (r *Relay) Emit(ev Event) {
	frame, err := json.Marshal(wireFrame{
		ExecutionID: ev.ExecutionID,
		Seq:         ev.Seq,
		Type:        ev.Type,
		Payload:     ev.Payload,
	})
	if err != nil {
		r.log.Error("failed to encode event frame",
			"execution_id", ev.ExecutionID, "type", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.PublishEvent(ctx, ChannelFor(ev.ExecutionID), string(frame)); err != nil {
		r.bus.Publish(ev)
	}
}

// Run consumes the pattern subscription until ctx ends, republishing each
// frame on the local bus.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, ChannelPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var f wireFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		r.log.Warn("dropping malformed event frame", "error", err)
		return
	}
	if f.ExecutionID == "" {
		r.log.Warn("dropping event frame without execution id", "type", f.Type)
		return
	}
	r.bus.Publish(Event{
		ExecutionID: f.ExecutionID,
		Seq:         f.Seq,
		Type:        f.Type,
		Payload:     f.Payload,
	})
}
