package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Event types carried in the envelope.
const (
	EventWorkerUpdate           = "WORKER_UPDATE"
	EventModelInstanceScheduled = "MODEL_INSTANCE_SCHEDULED"
	EventTerminateModelInstance = "TERMINATE_MODEL_INSTANCE"
)

// SchedulerKey names the scheduler lock and the scheduler status channel.
const SchedulerKey = "@scheduler"

// WorkerSegment is the key segment identifying a worker. It names both the
// heartbeat record and the worker's command channel.
func WorkerSegment(id string) string { return "{@worker-" + id + "}" }

// SchedulerChannel carries WORKER_UPDATE events from workers to schedulers.
func (c *Cluster) SchedulerChannel() string { return c.ChannelKey(SchedulerKey) }

// WorkerChannel carries instance commands addressed to one worker.
func (c *Cluster) WorkerChannel(workerID string) string {
	return c.ChannelKey(WorkerSegment(workerID))
}

// Event is the pub/sub envelope: {event_type, event_data}.
type Event struct {
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
}

// WorkerUpdate is the payload of WORKER_UPDATE.
type WorkerUpdate struct {
	WorkerID            string `json:"worker_id"`
	State               string `json:"state"`
	ModelInstancesCount int    `json:"model_instances_count"`
}

// InstanceCommand is the payload of MODEL_INSTANCE_SCHEDULED and
// TERMINATE_MODEL_INSTANCE.
type InstanceCommand struct {
	NamespaceID     string `json:"namespace_id"`
	ModelID         string `json:"model_id"`
	ModelVersionID  int    `json:"model_version_id"`
	ModelInstanceID string `json:"model_instance_id"`
	WorkerID        string `json:"worker_id"`
}

// NewEvent wraps data in an envelope of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("cluster: encode %s: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: raw}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.EventData, out); err != nil {
		return fmt.Errorf("cluster: decode %s: %w", e.EventType, err)
	}
	return nil
}

// ParseEvent decodes a raw pub/sub message into an envelope.
func ParseEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("cluster: parse event: %w", err)
	}
	return e, nil
}

// Publish sends an event on the channel. Delivery is at-most-once.
func (c *Cluster) Publish(ctx context.Context, channel string, eventType string, data any) error {
	e, err := NewEvent(eventType, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cluster: encode envelope: %w", err)
	}
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("cluster: publish %s on %s: %w", eventType, channel, err)
	}
	return nil
}

// Subscription delivers decoded envelopes from one channel.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe subscribes to channel and waits for the subscription to be
// confirmed, so events published after Subscribe returns are not missed.
func (c *Cluster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := c.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("cluster: subscribe %s: %w", channel, err)
	}
	return &Subscription{pubsub: ps}, nil
}

// Messages returns the raw message channel. It is closed by Close.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
