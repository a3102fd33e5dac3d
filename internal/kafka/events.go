package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

// TopicJobEvents carries job lifecycle events keyed by job id.
const TopicJobEvents = "partflow.job-events"

// EventPublisher publishes domain events to Kafka. Keying by job id keeps
// every event of a job on one partition, in order.
type EventPublisher struct {
	producer Producer
	topic    string
}

// NewEventPublisher publishes to TopicJobEvents.
func NewEventPublisher(p Producer) *EventPublisher {
	return &EventPublisher{producer: p, topic: TopicJobEvents}
}

// Emit serializes ev and publishes it.
func (e *EventPublisher) Emit(ctx context.Context, ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return e.producer.Publish(ctx, e.topic, ev.JobID, value)
}

// DecodeEvent parses a message produced by EventPublisher.
func DecodeEvent(msg Message) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	return ev, nil
}
