// Package eventpublisher adapts pkg/events.EventBus to the narrow
// ports.EventPublisher interface the distribution components depend on.
// Lifecycle events published here are observational fan-out only; the
// relational store remains the queue of record.
package eventpublisher

import (
	"context"

	"github.com/taskfleet/distribution/pkg/events"
	"github.com/taskfleet/distribution/pkg/logger"
)

// Publisher implements ports.EventPublisher over a Kafka-backed event bus.
type Publisher struct {
	bus events.EventBus
	log logger.Logger
}

func New(bus events.EventBus, log logger.Logger) *Publisher {
	return &Publisher{bus: bus, log: log}
}

func (p *Publisher) Publish(ctx context.Context, eventType, aggregateID string, payload map[string]interface{}) {
	builder := events.NewEventBuilder(eventType).
		WithAggregateID(aggregateID).
		WithAggregateType("distribution")
	for k, v := range payload {
		builder = builder.WithPayload(k, v)
	}
	if err := p.bus.Publish(ctx, builder.Build()); err != nil {
		p.log.Error("publish event failed", "event_type", eventType, "aggregate_id", aggregateID, "error", err)
	}
}
