package memory

import (
	"context"

	"github.com/ahrav/sourcefleet/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher publishes domain events onto a Broker.
type DomainEventPublisher struct {
	broker *Broker
}

// NewDomainEventPublisher creates a publisher backed by broker.
func NewDomainEventPublisher(broker *Broker) *DomainEventPublisher {
	return &DomainEventPublisher{broker: broker}
}

func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return p.broker.Publish(ctx, events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}, opts...)
}
