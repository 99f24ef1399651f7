package kafka

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/infra/eventbus/reliability"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

const criticalPublishRetries = 3

// DomainEventPublisher adapts domain events to an events.EventBus. Critical
// events are retried with backoff; the rest are attempted once.
type DomainEventPublisher struct {
	eventBus     events.EventBus
	retryBackoff func() backoff.BackOff
}

// NewDomainEventPublisher creates a publisher writing through bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{
		eventBus: bus,
		retryBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, criticalPublishRetries)
		},
	}
}

// PublishDomainEvent wraps event in an envelope stamped with its occurrence
// time and forwards the routing options unchanged.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	params := events.ApplyOptions(opts)
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}

	if !reliability.IsCriticalEvent(evt.Type) {
		return pub.eventBus.Publish(ctx, evt, opts...)
	}

	return backoff.Retry(func() error {
		return pub.eventBus.Publish(ctx, evt, opts...)
	}, backoff.WithContext(pub.retryBackoff(), ctx))
}
