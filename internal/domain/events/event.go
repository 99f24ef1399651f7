// Package events defines the domain event contracts shared by the lifecycle
// services and the event bus adapters that carry them.
package events

import (
	"context"
	"time"
)

// EventType names a category of domain event. It doubles as the routing key
// the bus uses to pick a topic.
type EventType string

// DomainEvent is implemented by every event the domain raises.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope carries a domain event across the event bus together with
// its routing metadata.
type EventEnvelope struct {
	Type EventType
	// Key is normally the source id so one source's events stay ordered on a
	// single partition.
	Key       string
	Headers   map[string]string
	Timestamp time.Time
	Payload   any
	// Metadata is filled in by the bus on consumption.
	Metadata EventMetadata
}

// EventMetadata describes where a consumed event was read from.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// PublishParams holds per-publish routing options.
type PublishParams struct {
	Key     string
	Headers map[string]string
}

// PublishOption configures a single publish call.
type PublishOption func(*PublishParams)

// WithKey sets the partition key.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders attaches metadata headers to the published event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyOptions folds opts into a PublishParams value.
func ApplyOptions(opts []PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// AckFunc is called by a handler once it has finished processing an event.
type AckFunc func(err error)

// HandlerFunc processes a single event delivered by the bus.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// DomainEventPublisher is how lifecycle services announce state changes.
// Implementations decide transport and delivery guarantees.
type DomainEventPublisher interface {
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus moves envelopes between publishers and subscribers.
type EventBus interface {
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error
	Close() error
}
