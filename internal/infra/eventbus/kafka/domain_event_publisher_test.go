package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

// MockEventBus is a manual mock implementation of events.EventBus.
type MockEventBus struct {
	publishFunc func(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error
}

func (m *MockEventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	return m.publishFunc(ctx, event, opts...)
}

func (m *MockEventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	return nil
}

func (m *MockEventBus) Close() error { return nil }

func newTestEvent() source.StatusChangedEvent {
	return source.ReconstructStatusChangedEvent(
		source.EventTypeSourceIssued, uuid.New(), "orders", "10.0.0.1", "cluster-a",
		source.StatusNew, source.StatusToBeIssuedAdd, "",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	)
}

func TestDomainEventPublisher_PublishDomainEvent(t *testing.T) {
	t.Parallel()

	event := newTestEvent()
	var got events.EventEnvelope
	var gotOpts events.PublishParams
	bus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			got = evt
			gotOpts = events.ApplyOptions(opts)
			return nil
		},
	}

	pub := NewDomainEventPublisher(bus)
	err := pub.PublishDomainEvent(context.Background(), event,
		events.WithKey(event.SourceID.String()),
		events.WithHeaders(map[string]string{"origin": "dispatch"}),
	)
	require.NoError(t, err)

	assert.Equal(t, source.EventTypeSourceIssued, got.Type)
	assert.Equal(t, event.OccurredAt(), got.Timestamp)
	assert.Equal(t, event, got.Payload)
	assert.Equal(t, event.SourceID.String(), got.Key)
	assert.Equal(t, event.SourceID.String(), gotOpts.Key)
	assert.Equal(t, "dispatch", gotOpts.Headers["origin"])
}

func TestDomainEventPublisher_PublishDomainEvent_Error(t *testing.T) {
	t.Parallel()

	want := errors.New("broker unavailable")
	bus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			return want
		},
	}

	calls := 0
	bus.publishFunc = func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
		calls++
		return want
	}

	err := NewDomainEventPublisher(bus).PublishDomainEvent(context.Background(), newTestEvent())
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 1, calls, "non-critical events are not retried")
}

func TestDomainEventPublisher_RetriesCriticalEvents(t *testing.T) {
	t.Parallel()

	calls := 0
	bus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			calls++
			if calls < 3 {
				return errors.New("leader not available")
			}
			return nil
		},
	}

	pub := NewDomainEventPublisher(bus)
	pub.retryBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, criticalPublishRetries)
	}

	evt := source.NewPurgedEvent(2, time.Unix(0, 0).UTC(), time.Unix(1, 0).UTC())
	require.NoError(t, pub.PublishDomainEvent(context.Background(), evt))
	assert.Equal(t, 3, calls)
}

func TestDomainEventPublisher_CriticalEventGivesUp(t *testing.T) {
	t.Parallel()

	want := errors.New("broker unavailable")
	calls := 0
	bus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			calls++
			return want
		},
	}

	pub := NewDomainEventPublisher(bus)
	pub.retryBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, criticalPublishRetries)
	}

	evt := source.NewPurgedEvent(2, time.Unix(0, 0).UTC(), time.Unix(1, 0).UTC())
	assert.ErrorIs(t, pub.PublishDomainEvent(context.Background(), evt), want)
	assert.Equal(t, criticalPublishRetries+1, calls)
}
