package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

func testEvent() source.StatusChangedEvent {
	return source.ReconstructStatusChangedEvent(
		source.EventTypeSourceTimedOut, uuid.New(), "orders", "10.0.0.1", "cluster-a",
		source.StatusNormal, source.StatusHeartbeatTimeout, "",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	)
}

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var got []events.EventEnvelope
	err := broker.Subscribe(ctx, []events.EventType{source.EventTypeSourceTimedOut},
		func(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			got = append(got, evt)
			ack(nil)
			return nil
		})
	require.NoError(t, err)

	evt := testEvent()
	pub := NewDomainEventPublisher(broker)
	require.NoError(t, pub.PublishDomainEvent(ctx, evt, events.WithKey(evt.SourceID.String())))

	// Not subscribed.
	require.NoError(t, pub.PublishDomainEvent(ctx, source.NewPurgedEvent(1, time.Now(), time.Now())))

	require.Len(t, got, 1)
	assert.Equal(t, evt, got[0].Payload)
	assert.Equal(t, evt.SourceID.String(), got[0].Key)
	assert.Equal(t, evt.OccurredAt(), got[0].Timestamp)
}

func TestMultipleSubscribersInOrder(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var order []int
	for i := range 3 {
		err := broker.Subscribe(ctx, []events.EventType{source.EventTypeSourceTimedOut},
			func(context.Context, events.EventEnvelope, events.AckFunc) error {
				order = append(order, i)
				return nil
			})
		require.NoError(t, err)
	}

	evt := testEvent()
	require.NoError(t, broker.Publish(ctx, events.EventEnvelope{Type: evt.EventType(), Payload: evt}))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler events.HandlerFunc
	}{
		{
			name: "handler error",
			handler: func(context.Context, events.EventEnvelope, events.AckFunc) error {
				return errors.New("boom")
			},
		},
		{
			name: "negative ack",
			handler: func(_ context.Context, _ events.EventEnvelope, ack events.AckFunc) error {
				ack(errors.New("nack"))
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			broker := NewBroker()
			ctx := context.Background()
			types := []events.EventType{source.EventTypeSourceTimedOut}

			require.NoError(t, broker.Subscribe(ctx, types, tt.handler))
			called := false
			require.NoError(t, broker.Subscribe(ctx, types, func(context.Context, events.EventEnvelope, events.AckFunc) error {
				called = true
				return nil
			}))

			evt := testEvent()
			err := broker.Publish(ctx, events.EventEnvelope{Type: evt.EventType(), Payload: evt})
			assert.Error(t, err)
			assert.False(t, called)
		})
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	require.NoError(t, broker.Subscribe(ctx, []events.EventType{source.EventTypeSourceTimedOut},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}))
	cancel()

	assert.Eventually(t, func() bool {
		broker.mu.RLock()
		defer broker.mu.RUnlock()
		return len(broker.subs) == 0
	}, time.Second, 10*time.Millisecond)

	evt := testEvent()
	require.NoError(t, broker.Publish(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt}))
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	broker := NewBroker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, broker.Subscribe(ctx, nil, func(context.Context, events.EventEnvelope, events.AckFunc) error { return nil }))
	assert.Error(t, broker.Subscribe(context.Background(), nil, nil))

	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Subscribe(context.Background(), nil, func(context.Context, events.EventEnvelope, events.AckFunc) error { return nil }), ErrClosed)
	assert.ErrorIs(t, broker.Publish(context.Background(), events.EventEnvelope{}), ErrClosed)
}
