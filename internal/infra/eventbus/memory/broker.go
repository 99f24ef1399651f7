// Package memory provides an in-process event bus. It is used when no Kafka
// brokers are configured and in tests, where durability is not required.
package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ahrav/sourcefleet/internal/domain/events"
)

var _ events.EventBus = (*Broker)(nil)

// ErrClosed is returned once the broker has been closed.
var ErrClosed = errors.New("memory broker closed")

type subscription struct {
	id      uint64
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

// Broker delivers published envelopes synchronously to every subscriber of
// the envelope's type.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]subscription)}
}

// Subscribe registers handler for eventTypes until ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		types[et] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{id: id, types: types, handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}()

	return nil
}

// Publish hands the envelope to each matching subscriber in subscription
// order and stops at the first handler error.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Handlers run without the lock held so they may publish in turn.
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if _, ok := s.types[event.Type]; ok {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(matched, func(a, b subscription) int { return cmp.Compare(a.id, b.id) })

	for _, s := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ackErr error
		if err := s.handler(ctx, event, func(err error) { ackErr = err }); err != nil {
			return err
		}
		if ackErr != nil {
			return ackErr
		}
	}
	return nil
}

// Close drops all subscriptions. Later calls to Publish or Subscribe fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subs)
	return nil
}
