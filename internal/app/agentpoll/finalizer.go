package agentpoll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// finalizeTask moves an acknowledged source from BEEN_ISSUED_X to its
// terminal status.
type finalizeTask struct {
	sourceID uuid.UUID
	outcome  source.Outcome
	message  string
}

// finalizer applies finalize tasks on a small worker pool. Before Start, or
// when the queue is full, tasks run on the caller's goroutine.
type finalizer struct {
	repo      source.Repository
	publisher events.DomainEventPublisher

	workers    int
	maxRetries uint64
	tasks      chan finalizeTask

	mu      sync.RWMutex
	running bool
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup

	timeProvider timeutil.Provider
	tracer       trace.Tracer
	logger       *logger.Logger
}

func newFinalizer(
	repo source.Repository,
	publisher events.DomainEventPublisher,
	workers, queueSize int,
	tracer trace.Tracer,
	logger *logger.Logger,
) *finalizer {
	return &finalizer{
		repo:         repo,
		publisher:    publisher,
		workers:      workers,
		maxRetries:   5,
		tasks:        make(chan finalizeTask, queueSize),
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "ack_finalizer"),
	}
}

func (f *finalizer) start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}

	ctx, f.cancel = context.WithCancelCause(ctx)
	f.running = true
	for range f.workers {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for {
				select {
				case t := <-f.tasks:
					if err := f.finalize(ctx, t); err != nil {
						f.logger.Warn(ctx, "Finalize failed", "source_id", t.sourceID, "err", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// stop halts the workers and applies whatever is still queued.
func (f *finalizer) stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel(errors.New("finalizer stopped"))
	f.mu.Unlock()

	f.wg.Wait()

	ctx := context.Background()
	for {
		select {
		case t := <-f.tasks:
			if err := f.finalize(ctx, t); err != nil {
				f.logger.Warn(ctx, "Finalize during shutdown failed", "source_id", t.sourceID, "err", err)
			}
		default:
			return
		}
	}
}

// schedule hands t to the worker pool.
func (f *finalizer) schedule(ctx context.Context, t finalizeTask) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.running {
		select {
		case f.tasks <- t:
			return nil
		default:
		}
	}
	return f.finalize(ctx, t)
}

// finalize plans and writes the terminal transition, reloading the source
// and retrying with backoff when a concurrent writer wins.
func (f *finalizer) finalize(ctx context.Context, t finalizeTask) error {
	ctx, span := f.tracer.Start(ctx, "ack_finalizer.finalize",
		trace.WithAttributes(
			attribute.String("source_id", t.sourceID.String()),
			attribute.String("outcome", t.outcome.String()),
		))
	defer span.End()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 10 * time.Millisecond
	expBackoff.MaxInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 5 * time.Second

	var attempts int
	operation := func() error {
		attempts++
		src, err := f.repo.GetByID(ctx, t.sourceID)
		if err != nil {
			return backoff.Permanent(err)
		}

		change, needed, err := src.Finalize(t.outcome, t.message, f.timeProvider.Now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !needed {
			span.AddEvent("already_final")
			return nil
		}

		if err := f.repo.CompareAndSetStatus(ctx, change); err != nil {
			if errors.Is(err, source.ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}

		span.AddEvent("source_finalized", trace.WithAttributes(attribute.String("to", change.To.String())))
		evt := source.NewStatusChangedEvent(source.EventTypeSourceFinalized, src, change)
		if err := f.publisher.PublishDomainEvent(ctx, evt, events.WithKey(src.ID().String())); err != nil {
			f.logger.Error(ctx, "Failed to publish finalized event", "source_id", src.ID(), "err", err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, f.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		span.SetAttributes(attribute.Int("attempts", attempts))
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return fmt.Errorf("failed to finalize source %s: %w", t.sourceID, err)
	}

	span.SetStatus(codes.Ok, "finalized")
	return nil
}
