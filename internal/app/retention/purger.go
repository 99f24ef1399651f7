// Package retention physically removes sources that were deleted long ago.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/sourcefleet/internal/app/metrics"
	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// Config tunes the purge sweep.
type Config struct {
	// Retention is how long a soft-deleted source is kept, and then how long
	// it stays purgeable before removal.
	Retention time.Duration
	// Interval between sweeps.
	Interval time.Duration
}

// DefaultConfig keeps deleted sources for seven days.
func DefaultConfig() Config {
	return Config{Retention: 7 * 24 * time.Hour, Interval: time.Hour}
}

// Result counts what one sweep did.
type Result struct {
	Marked int64
	Purged int64
}

// Purger runs the two-phase retention sweep. Soft-deleted sources resting in
// a stable status are first marked purgeable; purgeable sources older than
// the retention window are then deleted.
type Purger struct {
	repo      source.Repository
	publisher events.DomainEventPublisher
	metrics   metrics.RetentionMetrics

	cfg          Config
	timeProvider timeutil.Provider
	sf           singleflight.Group
	cancel       context.CancelCauseFunc

	tracer trace.Tracer
	logger *logger.Logger
}

// NewPurger creates a Purger.
func NewPurger(
	repo source.Repository,
	publisher events.DomainEventPublisher,
	m metrics.RetentionMetrics,
	cfg Config,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Purger {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Purger{
		repo:         repo,
		publisher:    publisher,
		metrics:      m,
		cfg:          cfg,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "retention_purger"),
	}
}

// Start runs Purge every Interval until ctx is canceled or Stop is called.
func (p *Purger) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancelCause(ctx)

	go func() {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := p.Purge(ctx); err != nil {
					p.logger.Error(ctx, "Retention sweep failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the background loop.
func (p *Purger) Stop() {
	if p.cancel != nil {
		p.cancel(errors.New("retention purger stopped"))
	}
}

// Purge performs one sweep. Overlapping calls share a single sweep.
func (p *Purger) Purge(ctx context.Context) (Result, error) {
	v, err, _ := p.sf.Do("purge", func() (any, error) {
		return p.purge(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Purger) purge(ctx context.Context) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "retention_purger.purge",
		trace.WithAttributes(attribute.String("retention", p.cfg.Retention.String())))
	defer span.End()

	now := p.timeProvider.Now()
	cutoff := now.Add(-p.cfg.Retention)

	marked, err := p.repo.MarkPurgeable(ctx, cutoff, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark purgeable sources")
		return Result{}, fmt.Errorf("failed to mark purgeable sources: %w", err)
	}

	purged, err := p.repo.PurgeDeleted(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to purge sources")
		return Result{Marked: marked}, fmt.Errorf("failed to purge sources: %w", err)
	}

	res := Result{Marked: marked, Purged: purged}
	span.SetAttributes(
		attribute.Int64("marked", marked),
		attribute.Int64("purged", purged),
	)

	if purged > 0 {
		p.metrics.AddPurged(ctx, purged)
		p.logger.Info(ctx, "Purged deleted sources", "count", purged, "cutoff", cutoff)
		if err := p.publisher.PublishDomainEvent(ctx, source.NewPurgedEvent(purged, cutoff, now)); err != nil {
			p.logger.Error(ctx, "Failed to publish purge event", "err", err)
		}
	}

	span.SetStatus(codes.Ok, "retention sweep completed")
	return res, nil
}
