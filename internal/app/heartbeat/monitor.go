// Package heartbeat detects silent agents and reconciles their sources.
// Timeouts are reversible: the status held before the timeout is retained
// and restored on the next fresh heartbeat.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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

// Config tunes the monitor.
type Config struct {
	// Interval is the heartbeat period agents are configured with.
	Interval time.Duration
	// TimeoutMultiplier scales Interval into the staleness timeout.
	TimeoutMultiplier int
	// FlushInterval controls how often cached heartbeats are persisted.
	FlushInterval time.Duration
	// SweepInterval controls how often stale sources are looked for.
	SweepInterval time.Duration
	// BatchSize caps the stale sources handled per sweep.
	BatchSize int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Second,
		TimeoutMultiplier: 3,
		FlushInterval:     3 * time.Second,
		SweepInterval:     15 * time.Second,
		BatchSize:         1000,
	}
}

// Timeout is the silence after which a source is timed out.
func (c Config) Timeout() time.Duration {
	return c.Interval * time.Duration(c.TimeoutMultiplier)
}

// Monitor caches heartbeats, persists them in batches and sweeps for
// sources whose agent went silent.
type Monitor struct {
	repo      source.Repository
	publisher events.DomainEventPublisher
	metrics   metrics.HeartbeatMetrics

	cfg          Config
	timeProvider timeutil.Provider

	mu    sync.Mutex
	cache map[uuid.UUID]time.Time

	sf     singleflight.Group
	cancel context.CancelCauseFunc
	done   chan struct{}

	tracer trace.Tracer
	logger *logger.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(
	repo source.Repository,
	publisher events.DomainEventPublisher,
	m metrics.HeartbeatMetrics,
	cfg Config,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = def.TimeoutMultiplier
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	return &Monitor{
		repo:         repo,
		publisher:    publisher,
		metrics:      m,
		cfg:          cfg,
		timeProvider: timeutil.Default(),
		cache:        make(map[uuid.UUID]time.Time),
		tracer:       tracer,
		logger:       logger.With("component", "heartbeat_monitor"),
	}
}

// Start launches the flush and sweep loops. A final flush runs on shutdown.
func (m *Monitor) Start(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "heartbeat_monitor.start",
		trace.WithAttributes(
			attribute.String("flush_interval", m.cfg.FlushInterval.String()),
			attribute.String("sweep_interval", m.cfg.SweepInterval.String()),
			attribute.String("timeout", m.cfg.Timeout().String()),
		))
	defer span.End()

	ctx, m.cancel = context.WithCancelCause(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		flushTicker := time.NewTicker(m.cfg.FlushInterval)
		sweepTicker := time.NewTicker(m.cfg.SweepInterval)
		defer func() {
			flushTicker.Stop()
			sweepTicker.Stop()
		}()

		for {
			select {
			case <-flushTicker.C:
				if err := m.Flush(ctx); err != nil {
					m.logger.Error(ctx, "Heartbeat flush failed", "err", err)
				}
			case <-sweepTicker.C:
				if err := m.Sweep(ctx, m.cfg.Timeout()); err != nil {
					m.logger.Error(ctx, "Heartbeat sweep aborted", "err", err)
				}
			case <-ctx.Done():
				if err := m.Flush(context.WithoutCancel(ctx)); err != nil {
					m.logger.Error(ctx, "Final heartbeat flush failed", "err", err)
				}
				return
			}
		}
	}()

	span.AddEvent("heartbeat_monitor_started")
}

// Stop terminates the loops and waits for the final flush.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel(errors.New("heartbeat monitor stopped"))
	<-m.done
	m.logger.Info(context.Background(), "Heartbeat monitor stopped")
}

// RecordHeartbeat caches a liveness signal for sourceIDs. It never touches the
// store; Flush persists the batch. A zero seenAt means now.
func (m *Monitor) RecordHeartbeat(ctx context.Context, agentIP string, sourceIDs []uuid.UUID, seenAt time.Time) {
	_, span := m.tracer.Start(ctx, "heartbeat_monitor.record_heartbeat",
		trace.WithAttributes(
			attribute.String("agent_ip", agentIP),
			attribute.Int("source_count", len(sourceIDs)),
		))
	defer span.End()

	if seenAt.IsZero() {
		seenAt = m.timeProvider.Now()
	}

	m.mu.Lock()
	for _, id := range sourceIDs {
		if prev, ok := m.cache[id]; !ok || seenAt.After(prev) {
			m.cache[id] = seenAt
		}
	}
	m.mu.Unlock()

	m.metrics.IncHeartbeats(ctx, len(sourceIDs))
}

// Flush persists cached heartbeats and rolls back any timed-out source among
// them whose heartbeat is fresh. On a store error the batch is put back.
func (m *Monitor) Flush(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "heartbeat_monitor.flush")
	defer span.End()

	m.mu.Lock()
	if len(m.cache) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := m.cache
	m.cache = make(map[uuid.UUID]time.Time, len(batch))
	m.mu.Unlock()

	span.SetAttributes(attribute.Int("batch_size", len(batch)))

	if _, err := m.repo.TouchHeartbeats(ctx, batch); err != nil {
		m.requeue(batch)
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat batch update failed")
		return fmt.Errorf("failed to persist %d heartbeats: %w", len(batch), err)
	}
	span.AddEvent("heartbeats_flushed")

	if err := m.recover(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout recovery failed")
		return err
	}

	span.SetStatus(codes.Ok, "heartbeats flushed")
	return nil
}

func (m *Monitor) requeue(batch map[uuid.UUID]time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, at := range batch {
		if prev, ok := m.cache[id]; !ok || at.After(prev) {
			m.cache[id] = at
		}
	}
}

// recover rolls back timed-out sources with a fresh heartbeat in batch.
func (m *Monitor) recover(ctx context.Context, batch map[uuid.UUID]time.Time) error {
	now := m.timeProvider.Now()
	cutoff := now.Add(-m.cfg.Timeout())

	ids := make([]uuid.UUID, 0, len(batch))
	for id, at := range batch {
		if !at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	srcs, err := m.repo.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load heartbeat sources: %w", err)
	}

	for _, src := range srcs {
		change, ok := src.RollbackTimeout(now)
		if !ok {
			continue
		}

		if err := m.repo.CompareAndSetStatus(ctx, change); err != nil {
			if errors.Is(err, source.ErrVersionConflict) {
				m.metrics.IncCASConflicts(ctx, "heartbeat")
				continue
			}
			return fmt.Errorf("failed to roll back timeout of source %s: %w", src.ID(), err)
		}

		m.metrics.IncRecoveries(ctx)
		m.logger.Info(ctx, "Source recovered from heartbeat timeout",
			"source_id", src.ID(),
			"restored_status", change.To,
		)
		m.publish(ctx, source.EventTypeSourceRecovered, src, change)
	}
	return nil
}

// Sweep times out every source whose last heartbeat is older than timeout.
// Pending heartbeats are flushed first. A store error aborts the sweep;
// lost conditional writes are skipped. Overlapping calls on one replica
// share a single sweep.
func (m *Monitor) Sweep(ctx context.Context, timeout time.Duration) error {
	_, err, _ := m.sf.Do("sweep", func() (any, error) {
		return nil, m.sweep(ctx, timeout)
	})
	return err
}

func (m *Monitor) sweep(ctx context.Context, timeout time.Duration) error {
	ctx, span := m.tracer.Start(ctx, "heartbeat_monitor.sweep",
		trace.WithAttributes(attribute.String("timeout", timeout.String())))
	defer span.End()

	start := m.timeProvider.Now()
	defer func() { m.metrics.ObserveSweepDuration(ctx, m.timeProvider.Now().Sub(start)) }()

	if err := m.Flush(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pre-sweep flush failed")
		return err
	}

	now := m.timeProvider.Now()
	cutoff := now.Add(-timeout)
	span.SetAttributes(attribute.String("cutoff_time", cutoff.Format(time.RFC3339)))

	stale, err := m.repo.ListStale(ctx, cutoff, m.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stale source detection failed")
		return fmt.Errorf("failed to list stale sources: %w", err)
	}
	span.AddEvent("stale_sources_found", trace.WithAttributes(attribute.Int("count", len(stale))))

	var timedOut int
	for _, src := range stale {
		change, ok := src.MarkHeartbeatTimeout(now)
		if !ok {
			continue
		}

		if err := m.repo.CompareAndSetStatus(ctx, change); err != nil {
			if errors.Is(err, source.ErrVersionConflict) {
				m.metrics.IncCASConflicts(ctx, "heartbeat")
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "sweep aborted")
			return fmt.Errorf("failed to time out source %s: %w", src.ID(), err)
		}

		timedOut++
		m.metrics.IncTimeouts(ctx)
		m.logger.Warn(ctx, "Source heartbeat timed out",
			"source_id", src.ID(),
			"agent_ip", src.AgentIP(),
			"previous_status", src.Status(),
			"last_heartbeat_at", src.LastHeartbeatAt(),
		)
		m.publish(ctx, source.EventTypeSourceTimedOut, src, change)
	}

	span.SetAttributes(attribute.Int("timed_out", timedOut))
	span.SetStatus(codes.Ok, "sweep completed")
	return nil
}

func (m *Monitor) publish(ctx context.Context, typ events.EventType, src *source.Source, change source.StatusChange) {
	evt := source.NewStatusChangedEvent(typ, src, change)
	if err := m.publisher.PublishDomainEvent(ctx, evt, events.WithKey(src.ID().String())); err != nil {
		m.logger.Error(ctx, "Failed to publish heartbeat event", "source_id", src.ID(), "event_type", typ, "err", err)
	}
}
