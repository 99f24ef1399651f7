// Package agentpoll answers agent pull requests and acknowledgements.
// Commands are delivered at least once: a source stays in its
// to-be-issued status, and is returned on every poll, until acknowledged.
package agentpoll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/sourcefleet/internal/app/metrics"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// HeartbeatRecorder receives liveness implied by agent traffic.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, agentIP string, sourceIDs []uuid.UUID, seenAt time.Time)
}

// Config tunes the poll service.
type Config struct {
	// PageSize caps the sources returned by one Pull.
	PageSize int
	// FinalizeWorkers and FinalizeQueue size the async finalizer.
	FinalizeWorkers int
	FinalizeQueue   int
	// FinalizeGrace is how long an acknowledged source may rest in
	// BEEN_ISSUED before the sweep finalizes it from its recorded outcome.
	FinalizeGrace time.Duration
	// FinalizeSweepInterval paces the sweep started by Start.
	FinalizeSweepInterval time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PageSize:              200,
		FinalizeWorkers:       4,
		FinalizeQueue:         1024,
		FinalizeGrace:         30 * time.Second,
		FinalizeSweepInterval: 15 * time.Second,
	}
}

// overdueBatchSize caps the sources finalized by one sweep.
const overdueBatchSize = 500

// lostOutcomeMessage marks sources finalized without a recorded outcome.
const lostOutcomeMessage = "acknowledgement outcome lost"

// Service implements the agent-facing pull and acknowledgement protocol.
type Service struct {
	repo       source.Repository
	agents     agent.Registry
	heartbeats HeartbeatRecorder
	publisher  events.DomainEventPublisher
	metrics    metrics.PollMetrics
	finalizer  *finalizer

	pageSize      int
	grace         time.Duration
	sweepInterval time.Duration
	timeProvider  timeutil.Provider

	sf     singleflight.Group
	cancel context.CancelCauseFunc
	done   chan struct{}

	tracer trace.Tracer
	logger *logger.Logger
}

// NewService creates a Service. heartbeats may be nil.
func NewService(
	repo source.Repository,
	agents agent.Registry,
	heartbeats HeartbeatRecorder,
	publisher events.DomainEventPublisher,
	m metrics.PollMetrics,
	cfg Config,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Service {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.FinalizeWorkers <= 0 {
		cfg.FinalizeWorkers = def.FinalizeWorkers
	}
	if cfg.FinalizeQueue <= 0 {
		cfg.FinalizeQueue = def.FinalizeQueue
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = def.FinalizeGrace
	}
	if cfg.FinalizeSweepInterval <= 0 {
		cfg.FinalizeSweepInterval = def.FinalizeSweepInterval
	}

	logger = logger.With("component", "agent_poll_service")
	return &Service{
		repo:          repo,
		agents:        agents,
		heartbeats:    heartbeats,
		publisher:     publisher,
		metrics:       m,
		finalizer:     newFinalizer(repo, publisher, cfg.FinalizeWorkers, cfg.FinalizeQueue, tracer, logger),
		pageSize:      cfg.PageSize,
		grace:         cfg.FinalizeGrace,
		sweepInterval: cfg.FinalizeSweepInterval,
		timeProvider:  timeutil.Default(),
		tracer:        tracer,
		logger:        logger,
	}
}

// Start runs acknowledgement finalization asynchronously and sweeps for
// overdue BEEN_ISSUED sources every FinalizeSweepInterval. Without Start,
// Ack finalizes inline.
func (s *Service) Start(ctx context.Context) {
	s.finalizer.start(ctx)

	ctx, s.cancel = context.WithCancelCause(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.FinalizeOverdue(ctx); err != nil {
					s.logger.Warn(ctx, "Overdue finalize sweep incomplete", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sweep, waiting for a running pass, and drains pending
// finalizations.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel(errors.New("agent poll service stopped"))
	}
	if s.done != nil {
		<-s.done
	}
	s.finalizer.stop()
}

// Pull returns the caller's sources that are to-be-issued or no longer alive,
// one page at a time. The returned cursor is empty once the final page has
// been served; passing it back starts over.
func (s *Service) Pull(ctx context.Context, agentIP, clusterName string, cursor Cursor) ([]*source.Source, Cursor, error) {
	ctx, span := s.tracer.Start(ctx, "agent_poll_service.pull",
		trace.WithAttributes(
			attribute.String("agent_ip", agentIP),
			attribute.String("cluster_name", clusterName),
			attribute.Bool("resumed", cursor != ""),
		))
	defer span.End()

	afterID, err := cursor.decode()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid cursor")
		return nil, "", err
	}

	now := s.timeProvider.Now()
	if err := s.agents.Touch(ctx, agent.Identity{IP: agentIP, ClusterName: clusterName}, now); err != nil {
		s.logger.Warn(ctx, "Failed to record agent poll", "agent_ip", agentIP, "err", err)
	}

	srcs, err := s.repo.ListDeliverable(ctx, source.AgentQuery{
		AgentIP:     agentIP,
		ClusterName: clusterName,
		AfterID:     afterID,
		Limit:       s.pageSize,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list deliverable sources")
		return nil, "", fmt.Errorf("failed to list deliverable sources: %w", err)
	}

	var next Cursor
	if len(srcs) == s.pageSize {
		next = encodeCursor(srcs[len(srcs)-1].ID())
	}

	s.metrics.IncPulls(ctx, len(srcs))
	span.SetAttributes(
		attribute.Int("delivered", len(srcs)),
		attribute.Bool("more", next != ""),
	)
	span.SetStatus(codes.Ok, "pull served")
	return srcs, next, nil
}

// Ack records an agent's outcome for a delivered command. It moves
// TO_BE_ISSUED_X to BEEN_ISSUED_X together with the outcome (a no-op if
// already past that point) and schedules the move to NORMAL or FAILED. If
// that move fails the source keeps its recorded outcome and FinalizeOverdue
// completes it. An ack for a source resting in a stable status returns an
// *source.InvalidTransitionError and changes nothing.
func (s *Service) Ack(ctx context.Context, sourceID uuid.UUID, outcome source.Outcome, message string) error {
	ctx, span := s.tracer.Start(ctx, "agent_poll_service.ack",
		trace.WithAttributes(
			attribute.String("source_id", sourceID.String()),
			attribute.String("outcome", outcome.String()),
		))
	defer span.End()

	logr := logger.NewLoggerContext(s.logger.With("operation", "ack"))
	logr.Add("source_id", sourceID, "outcome", outcome)

	if outcome != source.OutcomeSuccess && outcome != source.OutcomeFailure {
		err := fmt.Errorf("unsupported outcome %q", outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid outcome")
		return err
	}
	s.metrics.IncAcks(ctx, outcome.String())

	src, err := s.markIssued(ctx, sourceID, outcome, message)
	if err != nil {
		var invalid *source.InvalidTransitionError
		if errors.As(err, &invalid) {
			s.metrics.IncInvalidTransitions(ctx, "agent_poll")
			logr.Warn(ctx, "Acknowledgement rejected", "from", invalid.From, "to", invalid.To)
			if src != nil {
				s.publishInvalid(ctx, src, invalid)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "ack rejected")
		return err
	}

	if s.heartbeats != nil && src.AgentIP() != "" {
		s.heartbeats.RecordHeartbeat(ctx, src.AgentIP(), []uuid.UUID{sourceID}, s.timeProvider.Now())
	}

	task := finalizeTask{sourceID: sourceID, outcome: outcome, message: message}
	if err := s.finalizer.schedule(ctx, task); err != nil {
		// The outcome is stored with the source; the overdue sweep finalizes it.
		logr.Warn(ctx, "Finalize failed; deferring to overdue sweep", "err", err)
	}

	span.SetStatus(codes.Ok, "ack accepted")
	return nil
}

// markIssued applies TO_BE_ISSUED_X -> BEEN_ISSUED_X, reloading and retrying
// when a concurrent writer wins. It returns the source as last read.
func (s *Service) markIssued(
	ctx context.Context,
	sourceID uuid.UUID,
	outcome source.Outcome,
	message string,
) (*source.Source, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 5 * time.Millisecond
	expBackoff.MaxInterval = 100 * time.Millisecond
	expBackoff.MaxElapsedTime = 2 * time.Second

	var src *source.Source
	operation := func() error {
		var err error
		if src, err = s.repo.GetByID(ctx, sourceID); err != nil {
			return backoff.Permanent(err)
		}

		eff := src.EffectiveStatus()
		if eff.IsStable() {
			return backoff.Permanent(&source.InvalidTransitionError{
				SourceID: sourceID,
				From:     src.Status(),
				To:       outcome.Terminal(),
			})
		}

		change, needed, err := src.MarkIssued(outcome, message, s.timeProvider.Now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !needed {
			return nil
		}

		if err := s.repo.CompareAndSetStatus(ctx, change); err != nil {
			if errors.Is(err, source.ErrVersionConflict) {
				s.metrics.IncCASConflicts(ctx, "agent_poll")
				return err
			}
			return backoff.Permanent(err)
		}

		evt := source.NewStatusChangedEvent(source.EventTypeSourceAcknowledged, src, change)
		if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(sourceID.String())); err != nil {
			s.logger.Error(ctx, "Failed to publish acknowledged event", "source_id", sourceID, "err", err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, 5), ctx)
	return src, backoff.Retry(operation, policy)
}

// FinalizeOverdue finalizes sources that have rested in BEEN_ISSUED for longer
// than FinalizeGrace, using the outcome recorded when they were acknowledged.
// A source without a recorded outcome is finalized as FAILED. It returns how
// many sources were finalized; a failure on one source does not stop the
// rest. Overlapping calls on one replica share a single pass.
func (s *Service) FinalizeOverdue(ctx context.Context) (int, error) {
	v, err, _ := s.sf.Do("finalize_overdue", func() (any, error) {
		return s.finalizeOverdue(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (s *Service) finalizeOverdue(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "agent_poll_service.finalize_overdue",
		trace.WithAttributes(attribute.String("grace", s.grace.String())))
	defer span.End()

	cutoff := s.timeProvider.Now().Add(-s.grace)
	overdue, err := s.repo.ListAwaitingFinalize(ctx, cutoff, overdueBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list overdue sources")
		return 0, fmt.Errorf("failed to list sources awaiting finalize: %w", err)
	}

	var (
		finalized int
		errs      []error
	)
	for _, src := range overdue {
		task := finalizeTask{sourceID: src.ID(), outcome: src.PendingOutcome(), message: src.Message()}
		if task.outcome == source.OutcomeUnspecified {
			task.outcome, task.message = source.OutcomeFailure, lostOutcomeMessage
		}

		if err := s.finalizer.finalize(ctx, task); err != nil {
			errs = append(errs, err)
			continue
		}
		finalized++
		s.logger.Info(ctx, "Finalized overdue source",
			"source_id", src.ID(),
			"status", src.Status(),
			"outcome", task.outcome,
		)
	}

	span.SetAttributes(
		attribute.Int("overdue", len(overdue)),
		attribute.Int("finalized", finalized),
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some overdue sources not finalized")
		return finalized, err
	}
	span.SetStatus(codes.Ok, "overdue sweep completed")
	return finalized, nil
}

func (s *Service) publishInvalid(ctx context.Context, src *source.Source, invalid *source.InvalidTransitionError) {
	evt := source.ReconstructStatusChangedEvent(
		source.EventTypeSourceInvalidReport,
		src.ID(),
		src.GroupID(),
		src.AgentIP(),
		src.ClusterName(),
		invalid.From,
		invalid.To,
		invalid.Error(),
		s.timeProvider.Now(),
	)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(src.ID().String())); err != nil {
		s.logger.Error(ctx, "Failed to publish invalid transition event", "source_id", src.ID(), "err", err)
	}
}
