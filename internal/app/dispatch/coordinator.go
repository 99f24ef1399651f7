// Package dispatch turns operator intents into to-be-issued source statuses.
// Every write is a version-checked conditional update, so any number of
// coordinator replicas may run concurrently.
package dispatch

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
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/sourcefleet/internal/app/metrics"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// Config tunes the coordinator loop.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// BatchSize caps the pending intents read per pass.
	BatchSize int
	// Concurrency caps parallel writes during batch issuance.
	Concurrency int
	// Policy binds unbound sources to agents.
	Policy agent.Policy
	// AgentLiveness is how long after its last heartbeat an agent may still
	// receive new bindings.
	AgentLiveness time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		BatchSize:     500,
		Concurrency:   8,
		Policy:        agent.Policy{Strategy: agent.BindingRoundRobin},
		AgentLiveness: 30 * time.Second,
	}
}

// issueResult classifies the outcome of one issuance attempt.
type issueResult int

const (
	issueFailed issueResult = iota
	issued
	conflicted
	rejected
	unbound
)

// Coordinator advances sources with a pending intent into the matching
// to-be-issued status. A lost conditional write is skipped and retried on
// the next pass.
type Coordinator struct {
	repo      source.Repository
	agents    agent.Registry
	resolver  *Resolver
	publisher events.DomainEventPublisher
	metrics   metrics.DispatchMetrics

	cfg          Config
	timeProvider timeutil.Provider
	sf           singleflight.Group
	cancel       context.CancelCauseFunc
	done         chan struct{}

	tracer trace.Tracer
	logger *logger.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	repo source.Repository,
	agents agent.Registry,
	resolver *Resolver,
	publisher events.DomainEventPublisher,
	m metrics.DispatchMetrics,
	cfg Config,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Coordinator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Policy.Strategy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.AgentLiveness <= 0 {
		cfg.AgentLiveness = def.AgentLiveness
	}

	return &Coordinator{
		repo:         repo,
		agents:       agents,
		resolver:     resolver,
		publisher:    publisher,
		metrics:      m,
		cfg:          cfg,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "dispatch_coordinator"),
	}
}

// Start runs Reconcile every Interval until ctx is canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancelCause(ctx)
	c.done = make(chan struct{})
	c.logger.Info(ctx, "Dispatch coordinator started", "interval", c.cfg.Interval)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.Reconcile(ctx); err != nil {
					c.logger.Error(ctx, "Reconciliation pass aborted", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the background loop and waits for an in-flight pass to
// return.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel(errors.New("dispatch coordinator stopped"))
	}
	if c.done != nil {
		<-c.done
	}
	c.logger.Info(context.Background(), "Dispatch coordinator stopped")
}

// Reconcile performs one pass over sources carrying an intent. A store error
// aborts the pass and is returned; conflicts and rejected intents are not
// errors. Overlapping calls on one replica share a single pass.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	_, err, _ := c.sf.Do("reconcile", func() (any, error) {
		return nil, c.reconcile(ctx)
	})
	return err
}

func (c *Coordinator) reconcile(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "dispatch_coordinator.reconcile",
		trace.WithAttributes(attribute.Int("batch_size", c.cfg.BatchSize)))
	defer span.End()

	start := c.timeProvider.Now()
	defer func() { c.metrics.ObserveReconcileDuration(ctx, c.timeProvider.Now().Sub(start)) }()

	pending, err := c.repo.ListPendingIntents(ctx, c.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pending intents")
		return fmt.Errorf("failed to list pending intents: %w", err)
	}
	span.AddEvent("pending_intents_loaded", trace.WithAttributes(attribute.Int("count", len(pending))))

	var issuedCount, conflicts int
	for _, src := range pending {
		res, err := c.issue(ctx, src)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconciliation aborted")
			return err
		}

		switch res {
		case issued:
			issuedCount++
		case conflicted:
			conflicts++
		case rejected:
			c.dropIntent(ctx, src)
		}
	}

	span.SetAttributes(
		attribute.Int("issued", issuedCount),
		attribute.Int("conflicts", conflicts),
	)
	span.SetStatus(codes.Ok, "reconciliation completed")
	return nil
}

// issue attempts the conditional write for src's pending intent. Only store
// failures are returned as errors.
func (c *Coordinator) issue(ctx context.Context, src *source.Source) (issueResult, error) {
	logr := logger.NewLoggerContext(c.logger.With("operation", "issue"))
	logr.Add("source_id", src.ID(), "intent", src.Intent(), "status", src.Status())

	now := c.timeProvider.Now()

	target, ok := src.Intent().Target()
	if !ok || !source.IsAllowedTransition(src.Status(), target) {
		return rejected, nil
	}

	var agentIP string
	if !src.IsBound() {
		ip, err := c.bind(ctx, src)
		if err != nil {
			if errors.Is(err, source.ErrNoEligibleAgent) {
				logr.Warn(ctx, "No eligible agent for source; intent stays pending", "err", err)
				return unbound, nil
			}
			return issueFailed, err
		}
		agentIP = ip
	}

	change, err := src.PlanIntent(agentIP, now)
	if err != nil {
		logr.Warn(ctx, "Intent not permitted from current status", "err", err)
		return rejected, nil
	}

	if err := c.repo.CompareAndSetStatus(ctx, change); err != nil {
		var invalid *source.InvalidTransitionError
		switch {
		case errors.Is(err, source.ErrVersionConflict):
			c.metrics.IncCASConflicts(ctx, "dispatch")
			logr.Debug(ctx, "Source changed concurrently; skipping until next pass")
			return conflicted, nil
		case errors.As(err, &invalid):
			logr.Warn(ctx, "Store rejected transition", "err", err)
			return rejected, nil
		default:
			return issueFailed, fmt.Errorf("failed to issue source %s: %w", src.ID(), err)
		}
	}

	c.metrics.IncSourcesIssued(ctx, change.To.String())
	logr.Info(ctx, "Source issued", "to", change.To, "agent_ip", change.AgentIP)

	evt := source.NewStatusChangedEvent(source.EventTypeSourceIssued, src, change)
	if err := c.publisher.PublishDomainEvent(ctx, evt, events.WithKey(src.ID().String())); err != nil {
		logr.Error(ctx, "Failed to publish source issued event", "err", err)
	}
	return issued, nil
}

// bind resolves the agent for an unbound source. Only agents heard from
// within AgentLiveness are candidates.
func (c *Coordinator) bind(ctx context.Context, src *source.Source) (string, error) {
	agents, err := c.agents.ListByCluster(ctx, src.ClusterName())
	if err != nil {
		return "", fmt.Errorf("failed to list agents for cluster %s: %w", src.ClusterName(), err)
	}
	cutoff := c.timeProvider.Now().Add(-c.cfg.AgentLiveness)
	return c.resolver.Resolve(src, LiveAgents(agents, cutoff), c.cfg.Policy)
}

// dropIntent clears an intent that can never apply from a stable status.
// Intents on sources mid-command are kept for a later pass. The clear only
// lands if the source still holds the intent that was judged, so an intent
// recorded after src was read survives.
func (c *Coordinator) dropIntent(ctx context.Context, src *source.Source) {
	if !src.Status().IsStable() {
		return
	}

	err := c.repo.ClearIntent(ctx, src.ID(), src.Version(), src.Intent(), c.timeProvider.Now())
	switch {
	case err == nil:
	case errors.Is(err, source.ErrVersionConflict):
		c.metrics.IncCASConflicts(ctx, "dispatch")
		c.logger.Debug(ctx, "Intent replaced concurrently; leaving it for the next pass",
			"source_id", src.ID(), "intent", src.Intent())
		return
	default:
		c.logger.Error(ctx, "Failed to clear rejected intent", "source_id", src.ID(), "err", err)
		return
	}

	c.metrics.IncIntentsDropped(ctx, src.Intent().String())
	c.logger.Warn(ctx, "Dropped intent not permitted from stable status",
		"source_id", src.ID(),
		"intent", src.Intent(),
		"status", src.Status(),
	)
}

// RequestIntent records intent on a source for the next pass. Intents that
// can never apply to a source in a stable status are rejected immediately.
func (c *Coordinator) RequestIntent(ctx context.Context, id uuid.UUID, intent source.Intent) error {
	ctx, span := c.tracer.Start(ctx, "dispatch_coordinator.request_intent",
		trace.WithAttributes(
			attribute.String("source_id", id.String()),
			attribute.String("intent", intent.String()),
		))
	defer span.End()

	src, err := c.repo.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load source")
		return err
	}

	if err := c.checkIntent(src, intent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intent rejected")
		return err
	}

	if err := c.repo.SetIntent(ctx, id, intent, c.timeProvider.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record intent")
		return fmt.Errorf("failed to record intent: %w", err)
	}

	span.SetStatus(codes.Ok, "intent recorded")
	return nil
}

func (c *Coordinator) checkIntent(src *source.Source, intent source.Intent) error {
	target, ok := intent.Target()
	if !ok {
		return fmt.Errorf("unknown intent %q", intent)
	}
	if src.Status().IsStable() && !source.IsAllowedTransition(src.Status(), target) {
		return &source.InvalidTransitionError{SourceID: src.ID(), From: src.Status(), To: target}
	}
	return nil
}

// BatchFailure pairs a source with the reason it could not be handled.
type BatchFailure struct {
	SourceID uuid.UUID
	Err      error
}

// BatchResult reports per-source outcomes of a batch operation. Sources are
// independent: a failure never rolls back a sibling.
type BatchResult struct {
	// Succeeded were moved to their to-be-issued status.
	Succeeded []uuid.UUID
	// Failed were rejected or hit a store error.
	Failed []BatchFailure
	// Pending carry a recorded intent that a later pass will issue.
	Pending []uuid.UUID
}

type batchCollector struct {
	mu  sync.Mutex
	res BatchResult
}

func (b *batchCollector) succeeded(id uuid.UUID) {
	b.mu.Lock()
	b.res.Succeeded = append(b.res.Succeeded, id)
	b.mu.Unlock()
}

func (b *batchCollector) failed(id uuid.UUID, err error) {
	b.mu.Lock()
	b.res.Failed = append(b.res.Failed, BatchFailure{SourceID: id, Err: err})
	b.mu.Unlock()
}

func (b *batchCollector) pending(id uuid.UUID) {
	b.mu.Lock()
	b.res.Pending = append(b.res.Pending, id)
	b.mu.Unlock()
}

// Issue records intent on every source in ids and attempts issuance
// immediately. A source whose write loses a race stays pending.
func (c *Coordinator) Issue(ctx context.Context, ids []uuid.UUID, intent source.Intent) BatchResult {
	ctx, span := c.tracer.Start(ctx, "dispatch_coordinator.issue_batch",
		trace.WithAttributes(
			attribute.Int("source_count", len(ids)),
			attribute.String("intent", intent.String()),
		))
	defer span.End()

	var collector batchCollector
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			c.issueOne(ctx, id, intent, &collector)
			return nil
		})
	}
	_ = g.Wait()

	res := collector.res
	span.SetAttributes(
		attribute.Int("succeeded", len(res.Succeeded)),
		attribute.Int("failed", len(res.Failed)),
		attribute.Int("pending", len(res.Pending)),
	)
	span.SetStatus(codes.Ok, "batch issued")
	return res
}

func (c *Coordinator) issueOne(ctx context.Context, id uuid.UUID, intent source.Intent, out *batchCollector) {
	if err := c.RequestIntent(ctx, id, intent); err != nil {
		out.failed(id, err)
		return
	}

	src, err := c.repo.GetByID(ctx, id)
	if err != nil {
		out.failed(id, err)
		return
	}
	if src.Intent() != intent {
		// Another writer replaced or consumed the intent.
		out.pending(id)
		return
	}

	res, err := c.issue(ctx, src)
	if err != nil {
		out.failed(id, err)
		return
	}

	switch res {
	case issued:
		out.succeeded(id)
	case rejected:
		if !src.Status().IsStable() {
			out.pending(id)
			return
		}
		c.dropIntent(ctx, src)
		target, _ := intent.Target()
		out.failed(id, &source.InvalidTransitionError{SourceID: id, From: src.Status(), To: target})
	default:
		out.pending(id)
	}
}

// RequestIntents records intent on every live source of groupID. Recorded
// sources are reported as pending.
func (c *Coordinator) RequestIntents(ctx context.Context, groupID string, intent source.Intent) (BatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch_coordinator.request_group_intent",
		trace.WithAttributes(
			attribute.String("group_id", groupID),
			attribute.String("intent", intent.String()),
		))
	defer span.End()

	srcs, err := c.repo.ListByGroup(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list group")
		return BatchResult{}, fmt.Errorf("failed to list sources for group %s: %w", groupID, err)
	}

	var res BatchResult
	now := c.timeProvider.Now()
	for _, src := range srcs {
		if err := c.checkIntent(src, intent); err != nil {
			res.Failed = append(res.Failed, BatchFailure{SourceID: src.ID(), Err: err})
			continue
		}
		if err := c.repo.SetIntent(ctx, src.ID(), intent, now); err != nil {
			res.Failed = append(res.Failed, BatchFailure{SourceID: src.ID(), Err: err})
			continue
		}
		res.Pending = append(res.Pending, src.ID())
	}

	span.SetStatus(codes.Ok, "group intent recorded")
	return res, nil
}
