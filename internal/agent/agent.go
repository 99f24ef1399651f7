// Package agent is a reference agent for the manager's pull protocol. It
// polls for commands, applies them idempotently, acknowledges them, and
// reports heartbeats and snapshots for the sources it runs.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/sourcefleet/internal/api/models"
	"github.com/ahrav/sourcefleet/internal/api/routes/agentrpc"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
)

// Config identifies the agent and paces its loops.
type Config struct {
	IP            string
	ClusterName   string
	GroupSelector string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Agent runs the poll and heartbeat loops against one manager.
type Agent struct {
	client  *Client
	applier Applier
	cfg     Config

	mu       sync.Mutex
	reported map[uuid.UUID]string

	newBackOff func() backoff.BackOff

	tracer trace.Tracer
	logger *logger.Logger
}

// New creates an Agent.
func New(client *Client, applier Applier, cfg Config, tracer trace.Tracer, logger *logger.Logger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Agent{
		client:   client,
		applier:  applier,
		cfg:      cfg,
		reported: make(map[uuid.UUID]string),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.PollInterval
			b.MaxInterval = 2 * time.Minute
			b.MaxElapsedTime = 0
			return b
		},
		tracer: tracer,
		logger: logger.With("component", "agent", "agent_ip", cfg.IP, "cluster", cfg.ClusterName),
	}
}

// Run binds the agent's group, if any, and runs both loops until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.GroupSelector != "" {
		bind := func() error {
			return a.client.BindGroup(ctx, agentrpc.BindGroupRequest{
				AgentIP:       a.cfg.IP,
				ClusterName:   a.cfg.ClusterName,
				GroupSelector: a.cfg.GroupSelector,
			})
		}
		if err := backoff.Retry(bind, backoff.WithContext(a.newBackOff(), ctx)); err != nil {
			return fmt.Errorf("failed to bind group %s: %w", a.cfg.GroupSelector, err)
		}
	}

	a.logger.Info(ctx, "Agent started")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pollLoop(ctx) })
	g.Go(func() error { return a.heartbeatLoop(ctx) })
	err := g.Wait()
	a.logger.Info(context.Background(), "Agent stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) pollLoop(ctx context.Context) error {
	b := a.newBackOff()
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if _, err := a.PollOnce(ctx); err != nil {
			wait = b.NextBackOff()
			a.logger.Warn(ctx, "Poll failed; backing off", "err", err, "wait", wait)
			continue
		}
		b.Reset()
		wait = a.cfg.PollInterval
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := a.HeartbeatOnce(ctx); err != nil {
			a.logger.Warn(ctx, "Heartbeat failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce drains every page of deliverable sources and returns how many
// commands were acknowledged.
func (a *Agent) PollOnce(ctx context.Context) (int, error) {
	ctx, span := a.tracer.Start(ctx, "agent.poll_once")
	defer span.End()

	var (
		acked  int
		cursor string
		errs   []error
	)
	for {
		page, err := a.client.Pull(ctx, agentrpc.PullRequest{
			AgentIP:     a.cfg.IP,
			ClusterName: a.cfg.ClusterName,
			Cursor:      cursor,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pull failed")
			return acked, err
		}

		for _, src := range page.Sources {
			ok, err := a.handle(ctx, src)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				acked++
			}
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	span.SetAttributes(attribute.Int("acked", acked))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "some commands not acknowledged")
		return acked, err
	}
	span.SetStatus(codes.Ok, "poll completed")
	return acked, nil
}

// handle applies one delivered source and acknowledges it when it carries a
// command.
func (a *Agent) handle(ctx context.Context, src models.Source) (bool, error) {
	id, err := uuid.Parse(src.ID)
	if err != nil {
		return false, fmt.Errorf("manager sent invalid source id %q: %w", src.ID, err)
	}
	status, err := source.FromCode(src.Status)
	if err != nil {
		a.logger.Warn(ctx, "Skipping source with unknown status", "source_id", id, "err", err)
		return false, nil
	}

	cmd := Command{
		SourceID: id,
		GroupID:  src.GroupID,
		StreamID: src.StreamID,
		Status:   status,
		Version:  src.Version,
		Deleted:  src.IsDeleted,
	}
	if a.startsCollector(cmd) {
		resume, ok, err := a.client.LoadSnapshot(ctx, id)
		if err != nil {
			// Left unacknowledged so the next poll retries with the snapshot.
			return false, fmt.Errorf("failed to load snapshot for source %s: %w", id, err)
		}
		if ok {
			cmd.Resume = resume
			a.logger.Debug(ctx, "Resuming collector from snapshot", "source_id", id, "bytes", len(resume))
		}
	}
	applyErr := a.applier.Apply(ctx, cmd)

	if !status.IsToBeIssued() {
		return false, applyErr
	}

	req := agentrpc.OutcomeRequest{SourceID: id.String(), Outcome: source.OutcomeSuccess.String()}
	if applyErr != nil {
		req.Outcome = source.OutcomeFailure.String()
		req.Message = applyErr.Error()
		a.logger.Warn(ctx, "Command failed", "source_id", id, "status", status, "err", applyErr)
	}

	if err := a.client.ReportOutcome(ctx, req); err != nil {
		if IsConflict(err) {
			a.logger.Debug(ctx, "Command already acknowledged", "source_id", id)
			return false, nil
		}
		return false, fmt.Errorf("failed to acknowledge source %s: %w", id, err)
	}
	a.logger.Info(ctx, "Command acknowledged", "source_id", id, "status", status, "outcome", req.Outcome)
	return true, nil
}

// startsCollector reports whether cmd would start a collector that is not
// running here, in which case it should resume from the manager's snapshot.
func (a *Agent) startsCollector(cmd Command) bool {
	if cmd.Deleted {
		return false
	}
	if cmd.Status != source.StatusToBeIssuedAdd && cmd.Status != source.StatusToBeIssuedActive {
		return false
	}
	return !slices.Contains(a.applier.Running(), cmd.SourceID)
}

// HeartbeatOnce reports running sources and any snapshot that changed since
// it was last reported.
func (a *Agent) HeartbeatOnce(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "agent.heartbeat_once")
	defer span.End()

	running := a.applier.Running()
	ids := make([]string, len(running))
	for i, id := range running {
		ids[i] = id.String()
	}
	span.SetAttributes(attribute.Int("running", len(ids)))

	if err := a.client.Heartbeat(ctx, agentrpc.HeartbeatRequest{
		AgentIP:     a.cfg.IP,
		ClusterName: a.cfg.ClusterName,
		SourceIDs:   ids,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")
		return err
	}

	var errs []error
	for _, id := range running {
		data, ok := a.applier.Snapshot(id)
		if !ok {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(data)

		a.mu.Lock()
		unchanged := a.reported[id] == encoded
		a.mu.Unlock()
		if unchanged {
			continue
		}

		if err := a.client.ReportSnapshot(ctx, agentrpc.SnapshotRequest{SourceID: id.String(), Snapshot: encoded}); err != nil {
			errs = append(errs, fmt.Errorf("failed to report snapshot for %s: %w", id, err))
			continue
		}
		a.mu.Lock()
		a.reported[id] = encoded
		a.mu.Unlock()
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot report failed")
		return err
	}
	span.SetStatus(codes.Ok, "heartbeat sent")
	return nil
}
