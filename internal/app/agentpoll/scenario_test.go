package agentpoll

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/sourcefleet/internal/app/dispatch"
	"github.com/ahrav/sourcefleet/internal/app/heartbeat"
	"github.com/ahrav/sourcefleet/internal/app/metrics"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	agentmemory "github.com/ahrav/sourcefleet/internal/infra/storage/agent/memory"
	sourcememory "github.com/ahrav/sourcefleet/internal/infra/storage/source/memory"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
)

// controlPlane wires the manager components over shared in-memory stores.
type controlPlane struct {
	repo    *sourcememory.SourceStore
	agents  *agentmemory.Registry
	coord   *dispatch.Coordinator
	monitor *heartbeat.Monitor
	poll    *Service
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()

	tracer := tracenoop.NewTracerProvider().Tracer("test")
	m, err := metrics.New(noop.NewMeterProvider())
	require.NoError(t, err)
	publisher := new(mockEventPublisher)

	cp := &controlPlane{
		repo:   sourcememory.NewSourceStore(),
		agents: agentmemory.NewRegistry(),
	}
	cp.coord = dispatch.NewCoordinator(
		cp.repo, cp.agents, dispatch.NewResolver(), publisher, m,
		dispatch.Config{Policy: agent.Policy{Strategy: agent.BindingGroupAffinity}},
		tracer, logger.Noop(),
	)
	cp.monitor = heartbeat.NewMonitor(
		cp.repo, publisher, m,
		heartbeat.Config{Interval: 50 * time.Millisecond, TimeoutMultiplier: 3},
		tracer, logger.Noop(),
	)
	cp.poll = NewService(cp.repo, cp.agents, cp.monitor, publisher, m, Config{}, tracer, logger.Noop())
	return cp
}

func (cp *controlPlane) pullIDs(t *testing.T, ip string) []uuid.UUID {
	t.Helper()

	srcs, _, err := cp.poll.Pull(context.Background(), ip, "cluster-a", "")
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(srcs))
	for _, s := range srcs {
		ids = append(ids, s.ID())
	}
	return ids
}

func (cp *controlPlane) get(t *testing.T, id uuid.UUID) *source.Source {
	t.Helper()
	src, err := cp.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return src
}

func TestLifecycle_ApproveDeliverAck(t *testing.T) {
	cp := newControlPlane(t)
	ctx := context.Background()

	agentID := agent.Identity{IP: "10.0.0.1", ClusterName: "cluster-a"}
	require.NoError(t, cp.agents.BindGroup(ctx, agentID, "orders", time.Now()))

	src := source.NewSource("orders", "orders-stream", "cluster-a", "", time.Now())
	require.NoError(t, cp.repo.Create(ctx, src))
	assert.Equal(t, source.StatusNew, cp.get(t, src.ID()).Status())

	require.NoError(t, cp.coord.RequestIntent(ctx, src.ID(), source.IntentApprove))
	require.NoError(t, cp.coord.Reconcile(ctx))
	assert.Equal(t, source.StatusToBeIssuedAdd, cp.get(t, src.ID()).Status())

	// Delivered on every poll until acknowledged.
	assert.Equal(t, []uuid.UUID{src.ID()}, cp.pullIDs(t, agentID.IP))
	assert.Equal(t, []uuid.UUID{src.ID()}, cp.pullIDs(t, agentID.IP))

	require.NoError(t, cp.poll.Ack(ctx, src.ID(), source.OutcomeSuccess, ""))
	assert.Equal(t, source.StatusNormal, cp.get(t, src.ID()).Status())
	assert.Empty(t, cp.pullIDs(t, agentID.IP))
}

func TestLifecycle_DeleteLandsInStableStatusAndStaysDeliverable(t *testing.T) {
	cp := newControlPlane(t)
	ctx := context.Background()

	src := source.NewSource("orders", "orders-stream", "cluster-a", "10.0.0.1", time.Now())
	require.NoError(t, cp.repo.Create(ctx, src))
	require.NoError(t, cp.coord.RequestIntent(ctx, src.ID(), source.IntentApprove))
	require.NoError(t, cp.coord.Reconcile(ctx))
	require.NoError(t, cp.poll.Ack(ctx, src.ID(), source.OutcomeSuccess, ""))

	require.NoError(t, cp.coord.RequestIntent(ctx, src.ID(), source.IntentDelete))
	require.NoError(t, cp.coord.Reconcile(ctx))

	got := cp.get(t, src.ID())
	assert.Equal(t, source.StatusToBeIssuedDelete, got.Status())
	assert.Equal(t, source.DeleteStateSoftDeleted, got.DeleteState())

	require.NoError(t, cp.poll.Ack(ctx, src.ID(), source.OutcomeSuccess, ""))

	got = cp.get(t, src.ID())
	assert.Equal(t, source.StatusNormal, got.Status())
	assert.True(t, got.IsDeleted())

	// Deleted sources keep reaching the agent so it can tear down.
	assert.Equal(t, []uuid.UUID{src.ID()}, cp.pullIDs(t, "10.0.0.1"))
}

func TestLifecycle_HeartbeatTimeoutAndRecovery(t *testing.T) {
	cp := newControlPlane(t)
	ctx := context.Background()

	src := source.NewSource("orders", "orders-stream", "cluster-a", "10.0.0.1", time.Now())
	require.NoError(t, cp.repo.Create(ctx, src))
	require.NoError(t, cp.coord.RequestIntent(ctx, src.ID(), source.IntentApprove))
	require.NoError(t, cp.coord.Reconcile(ctx))
	require.NoError(t, cp.poll.Ack(ctx, src.ID(), source.OutcomeSuccess, ""))
	require.NoError(t, cp.monitor.Flush(ctx))

	timeout := 150 * time.Millisecond
	time.Sleep(timeout + 50*time.Millisecond)
	require.NoError(t, cp.monitor.Sweep(ctx, timeout))
	assert.Equal(t, source.StatusHeartbeatTimeout, cp.get(t, src.ID()).Status())

	cp.monitor.RecordHeartbeat(ctx, "10.0.0.1", []uuid.UUID{src.ID()}, time.Now())
	require.NoError(t, cp.monitor.Flush(ctx))
	assert.Equal(t, source.StatusNormal, cp.get(t, src.ID()).Status())
}
