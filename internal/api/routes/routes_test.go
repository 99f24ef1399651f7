package routes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/sourcefleet/internal/api/models"
	"github.com/ahrav/sourcefleet/internal/api/mux"
	"github.com/ahrav/sourcefleet/internal/api/routes/agentrpc"
	"github.com/ahrav/sourcefleet/internal/api/routes/sources"
	"github.com/ahrav/sourcefleet/internal/app/agentpoll"
	"github.com/ahrav/sourcefleet/internal/app/dispatch"
	"github.com/ahrav/sourcefleet/internal/app/heartbeat"
	"github.com/ahrav/sourcefleet/internal/app/metrics"
	"github.com/ahrav/sourcefleet/internal/app/snapshot"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/internal/infra/eventbus/memory"
	agentmemory "github.com/ahrav/sourcefleet/internal/infra/storage/agent/memory"
	sourcememory "github.com/ahrav/sourcefleet/internal/infra/storage/source/memory"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
)

type apiSuite struct {
	handler http.Handler
	repo    *sourcememory.SourceStore
	agents  *agentmemory.Registry
	coord   *dispatch.Coordinator
	monitor *heartbeat.Monitor
}

func newAPISuite(t *testing.T, ready func(context.Context) error) *apiSuite {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")
	log := logger.Noop()
	m, err := metrics.New(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	pub := memory.NewDomainEventPublisher(memory.NewBroker())

	s := &apiSuite{
		repo:   sourcememory.NewSourceStore(),
		agents: agentmemory.NewRegistry(),
	}
	s.coord = dispatch.NewCoordinator(s.repo, s.agents, dispatch.NewResolver(), pub, m,
		dispatch.Config{Policy: agent.Policy{Strategy: agent.BindingRoundRobin}}, tracer, log)
	s.monitor = heartbeat.NewMonitor(s.repo, pub, m, heartbeat.DefaultConfig(), tracer, log)
	poll := agentpoll.NewService(s.repo, s.agents, s.monitor, pub, m, agentpoll.Config{}, tracer, log)

	s.handler = mux.WebAPI(mux.Config{
		Build:       "test",
		Log:         log,
		Tracer:      tracer,
		Sources:     s.repo,
		Agents:      s.agents,
		Coordinator: s.coord,
		Poll:        poll,
		Heartbeats:  s.monitor,
		Snapshots:   snapshot.NewTracker(s.repo, 16, tracer, log),
		Ready:       ready,
	}, Routes())
	return s
}

func (s *apiSuite) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newAPISuite(t, nil)
	rec := s.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","build":"test"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newAPISuite(t, func(context.Context) error { return errors.New("db down") })
	rec = down.do(t, http.MethodGet, "/v1/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	s := newAPISuite(t, nil)
	const ip, cluster = "10.0.0.7", "cluster-a"

	// The agent announces itself so round-robin binding can pick it.
	rec := s.do(t, http.MethodPost, "/v1/agent/heartbeat", agentrpc.HeartbeatRequest{AgentIP: ip, ClusterName: cluster})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/sources", sources.CreateRequest{
		GroupID: "orders", StreamID: "orders-stream", ClusterName: cluster,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[models.Source](t, rec)
	assert.Equal(t, source.StatusNew.Code(), created.Status)

	rec = s.do(t, http.MethodPost, "/v1/sources/"+created.ID+"/intent", sources.IntentRequest{Intent: "APPROVE"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, s.coord.Reconcile(context.Background()))

	rec = s.do(t, http.MethodPost, "/v1/agent/tasks/pull", agentrpc.PullRequest{AgentIP: ip, ClusterName: cluster})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[agentrpc.PullResponse](t, rec)
	require.Len(t, page.Sources, 1)
	assert.Equal(t, source.StatusToBeIssuedAdd.Code(), page.Sources[0].Status)
	assert.Empty(t, page.Cursor)

	rec = s.do(t, http.MethodPost, "/v1/agent/tasks/outcome", agentrpc.OutcomeRequest{SourceID: created.ID, Outcome: "SUCCESS"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/sources/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[models.Source](t, rec)
	assert.Equal(t, source.StatusNormal.Code(), got.Status)
	assert.Equal(t, ip, got.AgentIP)

	// A repeated ack is harmless but reported.
	rec = s.do(t, http.MethodPost, "/v1/agent/tasks/outcome", agentrpc.OutcomeRequest{SourceID: created.ID, Outcome: "SUCCESS"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed_precondition")

	snap := base64.StdEncoding.EncodeToString([]byte(`{"offset":42}`))
	rec = s.do(t, http.MethodPost, "/v1/agent/snapshots", agentrpc.SnapshotRequest{SourceID: created.ID, Snapshot: snap})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/sources/"+created.ID+"/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snap, decodeBody[sources.SnapshotResponse](t, rec).Snapshot)
}

func TestAgentRPCValidation(t *testing.T) {
	t.Parallel()

	s := newAPISuite(t, nil)

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
	}{
		{
			name:       "pull bad ip",
			path:       "/v1/agent/tasks/pull",
			body:       agentrpc.PullRequest{AgentIP: "nope", ClusterName: "c"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "pull bad cursor",
			path:       "/v1/agent/tasks/pull",
			body:       agentrpc.PullRequest{AgentIP: "10.0.0.1", ClusterName: "c", Cursor: "!!"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "outcome unknown source",
			path:       "/v1/agent/tasks/outcome",
			body:       agentrpc.OutcomeRequest{SourceID: uuid.NewString(), Outcome: "SUCCESS"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "outcome bad value",
			path:       "/v1/agent/tasks/outcome",
			body:       agentrpc.OutcomeRequest{SourceID: uuid.NewString(), Outcome: "MAYBE"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "snapshot too large",
			path:       "/v1/agent/snapshots",
			body:       agentrpc.SnapshotRequest{SourceID: uuid.NewString(), Snapshot: base64.StdEncoding.EncodeToString(make([]byte, 64))},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bind group missing selector",
			path:       "/v1/agents/bind-group",
			body:       agentrpc.BindGroupRequest{AgentIP: "10.0.0.1", ClusterName: "c"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestHeartbeatRegistersAgentAndBeats(t *testing.T) {
	t.Parallel()

	s := newAPISuite(t, nil)
	ctx := context.Background()

	src := source.NewSource("orders", "s", "cluster-a", "10.0.0.9", time.Now())
	require.NoError(t, s.repo.Create(ctx, src))

	seen := time.Now().UTC().Truncate(time.Second)
	rec := s.do(t, http.MethodPost, "/v1/agent/heartbeat", agentrpc.HeartbeatRequest{
		AgentIP: "10.0.0.9", ClusterName: "cluster-a", SourceIDs: []string{src.ID().String()}, SeenAt: &seen,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	agents, err := s.agents.ListByCluster(ctx, "cluster-a")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "10.0.0.9", agents[0].IP())

	require.NoError(t, s.monitor.Flush(ctx))
	got, err := s.repo.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.True(t, seen.Equal(got.LastHeartbeatAt()))

	rec = s.do(t, http.MethodPost, "/v1/agents/bind-group", agentrpc.BindGroupRequest{
		AgentIP: "10.0.0.9", ClusterName: "cluster-a", GroupSelector: "orders",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	agents, err = s.agents.ListByCluster(ctx, "cluster-a")
	require.NoError(t, err)
	assert.True(t, agents[0].ServesGroup("orders"))
}

func TestHeartbeatFromFutureClockIsClamped(t *testing.T) {
	t.Parallel()

	s := newAPISuite(t, nil)
	ctx := context.Background()

	src := source.NewSource("orders", "s", "cluster-a", "10.0.0.9", time.Now())
	require.NoError(t, s.repo.Create(ctx, src))

	skewed := time.Now().UTC().Add(24 * time.Hour)
	rec := s.do(t, http.MethodPost, "/v1/agent/heartbeat", agentrpc.HeartbeatRequest{
		AgentIP: "10.0.0.9", ClusterName: "cluster-a", SourceIDs: []string{src.ID().String()}, SeenAt: &skewed,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	after := time.Now().UTC()

	agents, err := s.agents.ListByCluster(ctx, "cluster-a")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.False(t, agents[0].LastSeenAt().After(after), "agent last seen must not be in the future")

	require.NoError(t, s.monitor.Flush(ctx))
	got, err := s.repo.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.False(t, got.LastHeartbeatAt().IsZero())
	assert.False(t, got.LastHeartbeatAt().After(after), "source heartbeat must not be in the future")
}

func TestSourcesRoutes(t *testing.T) {
	t.Parallel()

	s := newAPISuite(t, nil)
	ctx := context.Background()

	fresh := source.NewSource("billing", "a", "cluster-a", "10.0.0.1", time.Now())
	other := source.NewSource("billing", "b", "cluster-a", "10.0.0.1", time.Now())
	require.NoError(t, s.repo.Create(ctx, fresh))
	require.NoError(t, s.repo.Create(ctx, other))

	t.Run("get unknown", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/sources/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("get bad id", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/sources/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("intent not allowed from NEW", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/sources/"+fresh.ID().String()+"/intent", sources.IntentRequest{Intent: "RETRY"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown intent", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/sources/"+fresh.ID().String()+"/intent", sources.IntentRequest{Intent: "EXPLODE"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bulk issue partial", func(t *testing.T) {
		missing := uuid.NewString()
		rec := s.do(t, http.MethodPost, "/v1/sources/bulk/issue", sources.BulkIssueRequest{
			Intent:    "APPROVE",
			SourceIDs: []string{fresh.ID().String(), missing},
		})
		require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

		res := decodeBody[sources.BatchResponse](t, rec)
		assert.Equal(t, []string{fresh.ID().String()}, res.Succeeded)
		require.Len(t, res.Failed, 1)
		assert.Equal(t, missing, res.Failed[0].SourceID)
		assert.Equal(t, "not_found", res.Failed[0].Code)
	})

	t.Run("bulk issue group", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/sources/bulk/issue", sources.BulkIssueRequest{
			Intent:  "APPROVE",
			GroupID: "billing",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		res := decodeBody[sources.BatchResponse](t, rec)
		// Intents on a source already in flight are recorded and wait.
		assert.ElementsMatch(t, []string{fresh.ID().String(), other.ID().String()}, res.Pending)
		assert.Empty(t, res.Failed)
	})

	t.Run("bulk issue needs ids or group", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/sources/bulk/issue", sources.BulkIssueRequest{Intent: "APPROVE"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
