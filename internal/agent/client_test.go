package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/sourcefleet/internal/api/routes/agentrpc"
	"github.com/ahrav/sourcefleet/pkg/common"
)

func TestClient_Pull(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/agent/tasks/pull", r.URL.Path)

		var req agentrpc.PullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "10.0.0.1", req.AgentIP)
		assert.Equal(t, "abc", req.Cursor)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sources":[{"id":"x","status":200}],"cursor":"def"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client(), common.NewRateLimiter(100, 10), noop.NewTracerProvider().Tracer("test"))
	resp, err := c.Pull(context.Background(), agentrpc.PullRequest{AgentIP: "10.0.0.1", ClusterName: "c", Cursor: "abc"})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, 200, resp.Sources[0].Status)
	assert.Equal(t, "def", resp.Cursor)
}

func TestClient_ErrorReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		status       int
		body         string
		wantConflict bool
		wantCode     string
	}{
		{
			name:         "conflict with error body",
			status:       http.StatusConflict,
			body:         `{"code":"failed_precondition","message":"invalid transition"}`,
			wantConflict: true,
			wantCode:     "failed_precondition",
		},
		{
			name:   "plain text failure",
			status: http.StatusBadGateway,
			body:   "upstream down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, srv.Client(), nil, noop.NewTracerProvider().Tracer("test"))
			err := c.ReportOutcome(context.Background(), agentrpc.OutcomeRequest{SourceID: "x", Outcome: "SUCCESS"})
			require.Error(t, err)

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.wantCode, se.Code)
			assert.Equal(t, tt.wantConflict, IsConflict(err))
		})
	}
}

func TestClient_UnavailableSlowsLimiter(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"store down"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	rl := common.NewRateLimiter(100, 10)
	c := NewClient(srv.URL, srv.Client(), rl, noop.NewTracerProvider().Tracer("test"))

	req := agentrpc.HeartbeatRequest{AgentIP: "10.0.0.1", ClusterName: "c"}
	require.Error(t, c.Heartbeat(context.Background(), req))
	assert.Equal(t, 50.0, rl.Limit())

	require.NoError(t, c.Heartbeat(context.Background(), req))
	assert.Equal(t, 100.0, rl.Limit())
}

func TestClient_LoadSnapshot(t *testing.T) {
	t.Parallel()

	known, missing := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/v1/sources/" + known.String() + "/snapshot":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sourceId":"` + known.String() + `","snapshot":"eyJnZW5lcmF0aW9uIjozfQ=="}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"no snapshot reported"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil, noop.NewTracerProvider().Tracer("test"))

	data, ok, err := c.LoadSnapshot(context.Background(), known)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"generation":3}`, string(data))

	data, ok, err = c.LoadSnapshot(context.Background(), missing)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}
