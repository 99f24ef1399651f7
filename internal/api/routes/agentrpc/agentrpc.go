// Package agentrpc serves the calls agents make against the manager.
package agentrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/sourcefleet/internal/api/errs"
	"github.com/ahrav/sourcefleet/internal/api/models"
	"github.com/ahrav/sourcefleet/internal/app/agentpoll"
	"github.com/ahrav/sourcefleet/internal/app/heartbeat"
	"github.com/ahrav/sourcefleet/internal/app/snapshot"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Config contains the dependencies needed by the agent handlers.
type Config struct {
	Log        *logger.Logger
	Poll       *agentpoll.Service
	Heartbeats *heartbeat.Monitor
	Snapshots  *snapshot.Tracker
	Agents     agent.Registry
}

// Routes binds the agent endpoints.
func Routes(app *web.App, cfg Config) {
	app.HandlerFunc(http.MethodPost, "", "/v1/agent/tasks/pull", pull(cfg))
	app.HandlerFunc(http.MethodPost, "", "/v1/agent/tasks/outcome", outcome(cfg))
	app.HandlerFunc(http.MethodPost, "", "/v1/agent/snapshots", reportSnapshot(cfg))
	app.HandlerFunc(http.MethodPost, "", "/v1/agent/heartbeat", heartbeatHandler(cfg))
	app.HandlerFunc(http.MethodPost, "", "/v1/agents/bind-group", bindGroup(cfg))
}

// PullRequest asks for the sources an agent must apply.
type PullRequest struct {
	AgentIP     string `json:"agentIp" validate:"required,ip"`
	ClusterName string `json:"clusterName" validate:"required"`
	Cursor      string `json:"cursor"`
}

// PullResponse is one page of deliverable sources.
type PullResponse struct {
	Sources []models.Source `json:"sources"`
	Cursor  string          `json:"cursor"`
}

// Encode implements the web.Encoder interface.
func (pr PullResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(pr)
	return data, "application/json", err
}

// OutcomeRequest acknowledges a delivered command.
type OutcomeRequest struct {
	SourceID string `json:"sourceId" validate:"required,uuid"`
	Outcome  string `json:"outcome" validate:"required,oneof=SUCCESS FAILURE success failure"`
	Message  string `json:"message"`
}

// SnapshotRequest reports opaque collection progress. Snapshot is base64.
type SnapshotRequest struct {
	SourceID string `json:"sourceId" validate:"required,uuid"`
	Snapshot string `json:"snapshot" validate:"required,base64"`
}

// HeartbeatRequest reports the sources an agent is running.
type HeartbeatRequest struct {
	AgentIP     string     `json:"agentIp" validate:"required,ip"`
	ClusterName string     `json:"clusterName" validate:"required"`
	SourceIDs   []string   `json:"sourceIds" validate:"dive,uuid"`
	SeenAt      *time.Time `json:"seenAt"`
}

// BindGroupRequest assigns a group selector to an agent.
type BindGroupRequest struct {
	AgentIP       string `json:"agentIp" validate:"required,ip"`
	ClusterName   string `json:"clusterName" validate:"required"`
	GroupSelector string `json:"groupSelector" validate:"required"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.New(errs.InvalidArgument, fmt.Errorf("decode request: %w", err))
	}
	if err := errs.Check(v); err != nil {
		return errs.New(errs.InvalidArgument, err)
	}
	return nil
}

func pull(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req PullRequest
		if err := decode(r, &req); err != nil {
			return errs.Map(err)
		}

		srcs, next, err := cfg.Poll.Pull(ctx, req.AgentIP, req.ClusterName, agentpoll.Cursor(req.Cursor))
		if err != nil {
			return errs.Map(err)
		}

		return PullResponse{Sources: models.FromSources(srcs), Cursor: string(next)}
	}
}

func outcome(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req OutcomeRequest
		if err := decode(r, &req); err != nil {
			return errs.Map(err)
		}

		id := uuid.MustParse(req.SourceID)
		out, err := source.ParseOutcome(req.Outcome)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.Poll.Ack(ctx, id, out, req.Message); err != nil {
			return errs.Map(err)
		}
		return models.OK{OK: true}
	}
}

func reportSnapshot(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req SnapshotRequest
		if err := decode(r, &req); err != nil {
			return errs.Map(err)
		}

		data, err := base64.StdEncoding.DecodeString(req.Snapshot)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.Snapshots.SaveSnapshot(ctx, uuid.MustParse(req.SourceID), data); err != nil {
			return errs.Map(err)
		}
		return models.OK{OK: true}
	}
}

// reportedSeenAt trusts an agent's clock only up to the manager's. Stores never
// move heartbeats backwards, so a future time would hide a later silence.
func reportedSeenAt(reported *time.Time, now time.Time) time.Time {
	if reported == nil || reported.IsZero() || reported.After(now) {
		return now
	}
	return *reported
}

func heartbeatHandler(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req HeartbeatRequest
		if err := decode(r, &req); err != nil {
			return errs.Map(err)
		}

		seenAt := reportedSeenAt(req.SeenAt, web.GetTime(ctx))

		ids := make([]uuid.UUID, 0, len(req.SourceIDs))
		for _, s := range req.SourceIDs {
			ids = append(ids, uuid.MustParse(s))
		}

		// Registry failures must not drop the source heartbeats.
		id := agent.Identity{IP: req.AgentIP, ClusterName: req.ClusterName}
		if err := cfg.Agents.Touch(ctx, id, seenAt); err != nil {
			cfg.Log.Warn(ctx, "failed to touch agent", "agent", id.String(), "err", err)
		}

		cfg.Heartbeats.RecordHeartbeat(ctx, req.AgentIP, ids, seenAt)
		return models.OK{OK: true}
	}
}

func bindGroup(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req BindGroupRequest
		if err := decode(r, &req); err != nil {
			return errs.Map(err)
		}

		id := agent.Identity{IP: req.AgentIP, ClusterName: req.ClusterName}
		if err := cfg.Agents.BindGroup(ctx, id, req.GroupSelector, web.GetTime(ctx)); err != nil {
			return errs.Map(err)
		}
		return models.OK{OK: true}
	}
}
