// Package sources serves operator calls that create sources and request
// lifecycle changes.
package sources

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ahrav/sourcefleet/internal/api/errs"
	"github.com/ahrav/sourcefleet/internal/api/models"
	"github.com/ahrav/sourcefleet/internal/app/dispatch"
	"github.com/ahrav/sourcefleet/internal/app/snapshot"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/web"
)

// Config contains the dependencies needed by the source handlers.
type Config struct {
	Log         *logger.Logger
	Sources     source.Repository
	Coordinator *dispatch.Coordinator
	Snapshots   *snapshot.Tracker
}

// Routes binds the source endpoints.
func Routes(app *web.App, cfg Config) {
	app.HandlerFunc(http.MethodPost, "", "/v1/sources", create(cfg))
	app.HandlerFunc(http.MethodPost, "", "/v1/sources/bulk/issue", bulkIssue(cfg))
	app.HandlerFunc(http.MethodGet, "", "/v1/sources/{id}", get(cfg))
	app.HandlerFunc(http.MethodGet, "", "/v1/sources/{id}/snapshot", getSnapshot(cfg))
	app.HandlerFunc(http.MethodPost, "", "/v1/sources/{id}/intent", requestIntent(cfg))
}

// CreateRequest registers a new source in status NEW.
type CreateRequest struct {
	GroupID     string `json:"groupId" validate:"required"`
	StreamID    string `json:"streamId" validate:"required"`
	ClusterName string `json:"clusterName" validate:"required"`
	AgentIP     string `json:"agentIp" validate:"omitempty,ip"`
}

// IntentRequest asks for a lifecycle command.
type IntentRequest struct {
	Intent string `json:"intent" validate:"required"`
}

// BulkIssueRequest issues one intent across explicit ids or a whole group.
type BulkIssueRequest struct {
	Intent    string   `json:"intent" validate:"required"`
	SourceIDs []string `json:"sourceIds" validate:"required_without=GroupID,dive,uuid"`
	GroupID   string   `json:"groupId" validate:"required_without=SourceIDs"`
}

// BatchFailure is one source that could not be handled.
type BatchFailure struct {
	SourceID string `json:"sourceId"`
	Code     string `json:"code"`
	Error    string `json:"error"`
}

// BatchResponse reports per-source outcomes of a bulk request.
type BatchResponse struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
	Pending   []string       `json:"pending"`
}

// Encode implements the web.Encoder interface.
func (br BatchResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(br)
	return data, "application/json", err
}

// HTTPStatus reports 207 when some sources failed and others did not.
func (br BatchResponse) HTTPStatus() int {
	if len(br.Failed) > 0 && (len(br.Succeeded) > 0 || len(br.Pending) > 0) {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

// SnapshotResponse carries a stored snapshot as base64.
type SnapshotResponse struct {
	SourceID string `json:"sourceId"`
	Snapshot string `json:"snapshot"`
}

// Encode implements the web.Encoder interface.
func (sr SnapshotResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	return data, "application/json", err
}

type created struct{ models.Source }

func (c created) HTTPStatus() int { return http.StatusCreated }

func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		src := source.NewSource(req.GroupID, req.StreamID, req.ClusterName, req.AgentIP, web.GetTime(ctx))
		if err := cfg.Sources.Create(ctx, src); err != nil {
			return errs.Map(err)
		}

		cfg.Log.Info(ctx, "source created", "source_id", src.ID(), "group_id", src.GroupID())
		return created{models.FromSource(src)}
	}
}

func parseID(r *http.Request) (uuid.UUID, *errs.Error) {
	id, err := uuid.Parse(web.Param(r, "id"))
	if err != nil {
		return uuid.Nil, errs.New(errs.InvalidArgument, fmt.Errorf("invalid source id: %w", err))
	}
	return id, nil
}

func get(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := parseID(r)
		if idErr != nil {
			return idErr
		}

		src, err := cfg.Sources.GetByID(ctx, id)
		if err != nil {
			return errs.Map(err)
		}
		return models.FromSource(src)
	}
}

func getSnapshot(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := parseID(r)
		if idErr != nil {
			return idErr
		}

		data, found, err := cfg.Snapshots.LoadSnapshot(ctx, id)
		if err != nil {
			return errs.Map(err)
		}
		if !found {
			return errs.Newf(errs.NotFound, "no snapshot reported for %s", id)
		}
		return SnapshotResponse{SourceID: id.String(), Snapshot: base64.StdEncoding.EncodeToString(data)}
	}
}

func requestIntent(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := parseID(r)
		if idErr != nil {
			return idErr
		}

		var req IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		intent, err := source.ParseIntent(req.Intent)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.Coordinator.RequestIntent(ctx, id, intent); err != nil {
			return errs.Map(err)
		}
		return models.OK{OK: true}
	}
}

func bulkIssue(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req BulkIssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		intent, err := source.ParseIntent(req.Intent)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if req.GroupID != "" {
			res, err := cfg.Coordinator.RequestIntents(ctx, req.GroupID, intent)
			if err != nil {
				return errs.Map(err)
			}
			return toResponse(res)
		}

		ids := make([]uuid.UUID, 0, len(req.SourceIDs))
		for _, s := range req.SourceIDs {
			ids = append(ids, uuid.MustParse(s))
		}
		return toResponse(cfg.Coordinator.Issue(ctx, ids, intent))
	}
}

func toResponse(res dispatch.BatchResult) BatchResponse {
	out := BatchResponse{
		Succeeded: make([]string, 0, len(res.Succeeded)),
		Failed:    make([]BatchFailure, 0, len(res.Failed)),
		Pending:   make([]string, 0, len(res.Pending)),
	}
	for _, id := range res.Succeeded {
		out.Succeeded = append(out.Succeeded, id.String())
	}
	for _, id := range res.Pending {
		out.Pending = append(out.Pending, id.String())
	}
	for _, f := range res.Failed {
		code := errs.Map(f.Err).Code
		msg := f.Err.Error()
		if code == errs.Internal {
			msg = http.StatusText(http.StatusInternalServerError)
		}
		out.Failed = append(out.Failed, BatchFailure{SourceID: f.SourceID.String(), Code: code.String(), Error: msg})
	}
	return out
}
