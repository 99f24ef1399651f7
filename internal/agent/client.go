package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/api/models"
	"github.com/ahrav/sourcefleet/internal/api/routes/agentrpc"
	"github.com/ahrav/sourcefleet/pkg/common"
)

// StatusError is a non-2xx reply from the manager.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("manager returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsConflict reports whether err is a 409 from the manager. A repeated ack
// for an already finalized source is answered this way.
func IsConflict(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the manager.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client calls the manager's agent endpoints. Every request waits on the
// shared rate limiter first; a 503 from the manager slows the limiter until
// the next successful call.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	tracer      trace.Tracer
}

// NewClient creates a Client. A nil httpClient gets an instrumented default.
func NewClient(baseURL string, httpClient *http.Client, rateLimiter *common.RateLimiter, tracer trace.Tracer) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		rateLimiter: rateLimiter,
		tracer:      tracer,
	}
}

// Pull fetches one page of deliverable sources.
func (c *Client) Pull(ctx context.Context, req agentrpc.PullRequest) (agentrpc.PullResponse, error) {
	var resp agentrpc.PullResponse
	err := c.post(ctx, "/v1/agent/tasks/pull", req, &resp)
	return resp, err
}

// ReportOutcome acknowledges a delivered command.
func (c *Client) ReportOutcome(ctx context.Context, req agentrpc.OutcomeRequest) error {
	return c.post(ctx, "/v1/agent/tasks/outcome", req, &models.OK{})
}

// ReportSnapshot stores collection progress for a source.
func (c *Client) ReportSnapshot(ctx context.Context, req agentrpc.SnapshotRequest) error {
	return c.post(ctx, "/v1/agent/snapshots", req, &models.OK{})
}

// LoadSnapshot fetches the last snapshot reported for a source. The bool is
// false when the manager holds none.
func (c *Client) LoadSnapshot(ctx context.Context, sourceID uuid.UUID) ([]byte, bool, error) {
	var resp struct {
		SourceID string `json:"sourceId"`
		Snapshot string `json:"snapshot"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sources/"+sourceID.String()+"/snapshot", nil, &resp); err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	data, err := base64.StdEncoding.DecodeString(resp.Snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("manager sent invalid snapshot for %s: %w", sourceID, err)
	}
	return data, len(data) > 0, nil
}

// Heartbeat reports the sources this agent is running.
func (c *Client) Heartbeat(ctx context.Context, req agentrpc.HeartbeatRequest) error {
	return c.post(ctx, "/v1/agent/heartbeat", req, &models.OK{})
}

// BindGroup asks the manager to route a group's sources to this agent.
func (c *Client) BindGroup(ctx context.Context, req agentrpc.BindGroupRequest) error {
	return c.post(ctx, "/v1/agents/bind-group", req, &models.OK{})
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// do sends in as JSON, unless nil, and decodes a 2xx reply into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "agent_client.do",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		))
	defer span.End()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusServiceUnavailable {
		c.rateLimiter.Slow()
		span.SetAttributes(attribute.Float64("rate_limit", c.rateLimiter.Limit()))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{StatusCode: resp.StatusCode, Message: string(data)}
		var reply struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &reply) == nil && reply.Code != "" {
			se.Code, se.Message = reply.Code, reply.Message
		}
		span.RecordError(se)
		span.SetStatus(codes.Error, "non-2xx response")
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to decode response: %w", err)
	}
	c.rateLimiter.Restore()
	span.SetStatus(codes.Ok, "ok")
	return nil
}
