// Package postgres implements agent.Registry on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/db"
	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ agent.Registry = (*registry)(nil)

type registry struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewRegistry creates a PostgreSQL-backed agent registry.
func NewRegistry(pool *pgxpool.Pool, tracer trace.Tracer) *registry {
	return &registry{q: db.New(pool), tracer: tracer}
}

func identityAttrs(id agent.Identity) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		attribute.String("agent_ip", id.IP),
		attribute.String("cluster_name", id.ClusterName),
	}, defaultDBAttributes...)
}

// Touch upserts the agent and advances its last-seen time.
func (r *registry) Touch(ctx context.Context, id agent.Identity, seenAt time.Time) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.touch_agent", identityAttrs(id), func(ctx context.Context) error {
		if err := r.q.TouchAgent(ctx, id.IP, id.ClusterName, pgtype.Timestamptz{Time: seenAt, Valid: true}); err != nil {
			return fmt.Errorf("failed to touch agent: %w", err)
		}
		return nil
	})
}

// BindGroup adds groupSelector to the agent's served groups and advances its
// last-seen time.
func (r *registry) BindGroup(ctx context.Context, id agent.Identity, groupSelector string, at time.Time) error {
	dbAttrs := append(identityAttrs(id), attribute.String("group_selector", groupSelector))
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.bind_agent_group", dbAttrs, func(ctx context.Context) error {
		if err := r.q.BindAgentGroup(ctx, id.IP, id.ClusterName, groupSelector, pgtype.Timestamptz{Time: at, Valid: true}); err != nil {
			return fmt.Errorf("failed to bind agent group: %w", err)
		}
		return nil
	})
}

// ListByCluster returns the cluster's agents ordered by IP.
func (r *registry) ListByCluster(ctx context.Context, clusterName string) ([]agent.Agent, error) {
	var out []agent.Agent
	dbAttrs := append([]attribute.KeyValue{attribute.String("cluster_name", clusterName)}, defaultDBAttributes...)

	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_agents_by_cluster", dbAttrs, func(ctx context.Context) error {
		rows, err := r.q.ListAgentsByCluster(ctx, clusterName)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}
		out = make([]agent.Agent, 0, len(rows))
		for _, row := range rows {
			id := agent.Identity{IP: row.AgentIp, ClusterName: row.ClusterName}
			out = append(out, agent.NewAgent(id, row.GroupSelectors, row.LastSeenAt.Time))
		}
		return nil
	})
	return out, err
}
