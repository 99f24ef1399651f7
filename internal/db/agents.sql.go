package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const touchAgent = `
INSERT INTO agents (agent_ip, cluster_name, last_seen_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (agent_ip, cluster_name) DO UPDATE SET
	last_seen_at = GREATEST(COALESCE(agents.last_seen_at, EXCLUDED.last_seen_at), EXCLUDED.last_seen_at),
	updated_at = NOW()`

func (q *Queries) TouchAgent(ctx context.Context, agentIP, clusterName string, seenAt pgtype.Timestamptz) error {
	_, err := q.db.Exec(ctx, touchAgent, agentIP, clusterName, seenAt)
	return err
}

const bindAgentGroup = `
INSERT INTO agents (agent_ip, cluster_name, group_selectors, last_seen_at, updated_at)
VALUES ($1, $2, ARRAY[$3::text], $4, $4)
ON CONFLICT (agent_ip, cluster_name) DO UPDATE SET
	group_selectors = CASE
		WHEN $3::text = ANY(agents.group_selectors) THEN agents.group_selectors
		ELSE array_append(agents.group_selectors, $3::text)
	END,
	last_seen_at = GREATEST(COALESCE(agents.last_seen_at, EXCLUDED.last_seen_at), EXCLUDED.last_seen_at),
	updated_at = $4`

func (q *Queries) BindAgentGroup(
	ctx context.Context,
	agentIP, clusterName, groupSelector string,
	at pgtype.Timestamptz,
) error {
	_, err := q.db.Exec(ctx, bindAgentGroup, agentIP, clusterName, groupSelector, at)
	return err
}

const listAgentsByCluster = `
SELECT agent_ip, cluster_name, group_selectors, last_seen_at, created_at, updated_at
FROM agents
WHERE cluster_name = $1
ORDER BY agent_ip`

func (q *Queries) ListAgentsByCluster(ctx context.Context, clusterName string) ([]Agent, error) {
	rows, err := q.db.Query(ctx, listAgentsByCluster, clusterName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Agent
	for rows.Next() {
		var i Agent
		if err := rows.Scan(
			&i.AgentIp,
			&i.ClusterName,
			&i.GroupSelectors,
			&i.LastSeenAt,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
