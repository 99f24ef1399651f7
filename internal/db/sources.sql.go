package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const sourceColumns = `id, group_id, stream_id, agent_ip, cluster_name, status, pre_timeout_status,
	intent, is_deleted, message, version, snapshot, snapshot_reported_at, last_heartbeat_at,
	created_at, modified_at, pending_outcome`

func scanSource(row pgx.Row) (Source, error) {
	var i Source
	err := row.Scan(
		&i.ID,
		&i.GroupID,
		&i.StreamID,
		&i.AgentIp,
		&i.ClusterName,
		&i.Status,
		&i.PreTimeoutStatus,
		&i.Intent,
		&i.IsDeleted,
		&i.Message,
		&i.Version,
		&i.Snapshot,
		&i.SnapshotReportedAt,
		&i.LastHeartbeatAt,
		&i.CreatedAt,
		&i.ModifiedAt,
		&i.PendingOutcome,
	)
	return i, err
}

func collectSources(rows pgx.Rows, err error) ([]Source, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Source
	for rows.Next() {
		i, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createSource = `
INSERT INTO sources (
	id, group_id, stream_id, agent_ip, cluster_name, status, intent, is_deleted, version,
	created_at, modified_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
ON CONFLICT (id) DO NOTHING`

type CreateSourceParams struct {
	ID          pgtype.UUID
	GroupID     string
	StreamID    string
	AgentIp     string
	ClusterName string
	Status      int32
	Intent      string
	IsDeleted   int16
	Version     int64
	CreatedAt   pgtype.Timestamptz
}

func (q *Queries) CreateSource(ctx context.Context, arg CreateSourceParams) (int64, error) {
	result, err := q.db.Exec(ctx, createSource,
		arg.ID,
		arg.GroupID,
		arg.StreamID,
		arg.AgentIp,
		arg.ClusterName,
		arg.Status,
		arg.Intent,
		arg.IsDeleted,
		arg.Version,
		arg.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const getSource = `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`

func (q *Queries) GetSource(ctx context.Context, id pgtype.UUID) (Source, error) {
	return scanSource(q.db.QueryRow(ctx, getSource, id))
}

const getSourcesByIDs = `SELECT ` + sourceColumns + ` FROM sources WHERE id = ANY($1::uuid[]) ORDER BY id`

func (q *Queries) GetSourcesByIDs(ctx context.Context, ids []pgtype.UUID) ([]Source, error) {
	return collectSources(q.db.Query(ctx, getSourcesByIDs, ids))
}

const listSourcesByGroup = `SELECT ` + sourceColumns + ` FROM sources
WHERE group_id = $1 AND is_deleted = 0
ORDER BY id`

func (q *Queries) ListSourcesByGroup(ctx context.Context, groupID string) ([]Source, error) {
	return collectSources(q.db.Query(ctx, listSourcesByGroup, groupID))
}

const compareAndSetSourceStatus = `
UPDATE sources SET
	status = $4,
	pre_timeout_status = $5,
	intent = $6,
	is_deleted = $7,
	agent_ip = $8,
	message = $9,
	modified_at = $10,
	pending_outcome = $11,
	version = version + 1
WHERE id = $1 AND version = $2 AND status = $3`

type CompareAndSetSourceStatusParams struct {
	ID               pgtype.UUID
	ExpectedVersion  int64
	FromStatus       int32
	ToStatus         int32
	PreTimeoutStatus pgtype.Int4
	Intent           string
	IsDeleted        int16
	AgentIp          string
	Message          string
	ModifiedAt       pgtype.Timestamptz
	PendingOutcome   int16
}

func (q *Queries) CompareAndSetSourceStatus(ctx context.Context, arg CompareAndSetSourceStatusParams) (int64, error) {
	result, err := q.db.Exec(ctx, compareAndSetSourceStatus,
		arg.ID,
		arg.ExpectedVersion,
		arg.FromStatus,
		arg.ToStatus,
		arg.PreTimeoutStatus,
		arg.Intent,
		arg.IsDeleted,
		arg.AgentIp,
		arg.Message,
		arg.ModifiedAt,
		arg.PendingOutcome,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const setSourceIntent = `
UPDATE sources SET intent = $2, modified_at = $3, version = version + 1
WHERE id = $1`

func (q *Queries) SetSourceIntent(ctx context.Context, id pgtype.UUID, intent string, at pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, setSourceIntent, id, intent, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const clearSourceIntent = `
UPDATE sources SET intent = '', modified_at = $4, version = version + 1
WHERE id = $1 AND version = $2 AND intent = $3`

func (q *Queries) ClearSourceIntent(
	ctx context.Context,
	id pgtype.UUID,
	expectedVersion int64,
	intent string,
	at pgtype.Timestamptz,
) (int64, error) {
	result, err := q.db.Exec(ctx, clearSourceIntent, id, expectedVersion, intent, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listPendingIntents = `SELECT ` + sourceColumns + ` FROM sources
WHERE intent <> ''
ORDER BY id
LIMIT $1`

func (q *Queries) ListPendingIntents(ctx context.Context, limit int32) ([]Source, error) {
	return collectSources(q.db.Query(ctx, listPendingIntents, limit))
}

const listDeliverableSources = `SELECT ` + sourceColumns + ` FROM sources
WHERE agent_ip = $1
	AND cluster_name = $2
	AND id > $3
	AND ((status BETWEEN 200 AND 208) OR is_deleted <> 0)
ORDER BY id
LIMIT $4`

type ListDeliverableSourcesParams struct {
	AgentIp     string
	ClusterName string
	AfterID     pgtype.UUID
	Limit       int32
}

func (q *Queries) ListDeliverableSources(ctx context.Context, arg ListDeliverableSourcesParams) ([]Source, error) {
	return collectSources(q.db.Query(ctx, listDeliverableSources,
		arg.AgentIp,
		arg.ClusterName,
		arg.AfterID,
		arg.Limit,
	))
}

const touchSourceHeartbeats = `
UPDATE sources AS s
SET last_heartbeat_at = GREATEST(COALESCE(s.last_heartbeat_at, b.seen_at), b.seen_at)
FROM unnest($1::uuid[], $2::timestamptz[]) AS b(id, seen_at)
WHERE s.id = b.id`

func (q *Queries) TouchSourceHeartbeats(ctx context.Context, ids []pgtype.UUID, seenAt []pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, touchSourceHeartbeats, ids, seenAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listStaleSources = `SELECT ` + sourceColumns + ` FROM sources
WHERE last_heartbeat_at < $1 AND status <> 105
ORDER BY last_heartbeat_at
LIMIT $2`

func (q *Queries) ListStaleSources(ctx context.Context, cutoff pgtype.Timestamptz, limit int32) ([]Source, error) {
	return collectSources(q.db.Query(ctx, listStaleSources, cutoff, limit))
}

const listSourcesAwaitingFinalize = `SELECT ` + sourceColumns + ` FROM sources
WHERE (status BETWEEN 300 AND 308 OR (status = 105 AND pre_timeout_status BETWEEN 300 AND 308))
	AND modified_at < $1
ORDER BY modified_at
LIMIT $2`

func (q *Queries) ListSourcesAwaitingFinalize(ctx context.Context, cutoff pgtype.Timestamptz, limit int32) ([]Source, error) {
	return collectSources(q.db.Query(ctx, listSourcesAwaitingFinalize, cutoff, limit))
}

const saveSourceSnapshot = `
UPDATE sources SET snapshot = $2, snapshot_reported_at = $3
WHERE id = $1`

func (q *Queries) SaveSourceSnapshot(ctx context.Context, id pgtype.UUID, data []byte, at pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, saveSourceSnapshot, id, data, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const getSourceSnapshot = `SELECT snapshot, snapshot_reported_at FROM sources WHERE id = $1`

type GetSourceSnapshotRow struct {
	Snapshot           []byte
	SnapshotReportedAt pgtype.Timestamptz
}

func (q *Queries) GetSourceSnapshot(ctx context.Context, id pgtype.UUID) (GetSourceSnapshotRow, error) {
	var i GetSourceSnapshotRow
	err := q.db.QueryRow(ctx, getSourceSnapshot, id).Scan(&i.Snapshot, &i.SnapshotReportedAt)
	return i, err
}

const markSourcesPurgeable = `
UPDATE sources SET is_deleted = 2, modified_at = $2
WHERE is_deleted = 1 AND modified_at < $1 AND status = ANY($3::int[])`

func (q *Queries) MarkSourcesPurgeable(
	ctx context.Context,
	cutoff, at pgtype.Timestamptz,
	stableStatuses []int32,
) (int64, error) {
	result, err := q.db.Exec(ctx, markSourcesPurgeable, cutoff, at, stableStatuses)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const purgeDeletedSources = `DELETE FROM sources WHERE is_deleted = 2 AND modified_at < $1`

func (q *Queries) PurgeDeletedSources(ctx context.Context, cutoff pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, purgeDeletedSources, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
