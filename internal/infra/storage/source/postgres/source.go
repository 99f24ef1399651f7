// Package postgres implements source.Repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/db"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/internal/infra/storage"
)

// defaultListLimit bounds list queries whose caller passed no limit.
const defaultListLimit = 1000

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ source.Repository = (*sourceStore)(nil)

// sourceStore implements source.Repository using PostgreSQL. Status writes
// are conditional UPDATEs keyed on (id, version, status).
type sourceStore struct {
	q      *db.Queries
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSourceStore creates a new PostgreSQL-backed source repository with tracing.
func NewSourceStore(pool *pgxpool.Pool, tracer trace.Tracer) *sourceStore {
	return &sourceStore{q: db.New(pool), db: pool, tracer: tracer}
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func pgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func limitOrDefault(limit int) int32 {
	if limit <= 0 {
		return defaultListLimit
	}
	return int32(limit)
}

func attrs(kv ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(kv))
	out = append(out, defaultDBAttributes...)
	return append(out, kv...)
}

// toDomain converts a row into a Source, rejecting unknown status codes.
func toDomain(row db.Source) (*source.Source, error) {
	status, err := source.FromCode(int(row.Status))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", uuid.UUID(row.ID.Bytes), err)
	}

	preTimeout := source.StatusUnspecified
	if row.PreTimeoutStatus.Valid {
		if preTimeout, err = source.FromCode(int(row.PreTimeoutStatus.Int32)); err != nil {
			return nil, fmt.Errorf("source %s pre-timeout status: %w", uuid.UUID(row.ID.Bytes), err)
		}
	}

	deleteState, err := source.DeleteStateFromInt(int(row.IsDeleted))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", uuid.UUID(row.ID.Bytes), err)
	}

	return source.ReconstructSource(source.SourceState{
		ID:               row.ID.Bytes,
		GroupID:          row.GroupID,
		StreamID:         row.StreamID,
		AgentIP:          row.AgentIp,
		ClusterName:      row.ClusterName,
		Status:           status,
		PreTimeoutStatus: preTimeout,
		Intent:           source.Intent(row.Intent),
		DeleteState:      deleteState,
		Message:          row.Message,
		PendingOutcome:   source.Outcome(row.PendingOutcome),
		Version:          row.Version,
		CreateTime:       row.CreatedAt.Time,
		ModifyTime:       row.ModifiedAt.Time,
		LastHeartbeatAt:  row.LastHeartbeatAt.Time,
		Snapshot:         source.Snapshot{Data: row.Snapshot, ReportedAt: row.SnapshotReportedAt.Time},
	}), nil
}

func toDomainList(rows []db.Source) ([]*source.Source, error) {
	out := make([]*source.Source, 0, len(rows))
	for _, row := range rows {
		src, err := toDomain(row)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Create persists a new source.
func (s *sourceStore) Create(ctx context.Context, src *source.Source) error {
	dbAttrs := attrs(
		attribute.String("source_id", src.ID().String()),
		attribute.String("group_id", src.GroupID()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_source", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.CreateSource(ctx, db.CreateSourceParams{
			ID:          pgUUID(src.ID()),
			GroupID:     src.GroupID(),
			StreamID:    src.StreamID(),
			AgentIp:     src.AgentIP(),
			ClusterName: src.ClusterName(),
			Status:      int32(src.Status().Code()),
			Intent:      src.Intent().String(),
			IsDeleted:   int16(src.DeleteState()),
			Version:     src.Version(),
			CreatedAt:   pgTime(src.CreateTime()),
		})
		if err != nil {
			return fmt.Errorf("failed to create source: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("source %s already exists", src.ID())
		}
		return nil
	})
}

// GetByID returns the source with id.
func (s *sourceStore) GetByID(ctx context.Context, id uuid.UUID) (*source.Source, error) {
	var src *source.Source
	dbAttrs := attrs(attribute.String("source_id", id.String()))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_source", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetSource(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return source.ErrSourceNotFound
			}
			return fmt.Errorf("failed to get source: %w", err)
		}
		src, err = toDomain(row)
		return err
	})
	return src, err
}

// GetByIDs returns the sources that exist among ids.
func (s *sourceStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*source.Source, error) {
	var out []*source.Source
	dbAttrs := attrs(attribute.Int("id_count", len(ids)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_sources_by_ids", dbAttrs, func(ctx context.Context) error {
		pgIDs := make([]pgtype.UUID, len(ids))
		for i, id := range ids {
			pgIDs[i] = pgUUID(id)
		}
		rows, err := s.q.GetSourcesByIDs(ctx, pgIDs)
		if err != nil {
			return fmt.Errorf("failed to get sources: %w", err)
		}
		out, err = toDomainList(rows)
		return err
	})
	return out, err
}

// ListByGroup returns every live source in groupID.
func (s *sourceStore) ListByGroup(ctx context.Context, groupID string) ([]*source.Source, error) {
	var out []*source.Source
	dbAttrs := attrs(attribute.String("group_id", groupID))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_sources_by_group", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListSourcesByGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("failed to list sources by group: %w", err)
		}
		out, err = toDomainList(rows)
		return err
	})
	return out, err
}

// CompareAndSetStatus applies change only if version and status still match.
func (s *sourceStore) CompareAndSetStatus(ctx context.Context, change source.StatusChange) error {
	dbAttrs := attrs(
		attribute.String("source_id", change.SourceID.String()),
		attribute.Int64("expected_version", change.ExpectedVersion),
		attribute.String("from_status", change.From.String()),
		attribute.String("to_status", change.To.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.compare_and_set_source_status", dbAttrs, func(ctx context.Context) error {
		if err := change.Validate(); err != nil {
			return err
		}

		var preTimeout pgtype.Int4
		if change.PreTimeoutStatus != source.StatusUnspecified {
			preTimeout = pgtype.Int4{Int32: int32(change.PreTimeoutStatus.Code()), Valid: true}
		}

		rows, err := s.q.CompareAndSetSourceStatus(ctx, db.CompareAndSetSourceStatusParams{
			ID:               pgUUID(change.SourceID),
			ExpectedVersion:  change.ExpectedVersion,
			FromStatus:       int32(change.From.Code()),
			ToStatus:         int32(change.To.Code()),
			PreTimeoutStatus: preTimeout,
			Intent:           change.Intent.String(),
			IsDeleted:        int16(change.DeleteState),
			AgentIp:          change.AgentIP,
			Message:          change.Message,
			ModifiedAt:       pgTime(change.At),
			PendingOutcome:   int16(change.PendingOutcome),
		})
		if err != nil {
			return fmt.Errorf("failed to update source status: %w", err)
		}
		if rows == 0 {
			return source.ErrVersionConflict
		}
		return nil
	})
}

// SetIntent records intent and bumps the version.
func (s *sourceStore) SetIntent(ctx context.Context, id uuid.UUID, intent source.Intent, at time.Time) error {
	dbAttrs := attrs(
		attribute.String("source_id", id.String()),
		attribute.String("intent", intent.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_source_intent", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.SetSourceIntent(ctx, pgUUID(id), intent.String(), pgTime(at))
		if err != nil {
			return fmt.Errorf("failed to set source intent: %w", err)
		}
		if rows == 0 {
			return source.ErrSourceNotFound
		}
		return nil
	})
}

// ClearIntent removes intent only if version and intent still match.
func (s *sourceStore) ClearIntent(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	intent source.Intent,
	at time.Time,
) error {
	dbAttrs := attrs(
		attribute.String("source_id", id.String()),
		attribute.Int64("expected_version", expectedVersion),
		attribute.String("intent", intent.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.clear_source_intent", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ClearSourceIntent(ctx, pgUUID(id), expectedVersion, intent.String(), pgTime(at))
		if err != nil {
			return fmt.Errorf("failed to clear source intent: %w", err)
		}
		if rows == 0 {
			return source.ErrVersionConflict
		}
		return nil
	})
}

// ListPendingIntents returns sources carrying an intent.
func (s *sourceStore) ListPendingIntents(ctx context.Context, limit int) ([]*source.Source, error) {
	var out []*source.Source
	dbAttrs := attrs(attribute.Int("limit", limit))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_pending_intents", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListPendingIntents(ctx, limitOrDefault(limit))
		if err != nil {
			return fmt.Errorf("failed to list pending intents: %w", err)
		}
		out, err = toDomainList(rows)
		return err
	})
	return out, err
}

// ListDeliverable returns the agent's to-be-issued or deleted sources.
func (s *sourceStore) ListDeliverable(ctx context.Context, q source.AgentQuery) ([]*source.Source, error) {
	var out []*source.Source
	dbAttrs := attrs(
		attribute.String("agent_ip", q.AgentIP),
		attribute.String("cluster_name", q.ClusterName),
		attribute.Int("limit", q.Limit),
	)

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_deliverable_sources", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListDeliverableSources(ctx, db.ListDeliverableSourcesParams{
			AgentIp:     q.AgentIP,
			ClusterName: q.ClusterName,
			AfterID:     pgUUID(q.AfterID),
			Limit:       limitOrDefault(q.Limit),
		})
		if err != nil {
			return fmt.Errorf("failed to list deliverable sources: %w", err)
		}
		out, err = toDomainList(rows)
		return err
	})
	return out, err
}

// TouchHeartbeats advances last-heartbeat timestamps in one statement.
func (s *sourceStore) TouchHeartbeats(ctx context.Context, beats map[uuid.UUID]time.Time) (int64, error) {
	var updated int64
	dbAttrs := attrs(attribute.Int("batch_size", len(beats)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.touch_source_heartbeats", dbAttrs, func(ctx context.Context) error {
		ids := make([]pgtype.UUID, 0, len(beats))
		seen := make([]pgtype.Timestamptz, 0, len(beats))
		for id, at := range beats {
			ids = append(ids, pgUUID(id))
			seen = append(seen, pgTime(at))
		}

		var err error
		updated, err = s.q.TouchSourceHeartbeats(ctx, ids, seen)
		if err != nil {
			return fmt.Errorf("failed to update heartbeats: %w", err)
		}
		return nil
	})
	return updated, err
}

// ListStale returns sources whose heartbeat predates cutoff.
func (s *sourceStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*source.Source, error) {
	var out []*source.Source
	dbAttrs := attrs(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_stale_sources", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListStaleSources(ctx, pgTime(cutoff), limitOrDefault(limit))
		if err != nil {
			return fmt.Errorf("failed to list stale sources: %w", err)
		}
		out, err = toDomainList(rows)
		return err
	})
	return out, err
}

// ListAwaitingFinalize returns issued sources untouched since cutoff, oldest
// first.
func (s *sourceStore) ListAwaitingFinalize(ctx context.Context, cutoff time.Time, limit int) ([]*source.Source, error) {
	var out []*source.Source
	dbAttrs := attrs(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_sources_awaiting_finalize", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListSourcesAwaitingFinalize(ctx, pgTime(cutoff), limitOrDefault(limit))
		if err != nil {
			return fmt.Errorf("failed to list sources awaiting finalize: %w", err)
		}
		out, err = toDomainList(rows)
		return err
	})
	return out, err
}

// SaveSnapshot overwrites the snapshot without bumping the version.
func (s *sourceStore) SaveSnapshot(ctx context.Context, id uuid.UUID, snap source.Snapshot) error {
	dbAttrs := attrs(
		attribute.String("source_id", id.String()),
		attribute.Int("snapshot_bytes", len(snap.Data)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_source_snapshot", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.SaveSourceSnapshot(ctx, pgUUID(id), snap.Data, pgTime(snap.ReportedAt))
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		if rows == 0 {
			return source.ErrSourceNotFound
		}
		return nil
	})
}

// LoadSnapshot returns the stored snapshot.
func (s *sourceStore) LoadSnapshot(ctx context.Context, id uuid.UUID) (source.Snapshot, bool, error) {
	var (
		snap  source.Snapshot
		found bool
	)
	dbAttrs := attrs(attribute.String("source_id", id.String()))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_source_snapshot", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetSourceSnapshot(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return source.ErrSourceNotFound
			}
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		if row.Snapshot == nil && !row.SnapshotReportedAt.Valid {
			return nil
		}
		snap = source.Snapshot{Data: row.Snapshot, ReportedAt: row.SnapshotReportedAt.Time}
		found = true
		return nil
	})
	return snap, found, err
}

// MarkPurgeable flags old soft-deleted sources resting in a stable status.
func (s *sourceStore) MarkPurgeable(ctx context.Context, cutoff, at time.Time) (int64, error) {
	var n int64
	dbAttrs := attrs(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_sources_purgeable", dbAttrs, func(ctx context.Context) error {
		var stable []int32
		for _, st := range source.AllStatuses() {
			if st.IsStable() {
				stable = append(stable, int32(st.Code()))
			}
		}

		var err error
		if n, err = s.q.MarkSourcesPurgeable(ctx, pgTime(cutoff), pgTime(at), stable); err != nil {
			return fmt.Errorf("failed to mark sources purgeable: %w", err)
		}
		return nil
	})
	return n, err
}

// PurgeDeleted removes purgeable sources marked before cutoff.
func (s *sourceStore) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	dbAttrs := attrs(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.purge_deleted_sources", dbAttrs, func(ctx context.Context) error {
		var err error
		if n, err = s.q.PurgeDeletedSources(ctx, pgTime(cutoff)); err != nil {
			return fmt.Errorf("failed to purge sources: %w", err)
		}
		return nil
	})
	return n, err
}
