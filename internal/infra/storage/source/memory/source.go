// Package memory provides an in-memory implementation of source.Repository
// for tests and single-process development setups.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/sourcefleet/internal/domain/source"
)

var _ source.Repository = (*SourceStore)(nil)

// SourceStore keeps sources in a map guarded by a mutex. Conditional writes
// behave exactly like the Postgres store.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]source.SourceState
}

// NewSourceStore creates an empty store.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[uuid.UUID]source.SourceState)}
}

func cloneState(st source.SourceState) source.SourceState {
	st.Snapshot.Data = bytes.Clone(st.Snapshot.Data)
	return st
}

// Create persists a new source.
func (s *SourceStore) Create(ctx context.Context, src *source.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sources[src.ID()]; exists {
		return fmt.Errorf("source %s already exists", src.ID())
	}
	s.sources[src.ID()] = cloneState(src.State())
	return nil
}

// GetByID returns the source with id.
func (s *SourceStore) GetByID(ctx context.Context, id uuid.UUID) (*source.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sources[id]
	if !ok {
		return nil, source.ErrSourceNotFound
	}
	return source.ReconstructSource(cloneState(st)), nil
}

// GetByIDs returns the sources that exist among ids.
func (s *SourceStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*source.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*source.Source, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.sources[id]; ok {
			out = append(out, source.ReconstructSource(cloneState(st)))
		}
	}
	return out, nil
}

// ListByGroup returns every live source in groupID ordered by id.
func (s *SourceStore) ListByGroup(ctx context.Context, groupID string) ([]*source.Source, error) {
	return s.filter(0, func(st source.SourceState) bool {
		return st.GroupID == groupID && st.DeleteState == source.DeleteStateAlive
	}), nil
}

// CompareAndSetStatus applies change if version and status still match.
func (s *SourceStore) CompareAndSetStatus(ctx context.Context, change source.StatusChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[change.SourceID]
	if !ok {
		return source.ErrSourceNotFound
	}
	if st.Version != change.ExpectedVersion || st.Status != change.From {
		return source.ErrVersionConflict
	}

	s.sources[change.SourceID] = source.ReconstructSource(st).Apply(change).State()
	return nil
}

// SetIntent records intent and bumps the version.
func (s *SourceStore) SetIntent(ctx context.Context, id uuid.UUID, intent source.Intent, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[id]
	if !ok {
		return source.ErrSourceNotFound
	}
	st.Intent = intent
	st.Version++
	st.ModifyTime = at
	s.sources[id] = st
	return nil
}

// ClearIntent removes intent if version and intent still match.
func (s *SourceStore) ClearIntent(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	intent source.Intent,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[id]
	if !ok {
		return source.ErrSourceNotFound
	}
	if st.Version != expectedVersion || st.Intent != intent {
		return source.ErrVersionConflict
	}
	st.Intent = source.IntentNone
	st.Version++
	st.ModifyTime = at
	s.sources[id] = st
	return nil
}

// ListPendingIntents returns up to limit sources carrying an intent.
func (s *SourceStore) ListPendingIntents(ctx context.Context, limit int) ([]*source.Source, error) {
	return s.filter(limit, func(st source.SourceState) bool {
		return st.Intent != source.IntentNone
	}), nil
}

// ListDeliverable returns the agent's to-be-issued or deleted sources.
func (s *SourceStore) ListDeliverable(ctx context.Context, q source.AgentQuery) ([]*source.Source, error) {
	return s.filter(q.Limit, func(st source.SourceState) bool {
		if st.AgentIP != q.AgentIP || st.ClusterName != q.ClusterName {
			return false
		}
		if q.AfterID != uuid.Nil && bytes.Compare(st.ID[:], q.AfterID[:]) <= 0 {
			return false
		}
		return st.Status.IsToBeIssued() || st.DeleteState.IsDeleted()
	}), nil
}

// ListAwaitingFinalize returns issued sources untouched since cutoff.
func (s *SourceStore) ListAwaitingFinalize(ctx context.Context, cutoff time.Time, limit int) ([]*source.Source, error) {
	return s.filter(limit, func(st source.SourceState) bool {
		issued := st.Status.IsBeenIssued() ||
			(st.Status == source.StatusHeartbeatTimeout && st.PreTimeoutStatus.IsBeenIssued())
		return issued && st.ModifyTime.Before(cutoff)
	}), nil
}

// TouchHeartbeats advances last-heartbeat timestamps.
func (s *SourceStore) TouchHeartbeats(ctx context.Context, beats map[uuid.UUID]time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, at := range beats {
		st, ok := s.sources[id]
		if !ok {
			continue
		}
		if at.After(st.LastHeartbeatAt) {
			st.LastHeartbeatAt = at
			s.sources[id] = st
		}
		n++
	}
	return n, nil
}

// ListStale returns sources whose heartbeat predates cutoff.
func (s *SourceStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*source.Source, error) {
	return s.filter(limit, func(st source.SourceState) bool {
		return !st.LastHeartbeatAt.IsZero() &&
			st.LastHeartbeatAt.Before(cutoff) &&
			st.Status != source.StatusHeartbeatTimeout
	}), nil
}

// SaveSnapshot overwrites the snapshot without bumping the version.
func (s *SourceStore) SaveSnapshot(ctx context.Context, id uuid.UUID, snap source.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sources[id]
	if !ok {
		return source.ErrSourceNotFound
	}
	st.Snapshot = source.Snapshot{Data: bytes.Clone(snap.Data), ReportedAt: snap.ReportedAt}
	s.sources[id] = st
	return nil
}

// LoadSnapshot returns the stored snapshot.
func (s *SourceStore) LoadSnapshot(ctx context.Context, id uuid.UUID) (source.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sources[id]
	if !ok {
		return source.Snapshot{}, false, source.ErrSourceNotFound
	}
	if st.Snapshot.IsZero() {
		return source.Snapshot{}, false, nil
	}
	return source.Snapshot{Data: bytes.Clone(st.Snapshot.Data), ReportedAt: st.Snapshot.ReportedAt}, true, nil
}

// MarkPurgeable flags old soft-deleted sources resting in a stable status.
func (s *SourceStore) MarkPurgeable(ctx context.Context, cutoff, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, st := range s.sources {
		if st.DeleteState == source.DeleteStateSoftDeleted && st.Status.IsStable() && st.ModifyTime.Before(cutoff) {
			st.DeleteState = source.DeleteStatePurgeable
			st.ModifyTime = at
			s.sources[id] = st
			n++
		}
	}
	return n, nil
}

// PurgeDeleted removes purgeable sources marked before cutoff.
func (s *SourceStore) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, st := range s.sources {
		if st.DeleteState == source.DeleteStatePurgeable && st.ModifyTime.Before(cutoff) {
			delete(s.sources, id)
			n++
		}
	}
	return n, nil
}

// filter returns matching sources ordered by id, capped at limit when > 0.
func (s *SourceStore) filter(limit int, match func(source.SourceState) bool) []*source.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []source.SourceState
	for _, st := range s.sources {
		if match(st) {
			matched = append(matched, st)
		}
	}
	slices.SortFunc(matched, func(a, b source.SourceState) int { return bytes.Compare(a.ID[:], b.ID[:]) })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*source.Source, 0, len(matched))
	for _, st := range matched {
		out = append(out, source.ReconstructSource(cloneState(st)))
	}
	return out
}
