package source

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AgentQuery selects the sources a polling agent may receive.
type AgentQuery struct {
	AgentIP     string
	ClusterName string
	// AfterID pages through results ordered by id; uuid.Nil starts at the
	// beginning.
	AfterID uuid.UUID
	Limit   int
}

// Repository is the durable, versioned store of source records. Every status
// write is conditional on the record's version.
type Repository interface {
	// Create persists a new source.
	Create(ctx context.Context, src *Source) error

	// GetByID returns ErrSourceNotFound when the id is unknown.
	GetByID(ctx context.Context, id uuid.UUID) (*Source, error)

	// GetByIDs returns the sources that exist among ids.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Source, error)

	// ListByGroup returns every live source in a group.
	ListByGroup(ctx context.Context, groupID string) ([]*Source, error)

	// CompareAndSetStatus applies change only if the stored version and status
	// still equal change.ExpectedVersion and change.From. It returns
	// ErrVersionConflict otherwise and an *InvalidTransitionError if the
	// change is not permitted by the automaton.
	CompareAndSetStatus(ctx context.Context, change StatusChange) error

	// SetIntent records an operator intent and bumps the version.
	SetIntent(ctx context.Context, id uuid.UUID, intent Intent, at time.Time) error

	// ClearIntent removes intent from the source only if the stored version
	// and intent still equal expectedVersion and intent. It returns
	// ErrVersionConflict otherwise.
	ClearIntent(ctx context.Context, id uuid.UUID, expectedVersion int64, intent Intent, at time.Time) error

	// ListPendingIntents returns up to limit sources carrying an intent.
	ListPendingIntents(ctx context.Context, limit int) ([]*Source, error)

	// ListDeliverable returns sources owned by the queried agent whose status
	// is to-be-issued or that are no longer alive, ordered by id.
	ListDeliverable(ctx context.Context, q AgentQuery) ([]*Source, error)

	// ListAwaitingFinalize returns up to limit sources resting in a
	// BEEN_ISSUED status, or timed out from one, that were last modified
	// before cutoff.
	ListAwaitingFinalize(ctx context.Context, cutoff time.Time, limit int) ([]*Source, error)

	// TouchHeartbeats advances last-heartbeat timestamps. It never moves a
	// timestamp backwards and does not bump versions.
	TouchHeartbeats(ctx context.Context, beats map[uuid.UUID]time.Time) (int64, error)

	// ListStale returns sources whose last heartbeat is older than cutoff and
	// that are not already timed out. Sources that never reported a heartbeat
	// are not returned.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Source, error)

	// SaveSnapshot overwrites the snapshot without bumping the version.
	SaveSnapshot(ctx context.Context, id uuid.UUID, snap Snapshot) error

	// LoadSnapshot returns the snapshot and whether one exists.
	LoadSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, bool, error)

	// MarkPurgeable moves soft-deleted sources resting in a stable status and
	// unmodified since before cutoff to DeleteStatePurgeable, stamping them
	// with at.
	MarkPurgeable(ctx context.Context, cutoff, at time.Time) (int64, error)

	// PurgeDeleted physically removes purgeable sources marked before cutoff.
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}
