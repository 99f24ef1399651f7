package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/internal/infra/storage"
)

func setupSourceTest(t *testing.T) (context.Context, *sourceStore, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	db, cleanup := storage.SetupTestContainer(t)
	store := NewSourceStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, store, cleanup
}

func createTestSource(t *testing.T, ctx context.Context, store *sourceStore, agentIP string) *source.Source {
	t.Helper()

	src := source.NewSource("group-1", "stream-"+uuid.NewString()[:8], "cluster-a", agentIP, time.Now().UTC())
	require.NoError(t, store.Create(ctx, src))
	return src
}

func TestPGSourceStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	src := createTestSource(t, ctx, store, "10.0.0.1")

	loaded, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, src.ID(), loaded.ID())
	assert.Equal(t, source.StatusNew, loaded.Status())
	assert.Equal(t, int64(1), loaded.Version())
	assert.Equal(t, "10.0.0.1", loaded.AgentIP())

	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, source.ErrSourceNotFound)

	err = store.Create(ctx, src)
	assert.Error(t, err, "duplicate create should fail")
}

func TestPGSourceStore_CompareAndSetStatus(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	src := createTestSource(t, ctx, store, "10.0.0.1")
	now := time.Now().UTC()

	change, err := src.Transition(source.StatusToBeIssuedAdd, now)
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSetStatus(ctx, change))

	// The same change is now stale.
	err = store.CompareAndSetStatus(ctx, change)
	assert.ErrorIs(t, err, source.ErrVersionConflict)

	loaded, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.StatusToBeIssuedAdd, loaded.Status())
	assert.Equal(t, int64(2), loaded.Version())

	bad := source.StatusChange{
		SourceID:        src.ID(),
		ExpectedVersion: loaded.Version(),
		From:            source.StatusToBeIssuedAdd,
		To:              source.StatusNormal,
		At:              now,
	}
	var invalid *source.InvalidTransitionError
	assert.ErrorAs(t, store.CompareAndSetStatus(ctx, bad), &invalid)
}

func TestPGSourceStore_TimeoutRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	src := createTestSource(t, ctx, store, "10.0.0.1")
	now := time.Now().UTC()

	change, ok := src.MarkHeartbeatTimeout(now)
	require.True(t, ok)
	require.NoError(t, store.CompareAndSetStatus(ctx, change))

	timedOut, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.StatusHeartbeatTimeout, timedOut.Status())
	assert.Equal(t, source.StatusNew, timedOut.PreTimeoutStatus())

	rollback, ok := timedOut.RollbackTimeout(now)
	require.True(t, ok)
	require.NoError(t, store.CompareAndSetStatus(ctx, rollback))

	restored, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.StatusNew, restored.Status())
	assert.Equal(t, source.StatusUnspecified, restored.PreTimeoutStatus())
}

func TestPGSourceStore_ListDeliverablePaging(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	now := time.Now().UTC()
	for range 3 {
		src := createTestSource(t, ctx, store, "10.0.0.2")
		change, err := src.Transition(source.StatusToBeIssuedAdd, now)
		require.NoError(t, err)
		require.NoError(t, store.CompareAndSetStatus(ctx, change))
	}
	createTestSource(t, ctx, store, "10.0.0.2") // NEW is not deliverable.

	q := source.AgentQuery{AgentIP: "10.0.0.2", ClusterName: "cluster-a", Limit: 2}
	first, err := store.ListDeliverable(ctx, q)
	require.NoError(t, err)
	require.Len(t, first, 2)

	q.AfterID = first[1].ID()
	second, err := store.ListDeliverable(ctx, q)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID(), second[0].ID())
	assert.NotEqual(t, first[1].ID(), second[0].ID())
}

func TestPGSourceStore_HeartbeatsAndStale(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	fresh := createTestSource(t, ctx, store, "10.0.0.3")
	stale := createTestSource(t, ctx, store, "10.0.0.3")
	silent := createTestSource(t, ctx, store, "10.0.0.3")

	now := time.Now().UTC()
	n, err := store.TouchHeartbeats(ctx, map[uuid.UUID]time.Time{
		fresh.ID(): now,
		stale.ID(): now.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// An older beat never moves the timestamp backwards.
	_, err = store.TouchHeartbeats(ctx, map[uuid.UUID]time.Time{fresh.ID(): now.Add(-2 * time.Hour)})
	require.NoError(t, err)

	got, err := store.ListStale(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID())
	}
	assert.Contains(t, ids, stale.ID())
	assert.NotContains(t, ids, fresh.ID())
	assert.NotContains(t, ids, silent.ID())
}

func TestPGSourceStore_Snapshot(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	src := createTestSource(t, ctx, store, "10.0.0.4")

	_, found, err := store.LoadSnapshot(ctx, src.ID())
	require.NoError(t, err)
	assert.False(t, found)

	snap := source.Snapshot{Data: []byte(`{"offset":42}`), ReportedAt: time.Now().UTC().Truncate(time.Microsecond)}
	require.NoError(t, store.SaveSnapshot(ctx, src.ID(), snap))

	loaded, found, err := store.LoadSnapshot(ctx, src.ID())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, snap.Data, loaded.Data)
	assert.True(t, snap.ReportedAt.Equal(loaded.ReportedAt))

	reloaded, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.Version(), "snapshot writes do not bump the version")

	err = store.SaveSnapshot(ctx, uuid.New(), snap)
	assert.ErrorIs(t, err, source.ErrSourceNotFound)
}

func TestPGSourceStore_IntentsAndRetention(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	src := createTestSource(t, ctx, store, "10.0.0.5")
	now := time.Now().UTC()

	// Reach NORMAL so a delete intent is allowed.
	for _, to := range []source.Status{source.StatusToBeIssuedAdd, source.StatusBeenIssuedAdd, source.StatusNormal} {
		cur, err := store.GetByID(ctx, src.ID())
		require.NoError(t, err)
		change, err := cur.Transition(to, now)
		require.NoError(t, err)
		require.NoError(t, store.CompareAndSetStatus(ctx, change))
	}

	require.NoError(t, store.SetIntent(ctx, src.ID(), source.IntentDelete, now))
	pending, err := store.ListPendingIntents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	change, err := pending[0].PlanIntent("", now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSetStatus(ctx, change))

	// Still TO_BE_ISSUED_DELETE, so not yet purgeable.
	n, err := store.MarkPurgeable(ctx, now, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, to := range []source.Status{source.StatusBeenIssuedDelete, source.StatusNormal} {
		cur, err := store.GetByID(ctx, src.ID())
		require.NoError(t, err)
		change, err := cur.Transition(to, now.Add(-2*time.Hour))
		require.NoError(t, err)
		require.NoError(t, store.CompareAndSetStatus(ctx, change))
	}

	n, err = store.MarkPurgeable(ctx, now.Add(-time.Hour), now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.PurgeDeleted(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetByID(ctx, src.ID())
	assert.ErrorIs(t, err, source.ErrSourceNotFound)
}

func TestPGSourceStore_ClearIntentIsConditional(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	src := createTestSource(t, ctx, store, "10.0.0.1")
	now := time.Now().UTC()

	require.NoError(t, store.SetIntent(ctx, src.ID(), source.IntentRetry, now))
	read, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)

	require.NoError(t, store.SetIntent(ctx, src.ID(), source.IntentApprove, now))
	err = store.ClearIntent(ctx, src.ID(), read.Version(), read.Intent(), now)
	assert.ErrorIs(t, err, source.ErrVersionConflict)

	cur, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.IntentApprove, cur.Intent())

	require.NoError(t, store.ClearIntent(ctx, src.ID(), cur.Version(), source.IntentApprove, now))
	cleared, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.IntentNone, cleared.Intent())
	assert.Equal(t, cur.Version()+1, cleared.Version())
}

func TestPGSourceStore_PendingOutcomeAndAwaitingFinalize(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupSourceTest(t)
	defer cleanup()

	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	src := createTestSource(t, ctx, store, "10.0.0.1")
	change, err := src.Transition(source.StatusToBeIssuedAdd, old)
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSetStatus(ctx, change))

	cur, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	mark, _, err := cur.MarkIssued(source.OutcomeFailure, "collector crashed", old)
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSetStatus(ctx, mark))

	fresh := createTestSource(t, ctx, store, "10.0.0.1")
	change, err = fresh.Transition(source.StatusToBeIssuedAdd, now)
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSetStatus(ctx, change))

	issued, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.StatusBeenIssuedAdd, issued.Status())
	assert.Equal(t, source.OutcomeFailure, issued.PendingOutcome())
	assert.Equal(t, "collector crashed", issued.Message())

	awaiting, err := store.ListAwaitingFinalize(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, src.ID(), awaiting[0].ID())

	fin, ok, err := issued.Finalize(issued.PendingOutcome(), issued.Message(), now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.CompareAndSetStatus(ctx, fin))

	done, err := store.GetByID(ctx, src.ID())
	require.NoError(t, err)
	assert.Equal(t, source.StatusFailed, done.Status())
	assert.Equal(t, source.OutcomeUnspecified, done.PendingOutcome())

	awaiting, err = store.ListAwaitingFinalize(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}
