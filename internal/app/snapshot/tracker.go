// Package snapshot stores per-source progress checkpoints reported by agents.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// DefaultMaxBytes caps a stored checkpoint.
const DefaultMaxBytes = 1 << 20

// ErrSnapshotTooLarge is returned for a checkpoint over the size cap.
var ErrSnapshotTooLarge = errors.New("snapshot too large")

// Tracker records the latest checkpoint of each source. Writes are
// last-write-wins and never touch the source's status or version.
type Tracker struct {
	repo         source.Repository
	maxBytes     int
	timeProvider timeutil.Provider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewTracker creates a Tracker. maxBytes <= 0 selects DefaultMaxBytes.
func NewTracker(repo source.Repository, maxBytes int, tracer trace.Tracer, logger *logger.Logger) *Tracker {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Tracker{
		repo:         repo,
		maxBytes:     maxBytes,
		timeProvider: timeutil.Default(),
		tracer:       tracer,
		logger:       logger.With("component", "snapshot_tracker"),
	}
}

// SaveSnapshot stores data as the source's latest checkpoint.
func (t *Tracker) SaveSnapshot(ctx context.Context, sourceID uuid.UUID, data []byte) error {
	ctx, span := t.tracer.Start(ctx, "snapshot_tracker.save_snapshot",
		trace.WithAttributes(
			attribute.String("source_id", sourceID.String()),
			attribute.Int("snapshot_bytes", len(data)),
		))
	defer span.End()

	if len(data) > t.maxBytes {
		err := fmt.Errorf("%w: %d bytes exceeds %d", ErrSnapshotTooLarge, len(data), t.maxBytes)
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot too large")
		return err
	}

	snap := source.Snapshot{Data: data, ReportedAt: t.timeProvider.Now()}
	if err := t.repo.SaveSnapshot(ctx, sourceID, snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save snapshot")
		return fmt.Errorf("failed to save snapshot for source %s: %w", sourceID, err)
	}

	t.logger.Debug(ctx, "Snapshot saved", "source_id", sourceID, "bytes", len(data))
	span.SetStatus(codes.Ok, "snapshot saved")
	return nil
}

// LoadSnapshot returns the latest checkpoint and whether one was reported.
func (t *Tracker) LoadSnapshot(ctx context.Context, sourceID uuid.UUID) ([]byte, bool, error) {
	ctx, span := t.tracer.Start(ctx, "snapshot_tracker.load_snapshot",
		trace.WithAttributes(attribute.String("source_id", sourceID.String())))
	defer span.End()

	snap, ok, err := t.repo.LoadSnapshot(ctx, sourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load snapshot")
		return nil, false, fmt.Errorf("failed to load snapshot for source %s: %w", sourceID, err)
	}

	span.SetAttributes(attribute.Bool("found", ok))
	span.SetStatus(codes.Ok, "snapshot loaded")
	return snap.Data, ok, nil
}
