package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/sourcefleet/internal/domain/source"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// Command is one delivered source as the agent sees it.
type Command struct {
	SourceID uuid.UUID
	GroupID  string
	StreamID string
	Status   source.Status
	Version  int64
	Deleted  bool
	// Resume is the snapshot a newly started collector continues from.
	Resume []byte
}

// Applier drives the local collectors. The manager delivers a command until
// it is acknowledged, so Apply must tolerate seeing the same command twice.
type Applier interface {
	Apply(ctx context.Context, cmd Command) error
	// Running lists the sources with an active collector.
	Running() []uuid.UUID
	// Snapshot returns the latest progress of a source's collector.
	Snapshot(id uuid.UUID) ([]byte, bool)
}

// collector is the local bookkeeping for one source.
type collector struct {
	streamID   string
	running    bool
	generation int
	lastStatus source.Status
	version    int64
	startedAt  time.Time
}

// collectorSnapshot is the opaque progress reported to the manager.
type collectorSnapshot struct {
	StreamID   string    `json:"streamId"`
	Generation int       `json:"generation"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"startedAt"`
}

// resume continues from a snapshot reported by an earlier run. A newer local
// generation wins over an older snapshot.
func (c *collector) resume(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var snap collectorSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	if snap.Generation > c.generation {
		c.generation = snap.Generation
	}
	return nil
}

// LocalApplier keeps collectors in memory. A command already applied at the
// same version is a no-op.
type LocalApplier struct {
	mu         sync.Mutex
	collectors map[uuid.UUID]*collector

	timeProvider timeutil.Provider
}

// NewLocalApplier creates an empty LocalApplier.
func NewLocalApplier() *LocalApplier {
	return &LocalApplier{
		collectors:   make(map[uuid.UUID]*collector),
		timeProvider: timeutil.Default(),
	}
}

// Apply implements Applier.
func (a *LocalApplier) Apply(ctx context.Context, cmd Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, exists := a.collectors[cmd.SourceID]
	if exists && c.version == cmd.Version && c.lastStatus == cmd.Status {
		return nil
	}

	if cmd.Deleted || cmd.Status == source.StatusToBeIssuedDelete {
		delete(a.collectors, cmd.SourceID)
		return nil
	}

	if !cmd.Status.IsToBeIssued() {
		// Stable statuses carry no command.
		return nil
	}

	switch cmd.Status {
	case source.StatusToBeIssuedStop:
		if !exists {
			return nil
		}
		c.running = false

	case source.StatusToBeIssuedCheck:
		if !exists || !c.running {
			return fmt.Errorf("no running collector for source %s", cmd.SourceID)
		}

	case source.StatusToBeIssuedAdd, source.StatusToBeIssuedActive:
		if !exists {
			c = &collector{}
			a.collectors[cmd.SourceID] = c
		}
		if !c.running {
			if err := c.resume(cmd.Resume); err != nil {
				return fmt.Errorf("source %s: %w", cmd.SourceID, err)
			}
			c.running = true
			c.generation++
			c.startedAt = a.timeProvider.Now()
		}

	case source.StatusToBeIssuedRetry, source.StatusToBeIssuedBacktrack,
		source.StatusToBeIssuedRedoMetric, source.StatusToBeIssuedMakeup:
		if !exists {
			c = &collector{}
			a.collectors[cmd.SourceID] = c
		}
		// Restart from the last committed position.
		c.running = true
		c.generation++
		c.startedAt = a.timeProvider.Now()

	default:
		return fmt.Errorf("unsupported command %s", cmd.Status)
	}

	c.streamID = cmd.StreamID
	c.version = cmd.Version
	c.lastStatus = cmd.Status
	return nil
}

// Running implements Applier.
func (a *LocalApplier) Running() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(a.collectors))
	for id, c := range a.collectors {
		if c.running {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(x, y uuid.UUID) int { return slices.Compare(x[:], y[:]) })
	return ids
}

// Snapshot implements Applier.
func (a *LocalApplier) Snapshot(id uuid.UUID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.collectors[id]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(collectorSnapshot{
		StreamID:   c.streamID,
		Generation: c.generation,
		Running:    c.running,
		StartedAt:  c.startedAt,
	})
	if err != nil {
		return nil, false
	}
	return data, true
}
