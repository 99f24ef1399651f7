package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	agentmemory "github.com/ahrav/sourcefleet/internal/infra/storage/agent/memory"
	sourcememory "github.com/ahrav/sourcefleet/internal/infra/storage/source/memory"
	"github.com/ahrav/sourcefleet/pkg/common/logger"
	"github.com/ahrav/sourcefleet/pkg/common/timeutil"
)

// mockEventPublisher records published events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (m *mockEventPublisher) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

func (m *mockEventPublisher) published() []events.DomainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.DomainEvent(nil), m.events...)
}

// fakeMetrics counts dispatch metrics.
type fakeMetrics struct {
	issued    atomic.Int64
	conflicts atomic.Int64
	dropped   atomic.Int64
}

func (f *fakeMetrics) IncSourcesIssued(context.Context, string)                { f.issued.Add(1) }
func (f *fakeMetrics) IncCASConflicts(context.Context, string)                 { f.conflicts.Add(1) }
func (f *fakeMetrics) IncIntentsDropped(context.Context, string)               { f.dropped.Add(1) }
func (f *fakeMetrics) ObserveReconcileDuration(context.Context, time.Duration) {}

type coordinatorSuite struct {
	repo      *sourcememory.SourceStore
	agents    *agentmemory.Registry
	publisher *mockEventPublisher
	metrics   *fakeMetrics
	clock     *timeutil.Mock
	coord     *Coordinator
}

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newCoordinatorSuite(t *testing.T, repo source.Repository) *coordinatorSuite {
	t.Helper()

	s := &coordinatorSuite{
		repo:      sourcememory.NewSourceStore(),
		agents:    agentmemory.NewRegistry(),
		publisher: new(mockEventPublisher),
		metrics:   new(fakeMetrics),
		clock:     timeutil.NewMock(testNow),
	}
	if repo == nil {
		repo = s.repo
	}

	s.coord = NewCoordinator(
		repo,
		s.agents,
		NewResolver(),
		s.publisher,
		s.metrics,
		Config{Policy: agent.Policy{Strategy: agent.BindingRoundRobin}},
		noop.NewTracerProvider().Tracer("test"),
		logger.Noop(),
	)
	s.coord.timeProvider = s.clock
	return s
}

// seed stores a source moved along path from NEW.
func (s *coordinatorSuite) seed(t *testing.T, agentIP string, path ...source.Status) *source.Source {
	t.Helper()

	ctx := context.Background()
	src := source.NewSource("group-1", "stream-1", "cluster-a", agentIP, testNow)
	if err := s.repo.Create(ctx, src); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range path {
		change, err := src.Transition(to, testNow)
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if err := s.repo.CompareAndSetStatus(ctx, change); err != nil {
			t.Fatalf("cas to %s: %v", to, err)
		}
		src = src.Apply(change)
	}
	return src
}
