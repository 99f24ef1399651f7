// Package memory provides an in-memory agent.Registry.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ahrav/sourcefleet/internal/domain/agent"
)

var _ agent.Registry = (*Registry)(nil)

type record struct {
	groups     []string
	lastSeenAt time.Time
}

// Registry keeps agents in memory.
type Registry struct {
	mu     sync.RWMutex
	agents map[agent.Identity]*record
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[agent.Identity]*record)}
}

func (r *Registry) get(id agent.Identity) *record {
	rec, ok := r.agents[id]
	if !ok {
		rec = &record{}
		r.agents[id] = rec
	}
	return rec
}

// Touch records that the agent was seen.
func (r *Registry) Touch(ctx context.Context, id agent.Identity, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(id)
	if seenAt.After(rec.lastSeenAt) {
		rec.lastSeenAt = seenAt
	}
	return nil
}

// BindGroup adds a group selector to the agent and records it as seen.
func (r *Registry) BindGroup(ctx context.Context, id agent.Identity, groupSelector string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(id)
	if !slices.Contains(rec.groups, groupSelector) {
		rec.groups = append(rec.groups, groupSelector)
	}
	if at.After(rec.lastSeenAt) {
		rec.lastSeenAt = at
	}
	return nil
}

// ListByCluster returns the cluster's agents ordered by IP.
func (r *Registry) ListByCluster(ctx context.Context, clusterName string) ([]agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []agent.Agent
	for id, rec := range r.agents {
		if id.ClusterName == clusterName {
			out = append(out, agent.NewAgent(id, rec.groups, rec.lastSeenAt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP() < out[j].IP() })
	return out, nil
}
