package dispatch

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

// Resolver maps a source to the agent that should run it. Resolution is a
// pure function of its inputs so every manager replica agrees on the result.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve returns the agent IP for src under policy. Only agents of the
// source's cluster are considered. Static pins are honoured even when the
// pinned agent has not registered yet.
func (r *Resolver) Resolve(src *source.Source, clusterAgents []agent.Agent, policy agent.Policy) (string, error) {
	candidates := make([]agent.Agent, 0, len(clusterAgents))
	for _, a := range clusterAgents {
		if a.ClusterName() == src.ClusterName() {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].IP() < candidates[j].IP() })

	return r.resolve(src, candidates, policy, policy.Strategy)
}

func (r *Resolver) resolve(
	src *source.Source,
	candidates []agent.Agent,
	policy agent.Policy,
	strategy agent.BindingStrategy,
) (string, error) {
	switch strategy {
	case agent.BindingStatic:
		if ip, ok := policy.SourcePins[src.ID().String()]; ok && ip != "" {
			return ip, nil
		}
		if ip, ok := policy.GroupPins[src.GroupID()]; ok && ip != "" {
			return ip, nil
		}
		if policy.Fallback != "" && policy.Fallback != agent.BindingStatic {
			return r.resolve(src, candidates, policy, policy.Fallback)
		}
		return "", fmt.Errorf("source %s has no static pin: %w", src.ID(), source.ErrNoEligibleAgent)

	case agent.BindingRoundRobin:
		return pick(src, candidates)

	case agent.BindingGroupAffinity:
		var bound []agent.Agent
		for _, a := range candidates {
			if a.ServesGroup(src.GroupID()) {
				bound = append(bound, a)
			}
		}
		return pick(src, bound)

	default:
		return "", fmt.Errorf("unknown binding strategy %q", strategy)
	}
}

// LiveAgents returns the agents last seen at or after cutoff. Pinned agents
// are resolved without consulting candidates, so pins are unaffected.
func LiveAgents(agents []agent.Agent, cutoff time.Time) []agent.Agent {
	live := make([]agent.Agent, 0, len(agents))
	for _, a := range agents {
		if a.IsAlive(cutoff) {
			live = append(live, a)
		}
	}
	return live
}

// pick spreads sources over candidates by hashing the source id.
func pick(src *source.Source, candidates []agent.Agent) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("source %s in cluster %s: %w", src.ID(), src.ClusterName(), source.ErrNoEligibleAgent)
	}
	h := fnv.New32a()
	id := src.ID()
	_, _ = h.Write(id[:])
	return candidates[h.Sum32()%uint32(len(candidates))].IP(), nil
}
