// Package agent models the worker processes that poll for sources.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrAgentNotFound is returned when no agent has the requested identity.
var ErrAgentNotFound = errors.New("agent not found")

// Identity is the (agentIP, clusterName) pair an agent polls with.
type Identity struct {
	IP          string
	ClusterName string
}

func (i Identity) String() string { return fmt.Sprintf("%s@%s", i.IP, i.ClusterName) }

// Agent is the manager's view of a worker: its identity, the source groups it
// is bound to and when it was last heard from.
type Agent struct {
	identity   Identity
	groups     []string
	lastSeenAt time.Time
}

// NewAgent creates an Agent.
func NewAgent(identity Identity, groups []string, lastSeenAt time.Time) Agent {
	return Agent{identity: identity, groups: slices.Clone(groups), lastSeenAt: lastSeenAt}
}

func (a Agent) Identity() Identity    { return a.identity }
func (a Agent) IP() string            { return a.identity.IP }
func (a Agent) ClusterName() string   { return a.identity.ClusterName }
func (a Agent) Groups() []string      { return slices.Clone(a.groups) }
func (a Agent) LastSeenAt() time.Time { return a.lastSeenAt }

// ServesGroup reports whether the agent is bound to groupID. The selector "*"
// matches every group.
func (a Agent) ServesGroup(groupID string) bool {
	for _, g := range a.groups {
		if g == "*" || g == groupID {
			return true
		}
	}
	return false
}

// IsAlive reports whether the agent was seen since cutoff.
func (a Agent) IsAlive(cutoff time.Time) bool { return !a.lastSeenAt.Before(cutoff) }

// Registry persists agents seen through heartbeats and their group bindings.
type Registry interface {
	// Touch records that the agent was seen, creating it if needed.
	Touch(ctx context.Context, id Identity, seenAt time.Time) error

	// BindGroup adds a group selector to the agent, creating it if needed.
	// Binding counts as a sighting at at.
	BindGroup(ctx context.Context, id Identity, groupSelector string, at time.Time) error

	// ListByCluster returns every agent registered in the cluster.
	ListByCluster(ctx context.Context, clusterName string) ([]Agent, error)
}
