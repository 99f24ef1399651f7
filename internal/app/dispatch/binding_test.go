package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

func testAgent(ip, cluster string, groups ...string) agent.Agent {
	return agent.NewAgent(agent.Identity{IP: ip, ClusterName: cluster}, groups, time.Time{})
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := source.NewSource("group-1", "stream-1", "cluster-a", "", now)

	agents := []agent.Agent{
		testAgent("10.0.0.3", "cluster-a", "group-2"),
		testAgent("10.0.0.1", "cluster-a", "group-1"),
		testAgent("10.0.0.2", "cluster-a", "*"),
		testAgent("10.0.0.9", "cluster-b", "group-1"),
	}

	tests := []struct {
		name    string
		policy  agent.Policy
		agents  []agent.Agent
		wantIPs []string
		wantErr error
	}{
		{
			name:    "static source pin wins over group pin",
			policy:  agent.Policy{Strategy: agent.BindingStatic, SourcePins: map[string]string{src.ID().String(): "10.1.1.1"}, GroupPins: map[string]string{"group-1": "10.2.2.2"}},
			agents:  agents,
			wantIPs: []string{"10.1.1.1"},
		},
		{
			name:    "static group pin",
			policy:  agent.Policy{Strategy: agent.BindingStatic, GroupPins: map[string]string{"group-1": "10.2.2.2"}},
			agents:  agents,
			wantIPs: []string{"10.2.2.2"},
		},
		{
			name:    "static without pin and no fallback",
			policy:  agent.Policy{Strategy: agent.BindingStatic},
			agents:  agents,
			wantErr: source.ErrNoEligibleAgent,
		},
		{
			name:    "static falls back to group affinity",
			policy:  agent.Policy{Strategy: agent.BindingStatic, Fallback: agent.BindingGroupAffinity},
			agents:  agents,
			wantIPs: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:    "round robin stays in cluster",
			policy:  agent.Policy{Strategy: agent.BindingRoundRobin},
			agents:  agents,
			wantIPs: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		},
		{
			name:    "group affinity honours wildcard",
			policy:  agent.Policy{Strategy: agent.BindingGroupAffinity},
			agents:  agents,
			wantIPs: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:    "group affinity with no bound agents",
			policy:  agent.Policy{Strategy: agent.BindingGroupAffinity},
			agents:  []agent.Agent{testAgent("10.0.0.3", "cluster-a", "group-2")},
			wantErr: source.ErrNoEligibleAgent,
		},
		{
			name:    "empty cluster",
			policy:  agent.Policy{Strategy: agent.BindingRoundRobin},
			wantErr: source.ErrNoEligibleAgent,
		},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ip, err := r.Resolve(src, tt.agents, tt.policy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, tt.wantIPs, ip)
		})
	}
}

func TestResolver_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	agents := []agent.Agent{
		testAgent("10.0.0.1", "cluster-a"),
		testAgent("10.0.0.2", "cluster-a"),
		testAgent("10.0.0.3", "cluster-a"),
	}
	reversed := []agent.Agent{agents[2], agents[1], agents[0]}
	policy := agent.Policy{Strategy: agent.BindingRoundRobin}

	r := NewResolver()
	seen := make(map[string]int)
	for range 64 {
		src := source.NewSource("group-1", "stream", "cluster-a", "", now)

		first, err := r.Resolve(src, agents, policy)
		require.NoError(t, err)
		second, err := r.Resolve(src, reversed, policy)
		require.NoError(t, err)

		assert.Equal(t, first, second, "input order must not change the result")
		seen[first]++
	}
	assert.Greater(t, len(seen), 1, "sources should spread over agents")
}

func TestResolver_SkipsAgentsPastLiveness(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * time.Second)
	src := source.NewSource("group-1", "stream-1", "cluster-a", "", now)

	seen := func(ip string, at time.Time) agent.Agent {
		return agent.NewAgent(agent.Identity{IP: ip, ClusterName: "cluster-a"}, []string{"*"}, at)
	}
	gone := seen("10.0.0.1", now.Add(-7*24*time.Hour))
	fresh := seen("10.0.0.2", now.Add(-time.Second))
	edge := seen("10.0.0.3", cutoff)

	live := LiveAgents([]agent.Agent{gone, fresh, edge}, cutoff)
	ips := make([]string, 0, len(live))
	for _, a := range live {
		ips = append(ips, a.IP())
	}
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, ips)

	r := NewResolver()
	tests := []struct {
		name    string
		policy  agent.Policy
		want    string
		wantErr error
	}{
		{
			name:    "round robin with only a dead agent",
			policy:  agent.Policy{Strategy: agent.BindingRoundRobin},
			wantErr: source.ErrNoEligibleAgent,
		},
		{
			name:    "group affinity with only a dead agent",
			policy:  agent.Policy{Strategy: agent.BindingGroupAffinity},
			wantErr: source.ErrNoEligibleAgent,
		},
		{
			name:   "static pin to a dead agent still resolves",
			policy: agent.Policy{Strategy: agent.BindingStatic, GroupPins: map[string]string{"group-1": "10.0.0.1"}},
			want:   "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ip, err := r.Resolve(src, LiveAgents([]agent.Agent{gone}, cutoff), tt.policy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip)
		})
	}
}
