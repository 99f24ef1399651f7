package agent

import "fmt"

// BindingStrategy selects how a source is mapped to an agent.
type BindingStrategy string

const (
	// BindingStatic uses an explicit source or group pin.
	BindingStatic BindingStrategy = "static"
	// BindingRoundRobin spreads sources over every live agent of the cluster.
	BindingRoundRobin BindingStrategy = "round_robin"
	// BindingGroupAffinity spreads sources over agents bound to their group.
	BindingGroupAffinity BindingStrategy = "group_affinity"
)

// ParseBindingStrategy validates a strategy name.
func ParseBindingStrategy(s string) (BindingStrategy, error) {
	switch b := BindingStrategy(s); b {
	case BindingStatic, BindingRoundRobin, BindingGroupAffinity:
		return b, nil
	}
	return "", fmt.Errorf("unknown binding strategy %q", s)
}

// Policy configures source to agent binding.
type Policy struct {
	Strategy BindingStrategy
	// SourcePins maps a source id to an agent IP.
	SourcePins map[string]string
	// GroupPins maps a group id to an agent IP.
	GroupPins map[string]string
	// Fallback is used when a static pin is missing.
	Fallback BindingStrategy
}
