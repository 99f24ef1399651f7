package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_ServesGroup(t *testing.T) {
	a := NewAgent(Identity{IP: "10.0.0.1", ClusterName: "c1"}, []string{"orders"}, time.Time{})
	assert.True(t, a.ServesGroup("orders"))
	assert.False(t, a.ServesGroup("payments"))

	wildcard := NewAgent(Identity{IP: "10.0.0.2", ClusterName: "c1"}, []string{"*"}, time.Time{})
	assert.True(t, wildcard.ServesGroup("payments"))
}

func TestAgent_IsAlive(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAgent(Identity{IP: "10.0.0.1", ClusterName: "c1"}, nil, now)

	assert.True(t, a.IsAlive(now.Add(-time.Second)))
	assert.False(t, a.IsAlive(now.Add(time.Second)))
}

func TestParseBindingStrategy(t *testing.T) {
	s, err := ParseBindingStrategy("group_affinity")
	require.NoError(t, err)
	assert.Equal(t, BindingGroupAffinity, s)

	_, err = ParseBindingStrategy("random")
	assert.Error(t, err)
}
