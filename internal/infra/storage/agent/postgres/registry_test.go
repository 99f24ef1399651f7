package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sourcefleet/internal/domain/agent"
	"github.com/ahrav/sourcefleet/internal/infra/storage"
)

func TestPGRegistry_TouchAndBind(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	reg := NewRegistry(pool, storage.NoOpTracer())
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := agent.Identity{IP: "10.0.0.2", ClusterName: "cluster-a"}
	b := agent.Identity{IP: "10.0.0.1", ClusterName: "cluster-a"}
	other := agent.Identity{IP: "10.0.0.9", ClusterName: "cluster-b"}

	require.NoError(t, reg.Touch(ctx, a, now))
	require.NoError(t, reg.Touch(ctx, a, now.Add(-time.Hour)))
	require.NoError(t, reg.BindGroup(ctx, b, "group-1", now))
	require.NoError(t, reg.BindGroup(ctx, b, "group-1", now))
	require.NoError(t, reg.BindGroup(ctx, b, "*", now))
	require.NoError(t, reg.Touch(ctx, other, now))

	agents, err := reg.ListByCluster(ctx, "cluster-a")
	require.NoError(t, err)
	require.Len(t, agents, 2)

	assert.Equal(t, "10.0.0.1", agents[0].IP())
	assert.Equal(t, []string{"group-1", "*"}, agents[0].Groups())
	assert.True(t, now.Equal(agents[0].LastSeenAt()), "binding counts as a sighting")

	assert.Equal(t, "10.0.0.2", agents[1].IP())
	assert.True(t, now.Equal(agents[1].LastSeenAt()), "last seen never moves backwards")
}
