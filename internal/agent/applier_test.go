package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sourcefleet/internal/domain/source"
)

func generation(t *testing.T, a *LocalApplier, id uuid.UUID) int {
	t.Helper()
	data, ok := a.Snapshot(id)
	require.True(t, ok)
	var snap collectorSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap.Generation
}

func TestLocalApplier_RepeatedCommandIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := NewLocalApplier()
	id := uuid.New()
	cmd := Command{SourceID: id, StreamID: "s", Status: source.StatusToBeIssuedRetry, Version: 3}

	require.NoError(t, a.Apply(ctx, cmd))
	require.NoError(t, a.Apply(ctx, cmd))
	assert.Equal(t, 1, generation(t, a, id))

	cmd.Version = 5
	require.NoError(t, a.Apply(ctx, cmd))
	assert.Equal(t, 2, generation(t, a, id))
}

func TestLocalApplier_Commands(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	add := Command{SourceID: id, StreamID: "s", Status: source.StatusToBeIssuedAdd, Version: 1}

	tests := []struct {
		name        string
		setup       []Command
		cmd         Command
		wantErr     bool
		wantRunning bool
		wantKnown   bool
	}{
		{
			name:        "add starts collector",
			cmd:         add,
			wantRunning: true,
			wantKnown:   true,
		},
		{
			name:      "stop keeps collector idle",
			setup:     []Command{add},
			cmd:       Command{SourceID: id, Status: source.StatusToBeIssuedStop, Version: 2},
			wantKnown: true,
		},
		{
			name:        "activate restarts stopped collector",
			setup:       []Command{add, {SourceID: id, Status: source.StatusToBeIssuedStop, Version: 2}},
			cmd:         Command{SourceID: id, Status: source.StatusToBeIssuedActive, Version: 3},
			wantRunning: true,
			wantKnown:   true,
		},
		{
			name:  "delete removes collector",
			setup: []Command{add},
			cmd:   Command{SourceID: id, Status: source.StatusToBeIssuedDelete, Version: 2, Deleted: true},
		},
		{
			name:  "deleted stable source removes collector",
			setup: []Command{add},
			cmd:   Command{SourceID: id, Status: source.StatusNormal, Version: 4, Deleted: true},
		},
		{
			name:    "check without collector fails",
			cmd:     Command{SourceID: id, Status: source.StatusToBeIssuedCheck, Version: 1},
			wantErr: true,
		},
		{
			name:        "check with collector succeeds",
			setup:       []Command{add},
			cmd:         Command{SourceID: id, Status: source.StatusToBeIssuedCheck, Version: 2},
			wantRunning: true,
			wantKnown:   true,
		},
		{
			name: "stable status is ignored",
			cmd:  Command{SourceID: id, Status: source.StatusNormal, Version: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			a := NewLocalApplier()
			for _, c := range tt.setup {
				require.NoError(t, a.Apply(ctx, c))
			}

			err := a.Apply(ctx, tt.cmd)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			if tt.wantRunning {
				assert.Equal(t, []uuid.UUID{id}, a.Running())
			} else {
				assert.Empty(t, a.Running())
			}
			_, known := a.Snapshot(id)
			assert.Equal(t, tt.wantKnown, known)
		})
	}
}

func TestLocalApplier_ResumesFromSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	id := uuid.New()
	earlier, err := json.Marshal(collectorSnapshot{StreamID: "s", Generation: 4, Running: true})
	require.NoError(t, err)

	a := NewLocalApplier()
	require.NoError(t, a.Apply(ctx, Command{
		SourceID: id, StreamID: "s", Status: source.StatusToBeIssuedAdd, Version: 2, Resume: earlier,
	}))
	assert.Equal(t, 5, generation(t, a, id), "continues past the reported generation")

	// A running collector ignores a redelivered snapshot.
	require.NoError(t, a.Apply(ctx, Command{
		SourceID: id, StreamID: "s", Status: source.StatusToBeIssuedActive, Version: 3, Resume: earlier,
	}))
	assert.Equal(t, 5, generation(t, a, id))

	err = NewLocalApplier().Apply(ctx, Command{
		SourceID: uuid.New(), Status: source.StatusToBeIssuedAdd, Version: 1, Resume: []byte("{not json"),
	})
	assert.Error(t, err)
}
