package driver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/ampliconflow/internal/runstore"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

func TestRunStoreEmitter(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(nil)
	runID, err := store.CreateRun(ctx, &types.Run{Name: "p"})
	require.NoError(t, err)

	t.Run("publishes log events", func(t *testing.T) {
		em := NewRunStoreEmitter(store, 0, 0)
		require.NoError(t, em.EmitLog(ctx, runID, "demultiplex", "stderr", "warning: adapter"))

		events, err := store.GetEventsSince(ctx, runID, "")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, types.EventTypeLog, events[0].Type)
		assert.Equal(t, "demultiplex", events[0].Stage)

		var payload types.LogEvent
		require.NoError(t, json.Unmarshal(events[0].Data, &payload))
		assert.Equal(t, types.LogLevelError, payload.Level)
		assert.Equal(t, "warning: adapter", payload.Message)
	})

	t.Run("drops lines over the rate", func(t *testing.T) {
		id, err := store.CreateRun(ctx, &types.Run{Name: "flood"})
		require.NoError(t, err)

		em := NewRunStoreEmitter(store, 1, 5)
		for i := 0; i < 50; i++ {
			require.NoError(t, em.EmitLog(ctx, id, "denoise", "stdout", "progress"))
		}
		events, err := store.GetEventsSince(ctx, id, "")
		require.NoError(t, err)
		assert.Less(t, len(events), 50)
		assert.GreaterOrEqual(t, len(events), 5)
		assert.Equal(t, int64(50-len(events)), em.Dropped())
	})

	t.Run("unknown run", func(t *testing.T) {
		em := NewRunStoreEmitter(store, 0, 0)
		err := em.EmitLog(ctx, "missing", "s", "stdout", "x")
		assert.ErrorIs(t, err, runstore.ErrRunNotFound)
	})
}
