package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stelevm/stele/session"
	"github.com/stelevm/stele/session/inmem"
)

func TestStoreSaveLoadRoundtrip(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	sess := &session.Session{
		ID:         "sess-1",
		ContractID: "contract-1",
		Context:    session.NewContext(map[string]any{"seed": 1}),
		GasLimit:   1000,
		Status:     session.StatusRunning,
	}
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "contract-1", loaded.ContractID)

	v, ok := loaded.Context.Get([]string{"seed"})
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
}

func TestStoreLoadMissingReturnsNotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStoreCheckpointAndRestore(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()

	sess := &session.Session{
		ID:             "sess-2",
		Context:        session.NewContext(map[string]any{"x": 1}),
		CurrentBlockID: "block-a",
		GasConsumed:    5,
	}
	_, err := store.Checkpoint(ctx, sess, "cp-1", time.Now())
	require.NoError(t, err)

	// mutate session after checkpointing
	_, err = sess.Context.Set([]string{"x"}, 2)
	require.NoError(t, err)
	sess.CurrentBlockID = "block-b"
	sess.GasConsumed = 9

	restored, err := store.Restore(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "block-a", restored.CurrentBlock)
	assert.EqualValues(t, 5, restored.GasConsumed)

	v, ok := restored.Context.Get([]string{"x"})
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
}

func TestStoreRestoreMissingReturnsNotFound(t *testing.T) {
	store := inmem.New()
	_, err := store.Restore(context.Background(), "nope")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
}

func TestStoreRemoveDeletesSessionAndCheckpoints(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	sess := &session.Session{ID: "sess-3", Context: session.NewContext(nil)}
	require.NoError(t, store.Save(ctx, sess))
	_, err := store.Checkpoint(ctx, sess, "cp", time.Now())
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "sess-3"))

	_, err = store.Load(ctx, "sess-3")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = store.Restore(ctx, "sess-3")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
}

func TestStoreListSorted(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.Save(ctx, &session.Session{ID: id, Context: session.NewContext(nil)}))
	}
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
