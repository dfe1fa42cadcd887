// Package persisttest holds behaviour tests shared by every
// memory.PersistenceBackend implementation.
package persisttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Run exercises a backend produced by open. Each subtest gets a fresh one.
func Run(t *testing.T, open func(t *testing.T) memory.PersistenceBackend) {
	t.Run("MissingIsEmpty", func(t *testing.T) {
		b := open(t)
		snap, err := b.Load(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		want := &memory.Snapshot{
			Buffer:  []byte(`{"turns":[]}`),
			Stream:  []byte(`[]`),
			Index:   []byte{0x1, 0x2, 0x3},
			SavedAt: time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC),
		}
		require.NoError(t, b.Save(ctx, "conv-1", want))

		got, err := b.Load(ctx, "conv-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Buffer, got.Buffer)
		assert.Equal(t, want.Stream, got.Stream)
		assert.Equal(t, want.Index, got.Index)
		assert.True(t, want.SavedAt.Equal(got.SavedAt))
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		require.NoError(t, b.Save(ctx, "c", &memory.Snapshot{Buffer: []byte("old"), Stream: []byte("old")}))
		require.NoError(t, b.Save(ctx, "c", &memory.Snapshot{Buffer: []byte("new"), Stream: []byte("new")}))

		got, err := b.Load(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got.Buffer)
		assert.Equal(t, []byte("new"), got.Stream)
		assert.Empty(t, got.Index)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		for _, id := range []string{"b", "a", "c"} {
			require.NoError(t, b.Save(ctx, id, &memory.Snapshot{Buffer: []byte("x"), Stream: []byte("y")}))
		}
		ids, err := b.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

		require.NoError(t, b.Delete(ctx, "b"))
		require.NoError(t, b.Delete(ctx, "never-existed"))
		snap, err := b.Load(ctx, "b")
		require.NoError(t, err)
		assert.Nil(t, snap)

		ids, err = b.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids)
	})

	t.Run("IsolatedIDs", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		require.NoError(t, b.Save(ctx, "one", &memory.Snapshot{Buffer: []byte("1"), Stream: []byte("1")}))
		require.NoError(t, b.Save(ctx, "two", &memory.Snapshot{Buffer: []byte("2"), Stream: []byte("2")}))

		got, err := b.Load(ctx, "one")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), got.Buffer)
	})

	t.Run("RejectsUnsafeIDs", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		err := b.Save(ctx, "../escape", &memory.Snapshot{})
		assert.ErrorIs(t, err, core.ErrInvalidConversationID)
		_, err = b.Load(ctx, "a/b")
		assert.ErrorIs(t, err, core.ErrInvalidConversationID)
	})
}
