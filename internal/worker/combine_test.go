package worker

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/splitrender/internal/storage"
)

func TestCombineRoundTrip(t *testing.T) {
	store := newMemStore()
	names := []string{"game.mp4_chunk_0_249", "game.mp4_chunk_250_499", "game.mp4_chunk_500_749", "game.mp4_chunk_750_999"}
	contents := []string{"AAAA", "BBB", "CC", "D"}
	for i, n := range names {
		store.put(n, contents[i])
	}
	scratch := t.TempDir()
	c := NewCombiner(store, &byteConcat{}, scratch, nil, nil)

	artifact, err := c.Combine(context.Background(), names, "game.mp4")
	require.NoError(t, err)
	assert.Equal(t, "game.mp4", artifact.Name)
	assert.Equal(t, int64(10), artifact.Size)
	assert.Equal(t, 4, artifact.ChunkCount)

	final, ok := store.get("game.mp4")
	require.True(t, ok)
	assert.Equal(t, "AAAABBBCCD", final)

	// chunks untouched
	for i, n := range names {
		got, _ := store.get(n)
		assert.Equal(t, contents[i], got)
	}

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch space is removed")
}

func TestCombineKeepsGivenOrder(t *testing.T) {
	store := newMemStore()
	store.put("b", "second")
	store.put("a", "first")
	c := NewCombiner(store, &byteConcat{}, t.TempDir(), nil, nil)

	_, err := c.Combine(context.Background(), []string{"b", "a"}, "out.mp4")
	require.NoError(t, err)
	final, _ := store.get("out.mp4")
	assert.Equal(t, "secondfirst", final)
}

func TestCombineMissingChunk(t *testing.T) {
	store := newMemStore()
	store.put("game.mp4_chunk_0_249", "AAAA")
	concat := &byteConcat{}
	scratch := t.TempDir()
	c := NewCombiner(store, concat, scratch, nil, nil)

	_, err := c.Combine(context.Background(), []string{"game.mp4_chunk_0_249", "game.mp4_chunk_250_499"}, "game.mp4")
	require.Error(t, err)

	var combineErr *CombineError
	require.True(t, errors.As(err, &combineErr))
	assert.Equal(t, "game.mp4_chunk_250_499", combineErr.Chunk)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.Equal(t, 0, concat.callCount())
	_, ok := store.get("game.mp4")
	assert.False(t, ok)
	_, ok = store.get("game.mp4_chunk_0_249")
	assert.True(t, ok, "chunks are preserved after a failed combine")

	entries, _ := os.ReadDir(scratch)
	assert.Empty(t, entries)
}

func TestCombineRejectsEmptyAndCorruptChunks(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		store := newMemStore()
		store.put("a", "")
		c := NewCombiner(store, &byteConcat{}, t.TempDir(), nil, nil)

		_, err := c.Combine(context.Background(), []string{"a"}, "out.mp4")
		var combineErr *CombineError
		require.True(t, errors.As(err, &combineErr))
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("corrupt", func(t *testing.T) {
		store := newMemStore()
		store.put("a", "fine")
		store.put("b", "corrupt bytes")
		concat := &probingConcat{}
		c := NewCombiner(store, concat, t.TempDir(), nil, nil)

		_, err := c.Combine(context.Background(), []string{"a", "b"}, "out.mp4")
		var combineErr *CombineError
		require.True(t, errors.As(err, &combineErr))
		assert.Equal(t, "b", combineErr.Chunk)
		assert.Equal(t, 0, concat.callCount())
	})
}

func TestCombineConcatAndUploadFailures(t *testing.T) {
	t.Run("concat", func(t *testing.T) {
		store := newMemStore()
		store.put("a", "x")
		c := NewCombiner(store, &byteConcat{err: errors.New("Non-monotonous DTS")}, t.TempDir(), nil, nil)

		_, err := c.Combine(context.Background(), []string{"a"}, "out.mp4")
		var combineErr *CombineError
		require.True(t, errors.As(err, &combineErr))
		assert.Contains(t, err.Error(), "Non-monotonous DTS")
	})

	t.Run("upload", func(t *testing.T) {
		store := newMemStore()
		store.put("a", "x")
		store.uploadErrs["out.mp4"] = errors.New("payload too large")
		c := NewCombiner(store, &byteConcat{}, t.TempDir(), nil, nil)

		_, err := c.Combine(context.Background(), []string{"a"}, "out.mp4")
		var combineErr *CombineError
		require.True(t, errors.As(err, &combineErr))
		assert.Contains(t, err.Error(), "payload too large")
	})

	t.Run("no chunks", func(t *testing.T) {
		c := NewCombiner(newMemStore(), &byteConcat{}, t.TempDir(), nil, nil)
		_, err := c.Combine(context.Background(), nil, "out.mp4")
		var combineErr *CombineError
		assert.True(t, errors.As(err, &combineErr))
	})
}
