package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/splitrender/internal/planner"
)

func TestCleanupDeletesOnlyChunksOfBase(t *testing.T) {
	store := newMemStore()
	store.put("game.mp4", "final")
	store.put("game.mp4_chunk_0_249", "a")
	store.put("game.mp4_chunk_250_499", "b")
	store.put("other.mp4_chunk_0_249", "c")
	store.put("other.mp4", "d")

	n, err := NewCleaner(store, nil, nil).Cleanup(context.Background(), planner.ChunkPattern("game.mp4"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"game.mp4", "other.mp4", "other.mp4_chunk_0_249"}, store.names())
}

func TestCleanupSkipsFailedDeletes(t *testing.T) {
	store := newMemStore()
	store.put("x_chunk_0_9", "a")
	store.put("x_chunk_10_19", "b")
	store.deleteErrs["x_chunk_0_9"] = errors.New("403 forbidden")

	n, err := NewCleaner(store, nil, nil).Cleanup(context.Background(), "x_chunk_")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"x_chunk_0_9"}, store.names())
	assert.Len(t, store.deletes, 2, "every listed object is attempted")
}

func TestCleanupListFailure(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("timeout")

	_, err := NewCleaner(store, nil, nil).Cleanup(context.Background(), "x_chunk_")
	assert.ErrorContains(t, err, "timeout")
}

func TestCleanupRejectsEmptyPattern(t *testing.T) {
	store := newMemStore()
	store.put("keep", "a")

	_, err := NewCleaner(store, nil, nil).Cleanup(context.Background(), "")
	assert.Error(t, err)
	assert.Equal(t, []string{"keep"}, store.names())
}

func TestCleanupErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := &CleanupError{Name: "x_chunk_0_9", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "x_chunk_0_9")
}
