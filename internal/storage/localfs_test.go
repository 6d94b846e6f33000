package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFSRoundTrip(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ok, _, err := store.Exists(ctx, "final.mp4")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := store.Upload(ctx, writeTemp(t, "frames"), "final.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size)

	ok, meta, err := store.Exists(ctx, "final.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "final.mp4", meta.Name)

	dst := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, store.Download(ctx, "final.mp4", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}

func TestLocalFSNestedNamesAndList(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"renders/a_chunk_0_9", "renders/a_chunk_10_19", "renders/a", "b_chunk_0_9"} {
		_, err := store.Upload(ctx, writeTemp(t, name), name)
		require.NoError(t, err)
	}

	got, err := store.List(ctx, "a_chunk_")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "renders/a_chunk_0_9", got[0].Name)
	assert.Equal(t, "renders/a_chunk_10_19", got[1].Name)
}

func TestLocalFSMissingObjects(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Download(ctx, "missing", filepath.Join(t.TempDir(), "x"))
	assert.True(t, errors.Is(err, ErrNotFound))

	err = store.Delete(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalFSRejectsEscapingNames(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), writeTemp(t, "x"), "../outside")
	assert.Error(t, err)

	_, _, err = store.Exists(context.Background(), "")
	assert.Error(t, err)
}
