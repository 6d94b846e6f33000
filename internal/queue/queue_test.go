package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/splitrender/internal/models"
)

// newTestQueue connects to TEST_REDIS_URL. The tests are skipped without one.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	q, err := New(url, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.client.Del(context.Background(), QueueRenderChunk)
		q.Close()
	})
	q.client.Del(context.Background(), QueueRenderChunk)
	return q
}

func TestResultKey(t *testing.T) {
	id := uuid.MustParse("7a1d6c02-6a43-4c3e-8f43-1b0e5f3c9d21")
	assert.Equal(t, "result:render_chunk:7a1d6c02-6a43-4c3e-8f43-1b0e5f3c9d21", ResultKey(id))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url", time.Minute)
	assert.Error(t, err)
}

func TestEnqueueDequeueChunk(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task := &models.ChunkTask{
		TaskID: uuid.New(),
		RunID:  uuid.New(),
		Chunk:  models.ChunkSpec{StartFrame: 250, EndFrame: 499, OutputName: "game.mp4_chunk_250_499"},
		Request: models.RenderRequest{
			OutputFileName:  "game.mp4",
			CompositionName: "Highlights",
			Props:           models.JSONB{"title": "finals"},
		},
	}
	require.NoError(t, q.EnqueueChunk(ctx, task))

	n, err := q.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.DequeueChunk(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, task.Chunk, got.Chunk)
	assert.Equal(t, "finals", got.Request.Props["title"])
}

func TestDequeueChunkEmpty(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.DequeueChunk(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPushAndAwaitResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	taskID := uuid.New()
	t.Cleanup(func() { q.client.Del(context.Background(), ResultKey(taskID)) })

	go func() {
		time.Sleep(100 * time.Millisecond)
		q.PushResult(ctx, taskID, &models.ChunkJobResult{
			Chunk:        models.ChunkSpec{StartFrame: 500, EndFrame: 749},
			OutputName:   "game.mp4_chunk_500_749",
			Status:       models.ChunkStatusFailed,
			ErrorMessage: "render failed",
		})
	}()

	res, err := q.AwaitResult(ctx, taskID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ChunkStatusFailed, res.Status)
	assert.Equal(t, "render failed", res.ErrorMessage)

	ttl, err := q.client.TTL(ctx, ResultKey(taskID)).Result()
	require.NoError(t, err)
	// the list is gone once its only element was popped
	assert.True(t, ttl < 0)
}

func TestAwaitResultHonorsContext(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := q.AwaitResult(ctx, uuid.New(), 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
