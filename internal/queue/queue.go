package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bobarin/splitrender/internal/models"
)

const (
	QueueRenderChunk = "queue:render_chunk"

	resultKeyPrefix = "result:render_chunk:"
)

type Queue struct {
	client    *redis.Client
	resultTTL time.Duration
}

func New(redisURL string, resultTTL time.Duration) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, resultTTL: resultTTL}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// ResultKey is the list a chunk's result is pushed to.
func ResultKey(taskID uuid.UUID) string {
	return resultKeyPrefix + taskID.String()
}

// EnqueueChunk pushes a chunk task for any consumer to pick up.
func (q *Queue) EnqueueChunk(ctx context.Context, task *models.ChunkTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk task: %w", err)
	}

	return q.client.RPush(ctx, QueueRenderChunk, data).Err()
}

// DequeueChunk blocks up to timeout for a task. It returns nil, nil when the
// queue stayed empty.
func (q *Queue) DequeueChunk(ctx context.Context, timeout time.Duration) (*models.ChunkTask, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueRenderChunk).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var task models.ChunkTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk task: %w", err)
	}

	return &task, nil
}

// PushResult publishes a chunk result under its task's result key. The key
// expires after the configured TTL so abandoned results do not pile up.
func (q *Queue) PushResult(ctx context.Context, taskID uuid.UUID, result *models.ChunkJobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk result: %w", err)
	}

	key := ResultKey(taskID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if q.resultTTL > 0 {
		pipe.Expire(ctx, key, q.resultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push result for task %s: %w", taskID, err)
	}
	return nil
}

// AwaitResult blocks until the task's result arrives or ctx is done.
func (q *Queue) AwaitResult(ctx context.Context, taskID uuid.UUID, pollTimeout time.Duration) (*models.ChunkJobResult, error) {
	key := ResultKey(taskID)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		reply, err := q.client.BLPop(ctx, pollTimeout, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to await result for task %s: %w", taskID, err)
		}
		if len(reply) != 2 {
			return nil, fmt.Errorf("unexpected redis response")
		}

		var result models.ChunkJobResult
		if err := json.Unmarshal([]byte(reply[1]), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk result: %w", err)
		}
		return &result, nil
	}
}

func (q *Queue) GetQueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueRenderChunk).Result()
}
