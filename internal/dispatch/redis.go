package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/models"
)

// TaskQueue is the part of queue.Queue the Redis dispatcher needs.
type TaskQueue interface {
	EnqueueChunk(ctx context.Context, task *models.ChunkTask) error
	AwaitResult(ctx context.Context, taskID uuid.UUID, pollTimeout time.Duration) (*models.ChunkJobResult, error)
}

// Redis pushes chunk tasks onto the shared queue for consumer processes and
// joins by waiting on each task's result key. A consumer that dies holding a
// task never answers, so every join is bounded by joinTimeout counted from
// the spawn.
type Redis struct {
	queue       TaskQueue
	pollTimeout time.Duration
	joinTimeout time.Duration
	closed      atomic.Bool
	logger      hclog.Logger
}

// NewRedis builds a dispatcher on q. A zero joinTimeout waits forever.
func NewRedis(q TaskQueue, joinTimeout time.Duration, logger hclog.Logger) *Redis {
	return &Redis{
		queue:       q,
		pollTimeout: 5 * time.Second,
		joinTimeout: joinTimeout,
		logger:      logging.OrDefault(logger).Named("dispatch"),
	}
}

type redisHandle struct {
	task     models.ChunkTask
	queue    TaskQueue
	poll     time.Duration
	timeout  time.Duration
	deadline time.Time
}

func (h *redisHandle) Task() models.ChunkTask { return h.task }

func (h *redisHandle) Join(ctx context.Context) (models.ChunkJobResult, error) {
	waitCtx := ctx
	if !h.deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, h.deadline)
		defer cancel()
	}

	res, err := h.queue.AwaitResult(waitCtx, h.task.TaskID, h.poll)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return models.ChunkJobResult{}, fmt.Errorf("chunk %s: %w after %s", h.task.Chunk, ErrJoinTimeout, h.timeout)
		}
		return models.ChunkJobResult{}, err
	}
	if res.Status == models.ChunkStatusFailed && res.Err == nil {
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("chunk %s failed", h.task.Chunk)
		}
		res.Err = errors.New(msg)
	}
	return *res, nil
}

func (r *Redis) Spawn(ctx context.Context, task models.ChunkTask) (Handle, error) {
	if r.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}

	if err := r.queue.EnqueueChunk(ctx, &task); err != nil {
		return nil, fmt.Errorf("failed to enqueue chunk %s: %w", task.Chunk, err)
	}
	r.logger.Debug("enqueued chunk", "chunk", task.Chunk.String(), "task", task.TaskID)

	h := &redisHandle{task: task, queue: r.queue, poll: r.pollTimeout, timeout: r.joinTimeout}
	if r.joinTimeout > 0 {
		h.deadline = time.Now().Add(r.joinTimeout)
	}
	return h, nil
}

// Close rejects new spawns. Tasks already queued stay with the consumers.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
