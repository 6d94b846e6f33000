package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/dispatch"
	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/models"
)

// ChunkQueue is the consumer side of queue.Queue.
type ChunkQueue interface {
	DequeueChunk(ctx context.Context, timeout time.Duration) (*models.ChunkTask, error)
	PushResult(ctx context.Context, taskID uuid.UUID, result *models.ChunkJobResult) error
}

// Consumer pulls chunk tasks dispatched through redis, runs them and pushes
// each result back for the orchestrator that is joining on it.
type Consumer struct {
	queue       ChunkQueue
	runner      dispatch.Runner
	pollTimeout time.Duration
	retryDelay  time.Duration
	logger      hclog.Logger
}

func NewConsumer(q ChunkQueue, runner dispatch.Runner, logger hclog.Logger) *Consumer {
	return &Consumer{
		queue:       q,
		runner:      runner,
		pollTimeout: 5 * time.Second,
		retryDelay:  time.Second,
		logger:      logging.OrDefault(logger).Named("consumer"),
	}
}

// Start processes tasks with the given concurrency until ctx is done, then
// waits for the tasks in progress.
func (c *Consumer) Start(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	c.logger.Info("consumer started", "concurrency", concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.processQueue(ctx)
		}()
	}

	<-ctx.Done()
	c.logger.Info("consumer shutting down")
	wg.Wait()
}

func (c *Consumer) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			task, err := c.queue.DequeueChunk(ctx, c.pollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("error dequeuing", "error", err)
				select {
				case <-time.After(c.retryDelay):
				case <-ctx.Done():
				}
				continue
			}

			if task == nil {
				continue // No job available, retry
			}

			c.handle(ctx, task)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, task *models.ChunkTask) {
	log := c.logger.With("task", task.TaskID, "run_id", task.RunID, "chunk", task.Chunk.String())
	log.Info("processing chunk")

	result := c.runner.Run(ctx, *task)
	if result.Err != nil && result.ErrorMessage == "" {
		result.ErrorMessage = result.Err.Error()
	}

	// The result must reach the joiner even while shutting down
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.queue.PushResult(pushCtx, task.TaskID, &result); err != nil {
		log.Error("failed to push result", "error", err)
		return
	}

	if result.Completed() {
		log.Info("chunk completed", "skipped", result.Skipped)
	} else {
		log.Warn("chunk failed", "error", result.ErrorMessage)
	}
}
