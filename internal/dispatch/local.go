package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/models"
)

// Local runs chunk jobs on goroutines in this process, at most maxConcurrent
// at a time. Spawned jobs past the limit wait for a slot.
type Local struct {
	runner Runner
	sem    chan struct{}
	logger hclog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(runner Runner, maxConcurrent int, logger hclog.Logger) *Local {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Local{
		runner: runner,
		sem:    make(chan struct{}, maxConcurrent),
		logger: logging.OrDefault(logger).Named("dispatch"),
	}
}

type localHandle struct {
	task   models.ChunkTask
	done   chan struct{}
	result models.ChunkJobResult
}

func (h *localHandle) Task() models.ChunkTask { return h.task }

func (h *localHandle) Join(ctx context.Context) (models.ChunkJobResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return models.ChunkJobResult{}, ctx.Err()
	}
}

func (l *Local) Spawn(ctx context.Context, task models.ChunkTask) (Handle, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()

	h := &localHandle{task: task, done: make(chan struct{})}
	go func() {
		defer l.wg.Done()
		defer close(h.done)
		h.result = l.execute(ctx, task)
	}()

	return h, nil
}

func (l *Local) execute(ctx context.Context, task models.ChunkTask) (result models.ChunkJobResult) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return models.ChunkJobResult{
			Chunk:        task.Chunk,
			OutputName:   task.Chunk.OutputName,
			Status:       models.ChunkStatusFailed,
			ErrorMessage: fmt.Sprintf("cancelled while waiting for a slot: %v", ctx.Err()),
			Err:          ctx.Err(),
		}
	}
	defer func() { <-l.sem }()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("chunk job panicked", "chunk", task.Chunk.String(), "panic", r)
			err := fmt.Errorf("chunk %s panicked: %v", task.Chunk, r)
			result = models.ChunkJobResult{
				Chunk:        task.Chunk,
				OutputName:   task.Chunk.OutputName,
				Status:       models.ChunkStatusFailed,
				ErrorMessage: err.Error(),
				Err:          err,
			}
		}
	}()

	l.logger.Debug("running chunk", "chunk", task.Chunk.String(), "task", task.TaskID)
	return l.runner.Run(ctx, task)
}

// Close rejects new spawns and waits for running jobs to finish.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
