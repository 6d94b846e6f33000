// Package dispatch hands chunk jobs to whatever executes them and hands back
// a handle to join on. The orchestrator only sees Dispatcher and Handle.
package dispatch

import (
	"context"
	"errors"

	"github.com/bobarin/splitrender/internal/models"
)

// ErrDispatcherClosed is returned by Spawn after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// ErrJoinTimeout is returned by Join when a chunk's result does not arrive
// within the dispatcher's join timeout.
var ErrJoinTimeout = errors.New("timed out waiting for chunk result")

// Runner executes one chunk task to completion. A failed chunk is reported
// in the result, never as a panic or a separate error.
type Runner interface {
	Run(ctx context.Context, task models.ChunkTask) models.ChunkJobResult
}

// Handle is a spawned chunk job.
type Handle interface {
	Task() models.ChunkTask
	// Join blocks until the job's result is available or ctx is done.
	Join(ctx context.Context) (models.ChunkJobResult, error)
}

// Dispatcher starts chunk jobs without waiting for them.
type Dispatcher interface {
	Spawn(ctx context.Context, task models.ChunkTask) (Handle, error)
	Close() error
}
