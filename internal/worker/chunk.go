package worker

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/metrics"
	"github.com/bobarin/splitrender/internal/models"
	"github.com/bobarin/splitrender/internal/planner"
	"github.com/bobarin/splitrender/internal/storage"
)

// RenderWorker renders a composition to a local file. services.RemotionRenderer
// is the production implementation.
type RenderWorker interface {
	// Render only returns a path once the file there is complete.
	Render(ctx context.Context, compositionID string, props map[string]interface{}, outputName string) (string, error)
	// FinishedRender returns a complete render of outputName left by an
	// earlier attempt. Files from renders that did not finish are ignored.
	FinishedRender(outputName string) (string, bool)
	Discard(outputName string) error
}

// ChunkJob renders one chunk and stores it under the chunk's output name.
// Running it again for a chunk that is already stored is a no-op.
type ChunkJob struct {
	store     storage.BlobStore
	renderer  RenderWorker
	metrics   *metrics.Collector
	logger    hclog.Logger
	uploadSem chan struct{} // Limits concurrent uploads to prevent storage congestion
}

func NewChunkJob(store storage.BlobStore, renderer RenderWorker, m *metrics.Collector, logger hclog.Logger) *ChunkJob {
	return &ChunkJob{
		store:     store,
		renderer:  renderer,
		metrics:   m,
		logger:    logging.OrDefault(logger).Named("chunk"),
		uploadSem: make(chan struct{}, 4),
	}
}

// Run implements dispatch.Runner.
func (j *ChunkJob) Run(ctx context.Context, task models.ChunkTask) (result models.ChunkJobResult) {
	finished := j.metrics.ChunkStarted()
	defer func() { finished(result) }()

	spec := task.Chunk
	if spec.OutputName == "" {
		spec.OutputName = planner.ChunkName(task.Request.OutputFileName, spec.StartFrame, spec.EndFrame)
	}
	log := j.logger.With("chunk", spec.String(), "output", spec.OutputName)

	exists, _, err := j.store.Exists(ctx, spec.OutputName)
	if err != nil {
		log.Error("existence check failed", "error", err)
		return failedResult(spec, fmt.Errorf("chunk %s: failed to check for %s: %w", spec, spec.OutputName, err))
	}
	if exists {
		log.Info("chunk already stored, skipping render")
		return models.ChunkJobResult{
			Chunk:      spec,
			OutputName: spec.OutputName,
			Status:     models.ChunkStatusCompleted,
			Skipped:    true,
		}
	}

	localPath, reused := j.renderer.FinishedRender(spec.OutputName)
	if reused {
		// Left behind by an earlier attempt whose upload failed
		log.Info("reusing local render", "path", localPath)
	} else {
		props := task.Request.PropsWithRange(spec.StartFrame, spec.EndFrame)
		localPath, err = j.renderer.Render(ctx, task.Request.CompositionName, props, spec.OutputName)
		if err != nil {
			log.Error("render failed", "error", err)
			return failedResult(spec, &ChunkRenderError{Chunk: spec, OutputName: spec.OutputName, Err: err})
		}
	}

	err = j.uploadWithLimit(ctx, spec.OutputName, func() error {
		_, err := j.store.Upload(ctx, localPath, spec.OutputName)
		return err
	})
	if err != nil {
		log.Error("upload failed, keeping local render", "path", localPath, "error", err)
		return failedResult(spec, &ChunkUploadError{Chunk: spec, OutputName: spec.OutputName, LocalPath: localPath, Err: err})
	}

	if err := j.renderer.Discard(spec.OutputName); err != nil {
		log.Warn("failed to remove local render", "path", localPath, "error", err)
	}

	log.Info("chunk completed")
	return models.ChunkJobResult{
		Chunk:      spec,
		OutputName: spec.OutputName,
		Status:     models.ChunkStatusCompleted,
	}
}

// uploadWithLimit wraps an upload call with a semaphore so a burst of
// finishing chunks does not saturate the storage connection.
func (j *ChunkJob) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	j.logger.Trace("waiting for upload slot", "output", label)
	select {
	case j.uploadSem <- struct{}{}:
		// Acquired slot
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-j.uploadSem }()

	return fn()
}
