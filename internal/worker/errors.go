package worker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bobarin/splitrender/internal/models"
)

// ChunkRenderError means the renderer failed for one chunk.
type ChunkRenderError struct {
	Chunk      models.ChunkSpec
	OutputName string
	Err        error
}

func (e *ChunkRenderError) Error() string {
	return fmt.Sprintf("chunk %s (%s) render failed: %v", e.Chunk, e.OutputName, e.Err)
}

func (e *ChunkRenderError) Unwrap() error { return e.Err }

// ChunkUploadError means a chunk rendered but could not be stored. The
// rendered file is left at LocalPath for the next attempt.
type ChunkUploadError struct {
	Chunk      models.ChunkSpec
	OutputName string
	LocalPath  string
	Err        error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("chunk %s (%s) upload failed, render kept at %s: %v", e.Chunk, e.OutputName, e.LocalPath, e.Err)
}

func (e *ChunkUploadError) Unwrap() error { return e.Err }

// CombineError is fatal to a run. Chunk objects are left in storage.
type CombineError struct {
	Base  string
	Chunk string // offending chunk object, when one is to blame
	Err   error
}

func (e *CombineError) Error() string {
	if e.Chunk != "" {
		return fmt.Sprintf("combine %s failed at chunk %s: %v", e.Base, e.Chunk, e.Err)
	}
	return fmt.Sprintf("combine %s failed: %v", e.Base, e.Err)
}

func (e *CombineError) Unwrap() error { return e.Err }

// CleanupError is logged and never fails a run.
type CleanupError struct {
	Name string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to delete %s: %v", e.Name, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// OrchestrationError reports every chunk of a run that did not complete.
type OrchestrationError struct {
	RunID  uuid.UUID
	Base   string
	Total  int
	Failed []models.ChunkJobResult
}

func (e *OrchestrationError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		cause := r.ErrorMessage
		if r.Err != nil {
			cause = r.Err.Error()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", r.Chunk, cause))
	}
	return fmt.Sprintf("render %s failed: %d of %d chunks failed: %s",
		e.Base, len(e.Failed), e.Total, strings.Join(parts, "; "))
}

// FailedChunks returns the chunk specs to re-dispatch.
func (e *OrchestrationError) FailedChunks() []models.ChunkSpec {
	specs := make([]models.ChunkSpec, 0, len(e.Failed))
	for _, r := range e.Failed {
		specs = append(specs, r.Chunk)
	}
	return specs
}

// Unwrap exposes each chunk's cause to errors.Is and errors.As.
func (e *OrchestrationError) Unwrap() []error {
	var errs []error
	for _, r := range e.Failed {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

func failedResult(spec models.ChunkSpec, err error) models.ChunkJobResult {
	return models.ChunkJobResult{
		Chunk:        spec,
		OutputName:   spec.OutputName,
		Status:       models.ChunkStatusFailed,
		ErrorMessage: err.Error(),
		Err:          err,
	}
}
