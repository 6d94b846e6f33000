package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/metrics"
	"github.com/bobarin/splitrender/internal/models"
	"github.com/bobarin/splitrender/internal/storage"
)

// Concatenator joins local video files in order into one file.
// services.FFmpegService implements it with the concat demuxer.
type Concatenator interface {
	ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error
}

// ChunkProber is implemented by concatenators that can tell a playable
// chunk from a corrupt one before concatenating.
type ChunkProber interface {
	GetVideoDuration(ctx context.Context, videoPath string) (int, error)
}

const defaultDownloadParallelism = 4

// Combiner downloads stored chunks, concatenates them and stores the result.
type Combiner struct {
	store       storage.BlobStore
	concat      Concatenator
	scratchDir  string
	parallelism int
	metrics     *metrics.Collector
	logger      hclog.Logger
}

func NewCombiner(store storage.BlobStore, concat Concatenator, scratchDir string, m *metrics.Collector, logger hclog.Logger) *Combiner {
	return &Combiner{
		store:       store,
		concat:      concat,
		scratchDir:  scratchDir,
		parallelism: defaultDownloadParallelism,
		metrics:     m,
		logger:      logging.OrDefault(logger).Named("combiner"),
	}
}

// Combine concatenates the chunk objects in the order given and uploads the
// result as base. Chunk objects are never modified. Every failure is a
// *CombineError.
func (c *Combiner) Combine(ctx context.Context, names []string, base string) (*models.CombinedArtifact, error) {
	if len(names) == 0 {
		return nil, &CombineError{Base: base, Err: fmt.Errorf("no chunks to combine")}
	}
	started := time.Now()

	if err := os.MkdirAll(c.scratchDir, 0755); err != nil {
		return nil, &CombineError{Base: base, Err: fmt.Errorf("failed to create scratch dir: %w", err)}
	}
	dir, err := os.MkdirTemp(c.scratchDir, "combine-*")
	if err != nil {
		return nil, &CombineError{Base: base, Err: fmt.Errorf("failed to create scratch dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	c.logger.Info("downloading chunks", "base", base, "chunks", len(names))

	// Each download owns its slot, so paths keep the order of names
	paths := make([]string, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			local := filepath.Join(dir, fmt.Sprintf("%05d.mp4", i))
			if err := c.fetch(gctx, name, local); err != nil {
				return &CombineError{Base: base, Chunk: name, Err: err}
			}
			paths[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := filepath.Join(dir, "combined"+outputExt(base))
	c.logger.Info("concatenating", "base", base, "chunks", len(paths))
	if err := c.concat.ConcatenateClips(ctx, paths, out); err != nil {
		return nil, &CombineError{Base: base, Err: err}
	}

	info, err := c.store.Upload(ctx, out, base)
	if err != nil {
		return nil, &CombineError{Base: base, Err: fmt.Errorf("failed to upload final video: %w", err)}
	}

	c.metrics.RecordCombine(time.Since(started))
	c.logger.Info("combined", "base", base, "bytes", info.Size, "took", time.Since(started).Round(time.Millisecond))

	return &models.CombinedArtifact{
		Name:       base,
		Size:       info.Size,
		ChunkCount: len(names),
	}, nil
}

func (c *Combiner) fetch(ctx context.Context, name, local string) error {
	if err := c.store.Download(ctx, name, local); err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}

	st, err := os.Stat(local)
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return fmt.Errorf("chunk is empty")
	}

	if prober, ok := c.concat.(ChunkProber); ok {
		if _, err := prober.GetVideoDuration(ctx, local); err != nil {
			return fmt.Errorf("chunk is not a readable video: %w", err)
		}
	}
	return nil
}

func outputExt(base string) string {
	if ext := filepath.Ext(base); ext != "" {
		return ext
	}
	return ".mp4"
}
