package worker

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
	"github.com/bobarin/splitrender/internal/metrics"
	"github.com/bobarin/splitrender/internal/storage"
)

// Cleaner deletes intermediate chunk objects once the final video is stored.
type Cleaner struct {
	store   storage.BlobStore
	metrics *metrics.Collector
	logger  hclog.Logger
}

func NewCleaner(store storage.BlobStore, m *metrics.Collector, logger hclog.Logger) *Cleaner {
	return &Cleaner{
		store:   store,
		metrics: m,
		logger:  logging.OrDefault(logger).Named("cleanup"),
	}
}

// Cleanup deletes every object whose name contains pattern and returns how
// many were deleted. Individual delete failures are logged and skipped; the
// error is only set when listing fails.
func (c *Cleaner) Cleanup(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, fmt.Errorf("refusing to clean up with an empty pattern")
	}

	objects, err := c.store.List(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to list %q: %w", pattern, err)
	}

	deleted := 0
	for _, obj := range objects {
		if err := c.store.Delete(ctx, obj.Name); err != nil {
			c.logger.Warn("skipping object", "error", &CleanupError{Name: obj.Name, Err: err})
			continue
		}
		c.logger.Debug("deleted", "name", obj.Name, "id", obj.ID)
		deleted++
	}

	c.metrics.RecordCleanupDeleted(deleted)
	c.logger.Info("cleanup finished", "pattern", pattern, "deleted", deleted, "listed", len(objects))
	return deleted, nil
}
