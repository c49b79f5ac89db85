package messagelog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// DefaultKeepRecordsFor is the default retention of archived records
const DefaultKeepRecordsFor = 30 * 24 * time.Hour

// Cleaner removes archived records past the retention period
type Cleaner struct {
	store   storage.ArchiveStore
	keep    time.Duration
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewCleaner creates a cleaner keeping archived records for keep
func NewCleaner(store storage.ArchiveStore, keep time.Duration, logger *zap.Logger, m *metrics.Recorder) *Cleaner {
	if keep <= 0 {
		keep = DefaultKeepRecordsFor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: store, keep: keep, logger: logger, metrics: m, now: time.Now}
}

// Run deletes archived records older than the retention period
func (c *Cleaner) Run(ctx context.Context) error {
	before := c.now().Add(-c.keep)
	n, err := c.store.DeleteArchived(ctx, before)
	if err != nil {
		return fmt.Errorf("removing archived records: %w", err)
	}
	c.metrics.ObserveCleaned(n)
	if n > 0 {
		c.logger.Info("removed archived records", zap.Int64("count", n), zap.Time("before", before))
	}
	return nil
}
