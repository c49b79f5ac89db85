package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// DefaultBatchSize is the number of records loaded from the store at once
const DefaultBatchSize = 10000

// Store is the part of the log store the archiver needs
type Store interface {
	storage.ArchiveStore
	GetTimestampRecord(ctx context.Context, id int64) (*storage.TimestampRecord, error)
}

// Config holds the archiver settings
type Config struct {
	Dir         string
	MaxFileSize int64
	BatchSize   int
}

// Archiver moves timestamped records into archive files
type Archiver struct {
	store    Store
	cfg      Config
	transfer Transfer
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

// Option configures an Archiver
type Option func(*Archiver)

// WithTransfer runs t on every archive file once it is committed
func WithTransfer(t Transfer) Option {
	return func(a *Archiver) { a.transfer = t }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Archiver) { a.metrics = m }
}

// NewArchiver creates an archiver writing to cfg.Dir
func NewArchiver(store Store, cfg Config, opts ...Option) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	a := &Archiver{store: store, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run archives every record that was timestamped when the run started.
// Each finished file is committed together with its digest, so the digest
// chain in the store always matches the files on disk.
func (a *Archiver) Run(ctx context.Context) error {
	maxID, err := a.store.MaxArchivableID(ctx)
	if err != nil {
		return fmt.Errorf("finding archivable records: %w", err)
	}
	if maxID == 0 {
		return nil
	}

	last, err := a.store.LastDigest(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		last = &storage.DigestEntry{}
	case err != nil:
		return fmt.Errorf("loading last archive digest: %w", err)
	}

	w := NewWriter(a.cfg.Dir, a.cfg.MaxFileSize, *last)
	defer func() { w.Abort() }()

	var (
		inFile []int64
		total  int
		tsRecs = make(map[int64]*storage.TimestampRecord)
	)
	commit := func(entry *storage.DigestEntry, ids []int64) error {
		if err := a.store.CommitArchive(ctx, ids, entry); err != nil {
			return fmt.Errorf("committing archive %s: %w", entry.FileName, err)
		}
		total += len(ids)
		a.logger.Info("archived records",
			zap.String("file", entry.FileName),
			zap.Int("records", len(ids)))
		a.runTransfer(ctx, filepath.Join(a.cfg.Dir, entry.FileName))
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := a.store.ArchivableRecords(ctx, maxID, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("loading archivable records: %w", err)
		}

		for _, rec := range batch {
			ts, err := a.timestampRecord(ctx, tsRecs, rec.TimestampRecordID)
			if err != nil {
				return err
			}
			rotated, err := w.Write(rec, ts)
			if err != nil {
				return err
			}
			if rotated != nil {
				if err := commit(rotated, inFile); err != nil {
					return err
				}
				inFile = nil
			}
			inFile = append(inFile, rec.ID)
		}

		if len(batch) < a.cfg.BatchSize {
			break
		}
		// Records of this batch are still unarchived in the store until their
		// file is committed, so the file is finished before the next query.
		entry, err := w.Close()
		if err != nil {
			return err
		}
		if entry != nil {
			if err := commit(entry, inFile); err != nil {
				return err
			}
		}
		inFile = nil
		w = NewWriter(a.cfg.Dir, a.cfg.MaxFileSize, w.Last())
	}

	entry, err := w.Close()
	if err != nil {
		return err
	}
	if entry != nil {
		if err := commit(entry, inFile); err != nil {
			return err
		}
	}
	a.metrics.ObserveArchived(total)
	return nil
}

func (a *Archiver) timestampRecord(ctx context.Context, cache map[int64]*storage.TimestampRecord, id int64) (*storage.TimestampRecord, error) {
	if ts, ok := cache[id]; ok {
		return ts, nil
	}
	ts, err := a.store.GetTimestampRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading timestamp record %d: %w", id, err)
	}
	cache[id] = ts
	return ts, nil
}

func (a *Archiver) runTransfer(ctx context.Context, path string) {
	if a.transfer == nil {
		return
	}
	err := a.transfer.Transfer(ctx, path)
	a.metrics.ObserveArchiveTransfer(err)
	if err != nil {
		a.logger.Error("archive transfer failed", zap.String("file", path), zap.Error(err))
	}
}
