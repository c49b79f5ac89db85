// Package storage provides the message log store interface and its
// implementations.
//
// # Interface Design
//
// The log store holds two kinds of log records:
//
//   - [MessageRecord]: a signed request or response as sent or received
//   - [TimestampRecord]: an RFC 3161 token covering one or more message records
//
// plus the [DigestEntry] of the last archive file written.
//
// Every method is one atomic operation: implementations run it in a single
// transaction so no partial write is ever visible.
//
// # Implementations
//
// The memory sub-package is used in tests and single node setups without a
// database. The postgres sub-package uses lib/pq, the mongodb sub-package
// the official MongoDB driver.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrAlreadyTimestamped is returned by SaveTimestampRecord when every
// record it was asked to associate already has a timestamp. Nothing is
// saved in that case.
var ErrAlreadyTimestamped = errors.New("records already timestamped")

// Store is the message log store
type Store interface {
	LogStore
	ArchiveStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// LogStore persists and timestamps message records
type LogStore interface {
	// SaveMessageRecord stores a new message record, assigning ID and Time.
	SaveMessageRecord(ctx context.Context, rec *MessageRecord) error

	// GetMessageRecord retrieves a message record by ID
	GetMessageRecord(ctx context.Context, id int64) (*MessageRecord, error)

	// GetTimestampRecord retrieves a timestamp record by ID
	GetTimestampRecord(ctx context.Context, id int64) (*TimestampRecord, error)

	// UntimestampedRecords returns up to limit message records without a
	// timestamp, oldest first.
	UntimestampedRecords(ctx context.Context, limit int) ([]*MessageRecord, error)

	// SaveTimestampRecord stores ts and associates it with the message
	// records in recordIDs, clearing their signature hash. hashChains is
	// either empty or holds one hash chain per record, in the same order.
	// Records timestamped in the meantime are left untouched; when that is
	// all of them the call fails with ErrAlreadyTimestamped and ts is not
	// stored.
	SaveTimestampRecord(ctx context.Context, ts *TimestampRecord, recordIDs []int64, hashChains []string) error
}

// ArchiveStore selects, marks and removes archived records
type ArchiveStore interface {
	// MaxArchivableID returns the highest ID of a timestamped, unarchived
	// message record, or 0 when there is none.
	MaxArchivableID(ctx context.Context) (int64, error)

	// ArchivableRecords returns up to limit timestamped, unarchived message
	// records with ID <= maxID, in ID order.
	ArchivableRecords(ctx context.Context, maxID int64, limit int) ([]*MessageRecord, error)

	// LastDigest returns the digest of the last archive file, or
	// ErrNotFound before the first archive is written.
	LastDigest(ctx context.Context) (*DigestEntry, error)

	// CommitArchive marks recordIDs archived, then every timestamp record
	// with no unarchived message record left, and stores digest when it is
	// not nil.
	CommitArchive(ctx context.Context, recordIDs []int64, digest *DigestEntry) error

	// DeleteArchived removes archived records older than before and returns
	// how many were removed. Unarchived records are never removed.
	DeleteArchived(ctx context.Context, before time.Time) (int64, error)
}
