// Package postgres implements storage.Store on PostgreSQL using lib/pq
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

const (
	discriminatorMessage   = "m"
	discriminatorTimestamp = "t"
)

// Schema creates the tables used by the store. Message and timestamp
// records share one table and one id sequence.
const Schema = `
CREATE TABLE IF NOT EXISTS logrecord (
	id                BIGSERIAL PRIMARY KEY,
	discriminator     CHAR(1) NOT NULL,
	time              TIMESTAMPTZ NOT NULL,
	archived          BOOLEAN NOT NULL DEFAULT FALSE,
	queryid           TEXT,
	message           TEXT,
	signature         TEXT,
	signaturehash     TEXT,
	peeridentifier    TEXT,
	response          BOOLEAN,
	hashchain         TEXT,
	hashchainresult   TEXT,
	timestamprecord   BIGINT REFERENCES logrecord(id),
	timestamp         BYTEA
);
CREATE INDEX IF NOT EXISTS ix_logrecord_unstamped ON logrecord (id) WHERE signaturehash IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_logrecord_archivable ON logrecord (id) WHERE archived = FALSE AND timestamprecord IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_logrecord_timestamprecord ON logrecord (timestamprecord);
CREATE TABLE IF NOT EXISTS last_archive_digest (
	id        INT PRIMARY KEY,
	digest    TEXT NOT NULL,
	filename  TEXT NOT NULL
);`

// Config holds PostgreSQL connection settings
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Store implements storage.Store using PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore opens the database, verifies the connection and creates the
// schema when missing.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening PostgreSQL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	return NewStoreWithDB(ctx, db)
}

// NewStoreWithDB wraps an open database
func NewStoreWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) SaveMessageRecord(ctx context.Context, rec *storage.MessageRecord) error {
	rec.Time = time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO logrecord (discriminator, time, archived, queryid, message, signature,
			signaturehash, peeridentifier, response, hashchain, hashchainresult)
		VALUES ($1, $2, FALSE, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		discriminatorMessage, rec.Time, rec.QueryID, rec.Message, rec.SignatureXML,
		nullString(rec.SignatureHash), rec.PeerIdentifier, rec.Response,
		nullString(rec.HashChain), nullString(rec.HashChainResult),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("saving message record: %w", err)
	}
	return nil
}

const messageColumns = `id, time, archived, queryid, message, signature, signaturehash,
	peeridentifier, response, hashchain, hashchainresult, timestamprecord`

func (s *Store) GetMessageRecord(ctx context.Context, id int64) (*storage.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM logrecord
		WHERE id = $1 AND discriminator = $2`, id, discriminatorMessage)
	rec, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) GetTimestampRecord(ctx context.Context, id int64) (*storage.TimestampRecord, error) {
	var ts storage.TimestampRecord
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, time, archived, timestamp, hashchainresult
		FROM logrecord WHERE id = $1 AND discriminator = $2`, id, discriminatorTimestamp).
		Scan(&ts.ID, &ts.Time, &ts.Archived, &ts.Timestamp, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting timestamp record: %w", err)
	}
	ts.HashChainResult = result.String
	return &ts, nil
}

func (s *Store) UntimestampedRecords(ctx context.Context, limit int) ([]*storage.MessageRecord, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM logrecord
		WHERE discriminator = $1 AND signaturehash IS NOT NULL
		ORDER BY id LIMIT $2`, discriminatorMessage, limit)
}

func (s *Store) SaveTimestampRecord(ctx context.Context, ts *storage.TimestampRecord, recordIDs []int64, hashChains []string) error {
	if len(hashChains) > 0 && len(hashChains) != len(recordIDs) {
		return fmt.Errorf("got %d hash chains for %d records", len(hashChains), len(recordIDs))
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts.Time = time.Now()
		err := tx.QueryRowContext(ctx, `
			INSERT INTO logrecord (discriminator, time, archived, timestamp, hashchainresult)
			VALUES ($1, $2, FALSE, $3, $4) RETURNING id`,
			discriminatorTimestamp, ts.Time, ts.Timestamp, nullString(ts.HashChainResult),
		).Scan(&ts.ID)
		if err != nil {
			return fmt.Errorf("saving timestamp record: %w", err)
		}

		var associated int64
		if len(hashChains) == 0 {
			res, err := tx.ExecContext(ctx, `UPDATE logrecord SET timestamprecord = $1, signaturehash = NULL
				WHERE id = ANY($2) AND timestamprecord IS NULL`, ts.ID, pq.Array(recordIDs))
			if err != nil {
				return fmt.Errorf("associating message records: %w", err)
			}
			if associated, err = res.RowsAffected(); err != nil {
				return err
			}
		} else {
			stmt, err := tx.PrepareContext(ctx, `UPDATE logrecord SET timestamprecord = $1, signaturehash = NULL,
				hashchain = $2, hashchainresult = $3 WHERE id = $4 AND timestamprecord IS NULL`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for i, id := range recordIDs {
				res, err := stmt.ExecContext(ctx, ts.ID, hashChains[i], ts.HashChainResult, id)
				if err != nil {
					return fmt.Errorf("associating message record %d: %w", id, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				associated += n
			}
		}

		// rolls back the insert
		if associated == 0 {
			return storage.ErrAlreadyTimestamped
		}
		return nil
	})
	if err != nil {
		ts.ID = 0
	}
	return err
}

func (s *Store) MaxArchivableID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM logrecord
		WHERE discriminator = $1 AND archived = FALSE AND timestamprecord IS NOT NULL`,
		discriminatorMessage).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("getting max archivable id: %w", err)
	}
	return max.Int64, nil
}

func (s *Store) ArchivableRecords(ctx context.Context, maxID int64, limit int) ([]*storage.MessageRecord, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM logrecord
		WHERE discriminator = $1 AND archived = FALSE AND timestamprecord IS NOT NULL AND id <= $2
		ORDER BY id LIMIT $3`, discriminatorMessage, maxID, limit)
}

func (s *Store) LastDigest(ctx context.Context) (*storage.DigestEntry, error) {
	var d storage.DigestEntry
	err := s.db.QueryRowContext(ctx, `SELECT digest, filename FROM last_archive_digest WHERE id = 1`).
		Scan(&d.Digest, &d.FileName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting last digest: %w", err)
	}
	return &d, nil
}

func (s *Store) CommitArchive(ctx context.Context, recordIDs []int64, digest *storage.DigestEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if len(recordIDs) > 0 {
			_, err := tx.ExecContext(ctx, `UPDATE logrecord SET archived = TRUE WHERE id = ANY($1)`, pq.Array(recordIDs))
			if err != nil {
				return fmt.Errorf("marking records archived: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE logrecord t SET archived = TRUE
			WHERE t.discriminator = $1 AND t.archived = FALSE AND NOT EXISTS (
				SELECT 1 FROM logrecord m WHERE m.archived = FALSE AND m.timestamprecord = t.id)`,
			discriminatorTimestamp)
		if err != nil {
			return fmt.Errorf("marking timestamp records archived: %w", err)
		}

		if digest != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO last_archive_digest (id, digest, filename) VALUES (1, $1, $2)
				ON CONFLICT (id) DO UPDATE SET digest = EXCLUDED.digest, filename = EXCLUDED.filename`,
				digest.Digest, digest.FileName)
			if err != nil {
				return fmt.Errorf("saving archive digest: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteArchived(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// message records first, they reference timestamp records
		for _, disc := range []string{discriminatorMessage, discriminatorTimestamp} {
			res, err := tx.ExecContext(ctx, `DELETE FROM logrecord
				WHERE discriminator = $1 AND archived = TRUE AND time < $2`, disc, before)
			if err != nil {
				if isForeignKeyViolation(err) {
					return fmt.Errorf("timestamp record still referenced: %w", err)
				}
				return fmt.Errorf("deleting archived records: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	return removed, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*storage.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying message records: %w", err)
	}
	defer rows.Close()

	var out []*storage.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*storage.MessageRecord, error) {
	var rec storage.MessageRecord
	var sigHash, chain, chainResult sql.NullString
	var tsID sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Time, &rec.Archived, &rec.QueryID, &rec.Message, &rec.SignatureXML,
		&sigHash, &rec.PeerIdentifier, &rec.Response, &chain, &chainResult, &tsID)
	if err != nil {
		return nil, err
	}
	rec.SignatureHash = sigHash.String
	rec.HashChain = chain.String
	rec.HashChainResult = chainResult.String
	rec.TimestampRecordID = tsID.Int64
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

var _ storage.Store = (*Store)(nil)
