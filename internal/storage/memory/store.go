// Package memory implements storage.Store in process memory
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// Store keeps log records in maps guarded by one mutex. Each method holds
// the lock for its whole duration, which makes it atomic.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	messages   map[int64]*storage.MessageRecord
	timestamps map[int64]*storage.TimestampRecord
	digest     *storage.DigestEntry
	now        func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		messages:   make(map[int64]*storage.MessageRecord),
		timestamps: make(map[int64]*storage.TimestampRecord),
		now:        time.Now,
	}
}

// SetClock replaces the clock used to stamp new records
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) SaveMessageRecord(ctx context.Context, rec *storage.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	rec.Time = s.now()
	cp := *rec
	s.messages[rec.ID] = &cp
	return nil
}

func (s *Store) GetMessageRecord(ctx context.Context, id int64) (*storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) GetTimestampRecord(ctx context.Context, id int64) (*storage.TimestampRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.timestamps[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *ts
	return &cp, nil
}

func (s *Store) UntimestampedRecords(ctx context.Context, limit int) ([]*storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectMessages(limit, func(m *storage.MessageRecord) bool {
		return m.SignatureHash != ""
	}), nil
}

func (s *Store) SaveTimestampRecord(ctx context.Context, ts *storage.TimestampRecord, recordIDs []int64, hashChains []string) error {
	if len(hashChains) > 0 && len(hashChains) != len(recordIDs) {
		return fmt.Errorf("got %d hash chains for %d records", len(hashChains), len(recordIDs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []int
	for i, id := range recordIDs {
		if rec, ok := s.messages[id]; ok && !rec.Timestamped() {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return storage.ErrAlreadyTimestamped
	}

	s.nextID++
	ts.ID = s.nextID
	ts.Time = s.now()
	cp := *ts
	s.timestamps[ts.ID] = &cp

	for _, i := range pending {
		rec := s.messages[recordIDs[i]]
		rec.TimestampRecordID = ts.ID
		rec.SignatureHash = ""
		if len(hashChains) > 0 {
			rec.HashChain = hashChains[i]
			rec.HashChainResult = ts.HashChainResult
		}
	}
	return nil
}

func (s *Store) MaxArchivableID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for id, rec := range s.messages {
		if rec.Timestamped() && !rec.Archived && id > max {
			max = id
		}
	}
	return max, nil
}

func (s *Store) ArchivableRecords(ctx context.Context, maxID int64, limit int) ([]*storage.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectMessages(limit, func(m *storage.MessageRecord) bool {
		return m.Timestamped() && !m.Archived && m.ID <= maxID
	}), nil
}

func (s *Store) LastDigest(ctx context.Context) (*storage.DigestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.digest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.digest
	return &cp, nil
}

func (s *Store) CommitArchive(ctx context.Context, recordIDs []int64, digest *storage.DigestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range recordIDs {
		if rec, ok := s.messages[id]; ok {
			rec.Archived = true
		}
	}

	pending := make(map[int64]bool)
	for _, rec := range s.messages {
		if !rec.Archived && rec.Timestamped() {
			pending[rec.TimestampRecordID] = true
		}
	}
	for id, ts := range s.timestamps {
		if !pending[id] {
			ts.Archived = true
		}
	}

	if digest != nil {
		cp := *digest
		s.digest = &cp
	}
	return nil
}

func (s *Store) DeleteArchived(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.messages {
		if rec.Archived && rec.Time.Before(before) {
			delete(s.messages, id)
			n++
		}
	}
	for id, ts := range s.timestamps {
		if ts.Archived && ts.Time.Before(before) {
			delete(s.timestamps, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) selectMessages(limit int, match func(*storage.MessageRecord) bool) []*storage.MessageRecord {
	var out []*storage.MessageRecord
	for _, rec := range s.messages {
		if match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ storage.Store = (*Store)(nil)
