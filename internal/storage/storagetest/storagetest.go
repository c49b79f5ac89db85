// Package storagetest holds the behaviour every storage.Store must show.
// Each implementation runs Run from its own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run runs the store tests against stores created by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("TimestampLifecycle", func(t *testing.T) { testTimestampLifecycle(t, newStore(t)) })
	t.Run("AlreadyTimestamped", func(t *testing.T) { testAlreadyTimestamped(t, newStore(t)) })
	t.Run("ArchiveMarksTimestampOnlyWhenComplete", func(t *testing.T) { testArchiveCompleteness(t, newStore(t)) })
	t.Run("DeleteArchivedKeepsUnarchived", func(t *testing.T) { testDeleteArchived(t, newStore(t)) })
}

// SaveMessage stores an un-timestamped message record
func SaveMessage(t *testing.T, s storage.LogStore, queryID string) *storage.MessageRecord {
	t.Helper()
	rec := &storage.MessageRecord{
		QueryID:        queryID,
		Message:        "<m/>",
		SignatureXML:   "<sig/>",
		SignatureHash:  "hash-" + queryID,
		PeerIdentifier: "EE/GOV/1/s",
	}
	require.NoError(t, s.SaveMessageRecord(context.Background(), rec))
	return rec
}

func testTimestampLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := SaveMessage(t, s, "a")
	b := SaveMessage(t, s, "b")
	SaveMessage(t, s, "c")
	assert.Less(t, a.ID, b.ID)

	pending, err := s.UntimestampedRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)

	ts := &storage.TimestampRecord{Timestamp: []byte{1, 2, 3}, HashChainResult: "<result/>"}
	require.NoError(t, s.SaveTimestampRecord(ctx, ts, []int64{a.ID, b.ID}, []string{"<chain-a/>", "<chain-b/>"}))
	assert.NotZero(t, ts.ID)

	got, err := s.GetMessageRecord(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SignatureHash)
	assert.Equal(t, ts.ID, got.TimestampRecordID)
	assert.Equal(t, "<chain-a/>", got.HashChain)
	assert.Equal(t, "<result/>", got.HashChainResult)

	stored, err := s.GetTimestampRecord(ctx, ts.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, stored.Timestamp)

	pending, err = s.UntimestampedRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].QueryID)
}

func testAlreadyTimestamped(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := SaveMessage(t, s, "a")
	b := SaveMessage(t, s, "b")

	first := &storage.TimestampRecord{Timestamp: []byte{1}}
	require.NoError(t, s.SaveTimestampRecord(ctx, first, []int64{a.ID}, nil))

	// nothing left to associate: the token is not stored
	again := &storage.TimestampRecord{Timestamp: []byte{2}}
	err := s.SaveTimestampRecord(ctx, again, []int64{a.ID}, nil)
	assert.ErrorIs(t, err, storage.ErrAlreadyTimestamped)
	assert.Zero(t, again.ID)

	chained := &storage.TimestampRecord{Timestamp: []byte{3}, HashChainResult: "<result/>"}
	err = s.SaveTimestampRecord(ctx, chained, []int64{a.ID}, []string{"<chain-a/>"})
	assert.ErrorIs(t, err, storage.ErrAlreadyTimestamped)
	assert.Zero(t, chained.ID)

	got, err := s.GetMessageRecord(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.TimestampRecordID)

	// a partly stamped batch associates the rest
	partial := &storage.TimestampRecord{Timestamp: []byte{4}}
	require.NoError(t, s.SaveTimestampRecord(ctx, partial, []int64{a.ID, b.ID}, nil))
	got, err = s.GetMessageRecord(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.TimestampRecordID)
	got, err = s.GetMessageRecord(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, partial.ID, got.TimestampRecordID)

	// archiving both completes both timestamp records
	require.NoError(t, s.CommitArchive(ctx, []int64{a.ID, b.ID}, nil))
	for _, id := range []int64{first.ID, partial.ID} {
		tr, err := s.GetTimestampRecord(ctx, id)
		require.NoError(t, err)
		assert.True(t, tr.Archived, id)
	}
}

func testArchiveCompleteness(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := SaveMessage(t, s, "a")
	b := SaveMessage(t, s, "b")
	ts := &storage.TimestampRecord{Timestamp: []byte{1}}
	require.NoError(t, s.SaveTimestampRecord(ctx, ts, []int64{a.ID, b.ID}, nil))

	max, err := s.MaxArchivableID(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, max)

	require.NoError(t, s.CommitArchive(ctx, []int64{a.ID}, nil))
	got, err := s.GetTimestampRecord(ctx, ts.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)

	recs, err := s.ArchivableRecords(ctx, max, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, b.ID, recs[0].ID)

	_, err = s.LastDigest(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CommitArchive(ctx, []int64{b.ID}, &storage.DigestEntry{Digest: "ab", FileName: "f"}))
	got, err = s.GetTimestampRecord(ctx, ts.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	d, err := s.LastDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab", d.Digest)
	assert.Equal(t, "f", d.FileName)

	max, err = s.MaxArchivableID(ctx)
	require.NoError(t, err)
	assert.Zero(t, max)
}

func testDeleteArchived(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := SaveMessage(t, s, "a")
	b := SaveMessage(t, s, "b")
	c := SaveMessage(t, s, "c")
	ts := &storage.TimestampRecord{Timestamp: []byte{1}}
	require.NoError(t, s.SaveTimestampRecord(ctx, ts, []int64{a.ID, b.ID}, nil))
	require.NoError(t, s.CommitArchive(ctx, []int64{a.ID}, nil))

	future := time.Now().Add(time.Hour)

	// the timestamp record still covers b and stays
	n, err := s.DeleteArchived(ctx, future)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.GetMessageRecord(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetTimestampRecord(ctx, ts.ID)
	require.NoError(t, err)

	require.NoError(t, s.CommitArchive(ctx, []int64{b.ID}, nil))
	n, err = s.DeleteArchived(ctx, future)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	_, err = s.GetTimestampRecord(ctx, ts.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// never archived, never removed
	_, err = s.GetMessageRecord(ctx, c.ID)
	assert.NoError(t, err)
	n, err = s.DeleteArchived(ctx, future)
	require.NoError(t, err)
	assert.Zero(t, n)
}
