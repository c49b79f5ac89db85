package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	"github.com/nordic-institute/X-Road-sub019/internal/storage/memory"
)

// seed stores n message records covered by one timestamp record
func seed(t *testing.T, store *memory.Store, prefix string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	var ids []int64
	for i := 0; i < n; i++ {
		rec := &storage.MessageRecord{
			QueryID:        fmt.Sprintf("%s-%d", prefix, i),
			Message:        "<Envelope><Body>" + prefix + "</Body></Envelope>",
			SignatureXML:   "<Signature/>",
			SignatureHash:  "hash",
			PeerIdentifier: "EE/GOV/1234/sub",
		}
		require.NoError(t, store.SaveMessageRecord(ctx, rec))
		ids = append(ids, rec.ID)
	}
	ts := &storage.TimestampRecord{Timestamp: []byte("token-" + prefix), HashChainResult: "<result/>"}
	chains := make([]string, n)
	for i := range chains {
		chains[i] = "<chain/>"
	}
	require.NoError(t, store.SaveTimestampRecord(ctx, ts, ids, chains))
	return ids
}

func archiveFiles(t *testing.T, dir string) []string {
	t.Helper()
	names, err := listFiles(dir)
	require.NoError(t, err)
	return names
}

func TestArchiver_Run(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := memory.NewStore()

	first := seed(t, store, "a", 3)
	second := seed(t, store, "b", 2)

	pending := &storage.MessageRecord{QueryID: "pending", SignatureHash: "hash"}
	require.NoError(t, store.SaveMessageRecord(ctx, pending))

	a := NewArchiver(store, Config{Dir: dir})
	require.NoError(t, a.Run(ctx))

	names := archiveFiles(t, dir)
	require.Len(t, names, 1)

	f, err := ReadFile(filepath.Join(dir, names[0]))
	require.NoError(t, err)
	assert.Empty(t, f.Previous.Digest)
	require.Len(t, f.Entries, 5)
	assert.Equal(t, first[0], f.Entries[0].ID)
	assert.Equal(t, "a-0", f.Entries[0].QueryID)
	assert.Equal(t, "EE/GOV/1234/sub", f.Entries[0].Client)
	assert.Equal(t, []byte("token-a"), f.Entries[0].Timestamp)
	assert.Equal(t, "<chain/>", f.Entries[0].HashChain)
	assert.Equal(t, []byte("token-b"), f.Entries[4].Timestamp)
	assert.Equal(t, second[1], f.Entries[4].ID)

	last, err := store.LastDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.Digest, last.Digest)
	assert.Equal(t, names[0], last.FileName)

	maxID, err := store.MaxArchivableID(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxID)

	got, err := store.GetMessageRecord(ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)

	// five message records and two timestamp records are now removable
	n, err := store.DeleteArchived(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestArchiver_NothingToArchive(t *testing.T) {
	dir := t.TempDir()
	a := NewArchiver(memory.NewStore(), Config{Dir: dir})
	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, archiveFiles(t, dir))
}

func TestArchiver_RotationAndChain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := memory.NewStore()
	seed(t, store, "a", 4)

	// every record fills a file
	a := NewArchiver(store, Config{Dir: dir, MaxFileSize: 1, BatchSize: 3})
	require.NoError(t, a.Run(ctx))
	assert.Len(t, archiveFiles(t, dir), 4)

	// a later run continues the chain
	seed(t, store, "b", 2)
	require.NoError(t, a.Run(ctx))
	assert.Len(t, archiveFiles(t, dir), 6)

	last, err := VerifyChain(dir)
	require.NoError(t, err)
	stored, err := store.LastDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored, last)
}

func TestVerifyChain_Broken(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := memory.NewStore()
	seed(t, store, "a", 3)

	require.NoError(t, NewArchiver(store, Config{Dir: dir, MaxFileSize: 1}).Run(ctx))
	names := archiveFiles(t, dir)
	require.Len(t, names, 3)

	require.NoError(t, os.Remove(filepath.Join(dir, names[1])))
	_, err := VerifyChain(dir)
	assert.ErrorIs(t, err, ErrBrokenChain)
}

func TestVerifyChain_Empty(t *testing.T) {
	last, err := VerifyChain(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestWriter_Abort(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 0, storage.DigestEntry{})
	rec := &storage.MessageRecord{LogRecord: storage.LogRecord{ID: 1, Time: time.Now()}}
	_, err := w.Write(rec, nil)
	require.NoError(t, err)
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = w.Write(rec, nil)
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestCommandTransfer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	marker := filepath.Join(t.TempDir(), "transferred")
	store := memory.NewStore()
	seed(t, store, "a", 2)

	transfer := NewCommandTransfer(`echo "$MLOG_ARCHIVE_FILE" >> ` + marker)
	require.NoError(t, NewArchiver(store, Config{Dir: dir}, WithTransfer(transfer)).Run(ctx))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	names := archiveFiles(t, dir)
	require.Len(t, names, 1)
	assert.Equal(t, filepath.Join(dir, names[0]), strings.TrimSpace(string(data)))
}

func TestCommandTransfer_FailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed(t, store, "a", 1)

	transfer := NewCommandTransfer("echo nope >&2; exit 3")
	err := transfer.Transfer(ctx, "/tmp/none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	require.NoError(t, NewArchiver(store, Config{Dir: t.TempDir()}, WithTransfer(transfer)).Run(ctx))
	maxID, err := store.MaxArchivableID(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxID)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Transfer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := memory.NewStore()
	seed(t, store, "a", 2)

	client := &fakeS3{objects: make(map[string][]byte)}
	transfer := NewS3TransferWithClient(client, "archive", "ss1")
	require.NoError(t, NewArchiver(store, Config{Dir: dir}, WithTransfer(transfer)).Run(ctx))

	names := archiveFiles(t, dir)
	require.Len(t, names, 1)
	want, err := os.ReadFile(filepath.Join(dir, names[0]))
	require.NoError(t, err)
	assert.Equal(t, want, client.objects["archive/ss1/"+names[0]])
}
