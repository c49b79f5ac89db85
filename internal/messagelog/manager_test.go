package messagelog

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	"github.com/nordic-institute/X-Road-sub019/internal/storage/memory"
	"github.com/nordic-institute/X-Road-sub019/internal/testpki"
	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
	"github.com/nordic-institute/X-Road-sub019/pkg/hashchain"
	"github.com/nordic-institute/X-Road-sub019/pkg/timestamp"
)

type fakeTimestamper struct {
	mu     sync.Mutex
	urls   []string
	err    error
	hashes [][]byte

	// called before a token is returned
	before func()
}

func (f *fakeTimestamper) Timestamp(ctx context.Context, hashed []byte) (*timestamp.Token, error) {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.hashes = append(f.hashes, hashed)
	return &timestamp.Token{DER: append([]byte("token:"), hashed...), GenTime: time.Now()}, nil
}

func (f *fakeTimestamper) URLs() []string { return f.urls }

func (f *fakeTimestamper) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTimestamper) requests() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.hashes...)
}

const testMessage = `<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">` +
	`<SOAP-ENV:Header><id>q1</id></SOAP-ENV:Header>` +
	`<SOAP-ENV:Body><secret>personal data</secret></SOAP-ENV:Body></SOAP-ENV:Envelope>`

func newRecord(queryID string) *storage.MessageRecord {
	return &storage.MessageRecord{
		QueryID:        queryID,
		Message:        testMessage,
		SignatureXML:   "<ds:Signature>" + queryID + "</ds:Signature>",
		PeerIdentifier: "EE/GOV/1234/sub",
	}
}

func TestManager_Log(t *testing.T) {
	store := memory.NewStore()
	m := NewManager(store, &fakeTimestamper{urls: []string{"http://tsa"}}, Config{})

	rec := newRecord("q1")
	require.NoError(t, m.Log(context.Background(), rec))
	assert.NotZero(t, rec.ID)

	got, err := store.GetMessageRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.SHA256.Base64([]byte(rec.SignatureXML)), got.SignatureHash)
	assert.False(t, got.Timestamped())
	assert.Contains(t, got.Message, "personal data")
}

func TestManager_LogWithoutBody(t *testing.T) {
	store := memory.NewStore()
	cfg := Config{Body: BodyPolicy{
		Disabled:  true,
		Overrides: map[string]bool{"EE/GOV/1/open": true},
	}}
	m := NewManager(store, &fakeTimestamper{urls: []string{"http://tsa"}}, cfg)

	rec := newRecord("q1")
	require.NoError(t, m.Log(context.Background(), rec))
	got, err := store.GetMessageRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Message, "personal data")
	assert.Contains(t, got.Message, "<id>q1</id>")

	open := newRecord("q2")
	open.PeerIdentifier = "EE/GOV/1/open"
	require.NoError(t, m.Log(context.Background(), open))
	got, err = store.GetMessageRecord(context.Background(), open.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Message, "personal data")
}

func TestManager_BatchTimestamping(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ts := &fakeTimestamper{urls: []string{"http://tsa"}}
	m := NewManager(store, ts, Config{})
	m.Start(ctx)
	defer m.Close()

	var recs []*storage.MessageRecord
	for _, q := range []string{"a", "b", "c"} {
		rec := newRecord(q)
		require.NoError(t, m.Log(ctx, rec))
		recs = append(recs, rec)
	}

	require.NoError(t, m.RunTimestamping(ctx))
	require.Len(t, ts.requests(), 1)

	for _, rec := range recs {
		got, err := store.GetMessageRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, got.Timestamped())
		assert.Empty(t, got.SignatureHash)
		require.NotEmpty(t, got.HashChain)

		input := digest.SHA256.Sum([]byte(rec.SignatureXML))
		assert.NoError(t, hashchain.Verify(got.HashChainResult, got.HashChain, input))

		tsRec, err := store.GetTimestampRecord(ctx, got.TimestampRecordID)
		require.NoError(t, err)
		_, root, err := hashchain.ParseResult(tsRec.HashChainResult)
		require.NoError(t, err)
		assert.Equal(t, root, ts.requests()[0])
	}

	// nothing left to do
	require.NoError(t, m.RunTimestamping(ctx))
	assert.Len(t, ts.requests(), 1)
}

func TestManager_SingleRecordTimestamp(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ts := &fakeTimestamper{urls: []string{"http://tsa"}}
	m := NewManager(store, ts, Config{})
	m.Start(ctx)
	defer m.Close()

	rec := newRecord("single")
	require.NoError(t, m.Log(ctx, rec))
	require.NoError(t, m.RunTimestamping(ctx))

	got, err := store.GetMessageRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Timestamped())
	assert.Empty(t, got.HashChain)
	assert.Equal(t, digest.SHA256.Sum([]byte(rec.SignatureXML)), ts.requests()[0])
}

func TestManager_GracePeriod(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ts := &fakeTimestamper{urls: []string{"http://tsa"}, err: errors.New("tsa down")}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
	}

	m := NewManager(store, ts, Config{AcceptableTimestampFailurePeriod: time.Hour}, WithClock(clock))
	m.Start(ctx)
	defer m.Close()

	require.NoError(t, m.Log(ctx, newRecord("a")))
	require.Error(t, m.RunTimestamping(ctx))
	failedAt := m.FailingSince()
	assert.Equal(t, clock(), failedAt)

	// a second failure keeps the first failure time
	advance(10 * time.Minute)
	require.Error(t, m.RunTimestamping(ctx))
	assert.Equal(t, failedAt, m.FailingSince())

	// within the grace period records are still accepted
	advance(40 * time.Minute)
	require.NoError(t, m.Log(ctx, newRecord("b")))

	advance(11 * time.Minute)
	err := m.Log(ctx, newRecord("c"))
	assert.ErrorIs(t, err, ErrTimestampingFailed)

	// a success clears the failure
	ts.setErr(nil)
	require.NoError(t, m.RunTimestamping(ctx))
	assert.True(t, m.FailingSince().IsZero())
	require.NoError(t, m.Log(ctx, newRecord("d")))
}

func TestManager_NoTimestampingURLs(t *testing.T) {
	m := NewManager(memory.NewStore(), &fakeTimestamper{}, Config{AcceptableTimestampFailurePeriod: time.Hour})
	err := m.Log(context.Background(), newRecord("a"))
	assert.ErrorIs(t, err, ErrTimestampingFailed)

	// a zero period disables only the grace period
	store := memory.NewStore()
	m = NewManager(store, &fakeTimestamper{}, Config{})
	rec := newRecord("b")
	err = m.Log(context.Background(), rec)
	assert.ErrorIs(t, err, ErrTimestampingFailed)
	assert.ErrorIs(t, err, timestamp.ErrNoURLs)

	pending, err := store.UntimestampedRecords(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	m = NewManager(memory.NewStore(), &fakeTimestamper{}, Config{TimestampImmediately: true})
	err = m.Log(context.Background(), newRecord("c"))
	assert.ErrorIs(t, err, ErrTimestampingFailed)
}

func TestManager_TimestampImmediatelyIgnoresGracePeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := &fakeTimestamper{urls: []string{"http://tsa"}}
	m := NewManager(memory.NewStore(), ts, Config{
		TimestampImmediately:             true,
		AcceptableTimestampFailurePeriod: time.Minute,
	}, WithClock(func() time.Time { return now }))

	m.setFailed(now.Add(-time.Hour))

	rec := newRecord("a")
	require.NoError(t, m.Log(ctx, rec))
	assert.NotZero(t, rec.TimestampRecordID)
	assert.True(t, m.FailingSince().IsZero())

	// a failing token is still reported for the record itself
	ts.setErr(errors.New("tsa down"))
	assert.ErrorIs(t, m.Log(ctx, newRecord("b")), ErrTimestampingFailed)
}

func TestManager_TimestampImmediatelyAfterBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ts := &fakeTimestamper{urls: []string{"http://tsa"}}

	// a batch run stamps the record while the immediate token is requested
	var batch *storage.TimestampRecord
	ts.before = func() {
		pending, err := store.UntimestampedRecords(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		batch = &storage.TimestampRecord{Timestamp: []byte("batch")}
		require.NoError(t, store.SaveTimestampRecord(ctx, batch, []int64{pending[0].ID}, nil))
	}
	m := NewManager(store, ts, Config{TimestampImmediately: true})

	rec := newRecord("a")
	require.NoError(t, m.Log(ctx, rec))
	require.NotNil(t, batch)
	assert.Equal(t, batch.ID, rec.TimestampRecordID)
	assert.Empty(t, rec.SignatureHash)
	assert.True(t, m.FailingSince().IsZero())

	// no second timestamp record was stored
	_, err := store.GetTimestampRecord(ctx, batch.ID+1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_TimestampImmediately(t *testing.T) {
	ca := testpki.NewCA(t, "tsa-root")
	tsa := ca.Issue(t, "tsa", testpki.WithExtKeyUsage(x509.ExtKeyUsageTimeStamping))
	authority := timestamp.NewAuthority(tsa.Cert, tsa.Key)
	srv := httptest.NewServer(authority)
	defer srv.Close()

	client := timestamp.NewClient([]string{srv.URL}, digest.SHA256, func() []*x509.Certificate {
		return []*x509.Certificate{tsa.Cert}
	})

	ctx := context.Background()
	store := memory.NewStore()
	m := NewManager(store, client, Config{TimestampImmediately: true, TimestampWait: 5 * time.Second})

	rec := newRecord("now")
	require.NoError(t, m.Log(ctx, rec))
	assert.NotZero(t, rec.TimestampRecordID)

	got, err := store.GetMessageRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.Timestamped())

	tsRec, err := store.GetTimestampRecord(ctx, got.TimestampRecordID)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(tsa.Cert)
	token, err := timestamp.VerifyToken(tsRec.Timestamp, pool)
	require.NoError(t, err)
	assert.True(t, token.SignerCert.Equal(tsa.Cert))

	authority.SetStatus(timestamp.StatusRejection)
	failed := newRecord("rejected")
	err = m.Log(ctx, failed)
	assert.ErrorIs(t, err, ErrTimestampingFailed)

	// the record itself was persisted and waits for batch timestamping
	got, err = store.GetMessageRecord(ctx, failed.ID)
	require.NoError(t, err)
	assert.False(t, got.Timestamped())
	assert.False(t, m.FailingSince().IsZero())
}

func TestManager_StartTimestampsInBackground(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := NewManager(store, &fakeTimestamper{urls: []string{"http://tsa"}}, Config{})

	rec := newRecord("bg")
	require.NoError(t, m.Log(ctx, rec))

	m.Start(ctx)
	defer m.Close()

	assert.Eventually(t, func() bool {
		got, err := store.GetMessageRecord(ctx, rec.ID)
		return err == nil && got.Timestamped()
	}, 5*time.Second, 50*time.Millisecond)
}
