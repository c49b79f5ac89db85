package messagelog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/internal/storage"
	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
	"github.com/nordic-institute/X-Road-sub019/pkg/timestamp"
)

var (
	// ErrTimestampingFailed is returned when a message cannot be logged
	// because timestamping has been failing for longer than allowed, or
	// when an immediate timestamp could not be obtained.
	ErrTimestampingFailed = errors.New("timestamping failed")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("message log closed")
)

// Defaults
const (
	DefaultTimestampWait         = 30 * time.Second
	DefaultTimestampInterval     = 60 * time.Second
	DefaultTimestampRecordsLimit = 10000
	DefaultAcceptableFailure     = 14400 * time.Second
)

// Timestamper obtains RFC 3161 tokens for a hash. *timestamp.Client
// implements it.
type Timestamper interface {
	Timestamp(ctx context.Context, hashed []byte) (*timestamp.Token, error)
	URLs() []string
}

// Config holds the message log settings
type Config struct {
	// TimestampImmediately makes Log wait for a token covering the record.
	TimestampImmediately bool
	// TimestampWait bounds the wait of an immediate timestamp.
	TimestampWait time.Duration
	// TimestampInterval is the batch timestamping interval, clamped to
	// [MinTimestampInterval, MaxTimestampInterval].
	TimestampInterval time.Duration
	// TimestampRecordsLimit caps the number of records in one batch.
	TimestampRecordsLimit int
	// AcceptableTimestampFailurePeriod is how long logging continues after
	// timestamping started failing. Zero disables the check.
	AcceptableTimestampFailurePeriod time.Duration
	// HashAlgorithm hashes signatures and hash chain nodes. It must match
	// the algorithm of the Timestamper.
	HashAlgorithm digest.Algorithm
	// Body is the body logging policy
	Body BodyPolicy
}

func (c *Config) applyDefaults() {
	if c.TimestampWait == 0 {
		c.TimestampWait = DefaultTimestampWait
	}
	if c.TimestampInterval == 0 {
		c.TimestampInterval = DefaultTimestampInterval
	}
	if c.TimestampRecordsLimit == 0 {
		c.TimestampRecordsLimit = DefaultTimestampRecordsLimit
	}
	if c.HashAlgorithm.Hash == 0 {
		c.HashAlgorithm = digest.SHA256
	}
}

// Manager persists signed messages and keeps them timestamped.
//
// Log may be called concurrently. The failure state shared between calls
// is guarded by one mutex.
type Manager struct {
	store   storage.LogStore
	ts      Timestamper
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	queue *TaskQueue
	job   *TimestamperJob

	mu       sync.Mutex
	failedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides the clock used for the grace period
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. Start must be called to run batch
// timestamping.
func NewManager(store storage.LogStore, ts Timestamper, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		store:  store,
		ts:     ts,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = newTaskQueue(m)
	m.job = NewTimestamperJob(m.cfg.TimestampInterval, m.queue.Start, m.logger)
	return m
}

// Start runs the task queue and the timestamper job until Close or until
// ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.queue.run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.job.Run(ctx)
	}()
}

// Close stops the actors and waits for them to exit
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Log persists rec. The signature hash is computed from the signature, and
// the message body is removed when the body logging policy says so.
//
// With immediate timestamping Log returns only after the record is
// timestamped, or fails with ErrTimestampingFailed after TimestampWait.
func (m *Manager) Log(ctx context.Context, rec *storage.MessageRecord) error {
	if err := m.verifyCanLog(); err != nil {
		m.metrics.ObserveLogWrite(err)
		return err
	}

	if !m.cfg.Body.Enabled(rec.PeerIdentifier) {
		stripped, err := StripBody(rec.Message)
		if err != nil {
			m.metrics.ObserveLogWrite(err)
			return fmt.Errorf("removing message body: %w", err)
		}
		rec.Message = stripped
	}
	rec.SignatureHash = m.cfg.HashAlgorithm.Base64([]byte(rec.SignatureXML))

	err := m.store.SaveMessageRecord(ctx, rec)
	m.metrics.ObserveLogWrite(err)
	if err != nil {
		return fmt.Errorf("saving message record: %w", err)
	}
	m.logger.Debug("message logged",
		zap.Int64("id", rec.ID),
		zap.String("queryId", rec.QueryID),
		zap.Bool("response", rec.Response))

	if m.cfg.TimestampImmediately {
		return m.timestampImmediately(ctx, rec)
	}
	return nil
}

// RunTimestamping timestamps the pending records once and returns the
// outcome. It is what the timestamper job does on every tick.
func (m *Manager) RunTimestamping(ctx context.Context) error {
	return m.queue.Start(ctx)
}

func (m *Manager) timestampImmediately(ctx context.Context, rec *storage.MessageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TimestampWait)
	defer cancel()

	task := Task{MessageRecordID: rec.ID, SignatureHash: rec.SignatureHash}
	res := m.newWorker().run(ctx, []Task{task})
	err := m.handleResult(ctx, res)
	switch {
	case errors.Is(err, storage.ErrAlreadyTimestamped):
		// a batch covered the record first
		saved, err := m.store.GetMessageRecord(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTimestampingFailed, err)
		}
		rec.TimestampRecordID = saved.TimestampRecordID
	case err != nil:
		return fmt.Errorf("%w: %v", ErrTimestampingFailed, err)
	default:
		rec.TimestampRecordID = res.record.ID
	}
	rec.SignatureHash = ""
	return nil
}

// handleResult persists a successful result or records the failure
func (m *Manager) handleResult(ctx context.Context, res *Result) error {
	m.metrics.ObserveTimestamp(len(res.Tasks), res.Err)
	if res.Err != nil {
		m.setFailed(m.now())
		m.logger.Warn("timestamping failed", zap.Int("records", len(res.Tasks)), zap.Error(res.Err))
		return res.Err
	}

	ids := make([]int64, len(res.Tasks))
	for i, t := range res.Tasks {
		ids[i] = t.MessageRecordID
	}
	err := m.store.SaveTimestampRecord(ctx, res.record, ids, res.HashChains)
	if errors.Is(err, storage.ErrAlreadyTimestamped) {
		m.setSucceeded()
		m.logger.Debug("records were timestamped concurrently", zap.Int("records", len(ids)))
		return err
	}
	if err != nil {
		m.setFailed(m.now())
		m.logger.Error("saving timestamp record failed", zap.Error(err))
		return fmt.Errorf("saving timestamp record: %w", err)
	}

	m.setSucceeded()
	m.logger.Info("records timestamped",
		zap.Int("records", len(ids)),
		zap.Int64("timestampRecord", res.record.ID))
	return nil
}

func (m *Manager) newWorker() *Worker {
	return &Worker{ts: m.ts, alg: m.cfg.HashAlgorithm, logger: m.logger}
}

// verifyCanLog rejects writes when no time-stamping authority is
// configured, or when batch timestamping has been failing for longer than
// the acceptable period. With immediate timestamping the token obtained
// for each record is the check.
func (m *Manager) verifyCanLog() error {
	if len(m.ts.URLs()) == 0 {
		return fmt.Errorf("%w: %v", ErrTimestampingFailed, timestamp.ErrNoURLs)
	}
	period := m.cfg.AcceptableTimestampFailurePeriod
	if m.cfg.TimestampImmediately || period == 0 {
		return nil
	}

	m.mu.Lock()
	failedAt := m.failedAt
	m.mu.Unlock()

	if !failedAt.IsZero() && m.now().Sub(failedAt) > period {
		return fmt.Errorf("%w: failing since %s", ErrTimestampingFailed, failedAt.Format(time.RFC3339))
	}
	return nil
}

// setFailed records the first failure; later failures keep the original
// time until a success clears it.
func (m *Manager) setFailed(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failedAt.IsZero() {
		m.failedAt = at
		m.metrics.SetTimestampFailing(true)
	}
}

func (m *Manager) setSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.failedAt.IsZero() {
		m.failedAt = time.Time{}
		m.metrics.SetTimestampFailing(false)
	}
}

// FailingSince returns the time timestamping started failing, or the zero
// time when it is not failing.
func (m *Manager) FailingSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedAt
}

func decodeHash(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
