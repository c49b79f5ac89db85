// Package sender delivers queued async requests in the background.
//
// The Sender takes requests from a Source, normally the in-memory queue,
// and relays each one synchronously to the provider's security server. A
// Kafka deployment calls Deliver from the consumer group instead of
// running the Sender loop.
//
// # Retry Policy
//
// Deliveries failing with a temporary fault (network error, timeout or
// timestamping failure) are retried with exponential backoff. After
// MaxRetries attempts, or on any other failure, the request is dropped and
// the failure is logged with its query id.
package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nordic-institute/X-Road-sub019/pkg/relay"
)

// Source yields queued requests. Next blocks until one is available.
type Source interface {
	Next(ctx context.Context) (*relay.ProxyMessage, error)
}

// Relayer forwards a request synchronously. *relay.Processor implements it.
type Relayer interface {
	Relay(ctx context.Context, msg *relay.ProxyMessage) (*relay.ProxyMessage, error)
}

// Sender handles background delivery of async requests
type Sender struct {
	relayer Relayer
	logger  *zap.Logger

	// Configuration
	workers         int
	maxRetries      int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	backoffMultiple float64

	// Control
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds sender configuration
type Config struct {
	Workers         int
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workers:         4,
		MaxRetries:      5,
		InitialBackoff:  time.Second,
		MaxBackoff:      5 * time.Minute,
		BackoffMultiple: 2.0,
	}
}

// NewSender creates a new background sender
func NewSender(relayer Relayer, cfg *Config, logger *zap.Logger) *Sender {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{
		relayer:         relayer,
		logger:          logger,
		workers:         cfg.Workers,
		maxRetries:      cfg.MaxRetries,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		backoffMultiple: cfg.BackoffMultiple,
	}
	if s.workers <= 0 {
		s.workers = def.Workers
	}
	if s.maxRetries <= 0 {
		s.maxRetries = def.MaxRetries
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = def.InitialBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = def.MaxBackoff
	}
	if s.backoffMultiple < 1 {
		s.backoffMultiple = def.BackoffMultiple
	}
	return s
}

// Start begins taking requests from src
func (s *Sender) Start(ctx context.Context, src Source) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.run(ctx, src)
	}
	s.logger.Info("sender started", zap.Int("workers", s.workers))
}

// Stop gracefully stops the sender. A delivery in progress is abandoned
// at its next retry.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run(ctx context.Context, src Source) {
	defer s.wg.Done()
	for {
		msg, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Info("async source closed", zap.Error(err))
			}
			return
		}
		if err := s.Deliver(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("async request dropped",
				zap.String("queryId", msg.Header.QueryID),
				zap.String("client", msg.Header.Client.String()),
				zap.String("service", msg.Header.Service.String()),
				zap.Error(err))
		}
	}
}

// Deliver relays msg, retrying temporary faults
func (s *Sender) Deliver(ctx context.Context, msg *relay.ProxyMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		_, err = s.relayer.Relay(ctx, msg)
		if err == nil {
			s.logger.Info("async request delivered",
				zap.String("queryId", msg.Header.QueryID),
				zap.Int("attempts", attempt))
			return nil
		}
		if !retryable(err) || attempt >= s.maxRetries {
			return err
		}

		backoff := s.backoff(attempt)
		s.logger.Warn("async delivery failed, retrying",
			zap.String("queryId", msg.Header.QueryID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns the wait after the given failed attempt
func (s *Sender) backoff(attempt int) time.Duration {
	backoff := s.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * s.backoffMultiple)
		if backoff > s.maxBackoff {
			return s.maxBackoff
		}
	}
	return backoff
}

func retryable(err error) bool {
	var f *relay.Fault
	return errors.As(err, &f) && f.Temporary()
}
