package messagelog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Timestamping interval bounds
const (
	MinTimestampInterval = 60 * time.Second
	MaxTimestampInterval = 24 * time.Hour

	initialRetryDelay = time.Second
	initialJobDelay   = time.Second
)

// TimestamperJob triggers batch timestamping periodically. After a failure
// it retries sooner, doubling the delay from one second up to the interval.
type TimestamperJob struct {
	interval   time.Duration
	retryDelay time.Duration
	start      func(ctx context.Context) error
	logger     *zap.Logger
}

// NewTimestamperJob creates a job calling start on every tick
func NewTimestamperJob(interval time.Duration, start func(ctx context.Context) error, logger *zap.Logger) *TimestamperJob {
	return &TimestamperJob{
		interval:   ClampInterval(interval),
		retryDelay: initialRetryDelay,
		start:      start,
		logger:     logger,
	}
}

// ClampInterval bounds a configured interval to the allowed range
func ClampInterval(d time.Duration) time.Duration {
	if d < MinTimestampInterval {
		return MinTimestampInterval
	}
	if d > MaxTimestampInterval {
		return MaxTimestampInterval
	}
	return d
}

// Run ticks until ctx is done
func (j *TimestamperJob) Run(ctx context.Context) {
	timer := time.NewTimer(initialJobDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := j.start(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := j.next(err)
		if err != nil && !errors.Is(err, errBusy) {
			j.logger.Warn("batch timestamping failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		}
		timer.Reset(delay)
	}
}

// next returns the delay to the following tick given the last outcome
func (j *TimestamperJob) next(err error) time.Duration {
	if err == nil || errors.Is(err, errBusy) {
		j.retryDelay = initialRetryDelay
		return j.interval
	}

	delay := j.retryDelay
	if delay > j.interval {
		delay = j.interval
	}
	j.retryDelay *= 2
	if j.retryDelay > j.interval {
		j.retryDelay = j.interval
	}
	return delay
}
