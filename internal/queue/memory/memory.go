// Package memory is a bounded in-process queue for async relay requests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/nordic-institute/X-Road-sub019/internal/metrics"
	"github.com/nordic-institute/X-Road-sub019/pkg/relay"
)

// DefaultCapacity is used when New gets a non-positive capacity
const DefaultCapacity = 1000

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity
	ErrQueueFull = errors.New("async queue is full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("async queue closed")
)

// Queue holds requests until a sender takes them. Enqueue never blocks.
type Queue struct {
	mu     sync.RWMutex
	ch     chan *relay.ProxyMessage
	closed bool

	metrics *metrics.Recorder
}

// New creates a queue holding at most capacity requests
func New(capacity int, m *metrics.Recorder) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan *relay.ProxyMessage, capacity), metrics: m}
}

// Enqueue implements relay.AsyncQueue
func (q *Queue) Enqueue(ctx context.Context, msg *relay.ProxyMessage) error {
	err := q.enqueue(ctx, msg)
	q.metrics.ObserveQueued("memory", err)
	return err
}

func (q *Queue) enqueue(ctx context.Context, msg *relay.ProxyMessage) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Next blocks until a request is available. Requests queued before Close
// are still returned; ErrClosed follows once the queue is drained.
func (q *Queue) Next(ctx context.Context) (*relay.ProxyMessage, error) {
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued requests
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting requests
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
