package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrGateTimeout is returned by Gate.Wait when the gate was not resolved in time
var ErrGateTimeout = errors.New("timed out waiting for value")

// Gate is a value that is set exactly once, by either Resolve or Fail.
// Any number of goroutines may Wait for it.
type Gate[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewGate creates an unresolved gate
func NewGate[T any]() *Gate[T] {
	return &Gate[T]{done: make(chan struct{})}
}

// Resolve sets the value. It reports whether this call resolved the gate.
func (g *Gate[T]) Resolve(v T) bool {
	return g.set(v, nil)
}

// Fail resolves the gate with an error. It reports whether this call
// resolved the gate.
func (g *Gate[T]) Fail(err error) bool {
	var zero T
	return g.set(zero, err)
}

func (g *Gate[T]) set(v T, err error) bool {
	resolved := false
	g.once.Do(func() {
		g.val, g.err = v, err
		close(g.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the gate is resolved
func (g *Gate[T]) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate is resolved, ctx is done or timeout elapses.
// A non-positive timeout waits on ctx alone.
func (g *Gate[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-g.done:
		return g.val, g.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-expired:
		return zero, ErrGateTimeout
	}
}
