// Package pending provides a single-resolve async result handle.
package pending

import (
	"context"
	"sync"
)

// Pending is resolved exactly once with a value or an error. The first
// Resolve or Fail wins; later calls are no-ops.
type Pending[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
}

// New creates an unresolved Pending.
func New[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

// Resolve completes the Pending with a value. Returns false if it was
// already resolved.
func (p *Pending[T]) Resolve(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.value = v
	close(p.done)
	return true
}

// Fail completes the Pending with an error. Returns false if it was
// already resolved.
func (p *Pending[T]) Fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.err = err
	close(p.done)
	return true
}

// Done returns a channel closed when the Pending is resolved.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the Pending resolves or ctx is cancelled.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}
