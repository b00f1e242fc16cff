package engine

import (
	"context"
	"sync"
)

// Task is a cancellable background computation. The result becomes visible
// only once the computation has returned; a cancelled task reports the
// context error and the zero value, never a partial result.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	value T
	err   error
}

// Start runs fn in a new goroutine with a context derived from ctx.
func Start[T any](ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer cancel()
		value, err := fn(ctx)
		if err == nil {
			err = ctx.Err()
		}
		t.mu.Lock()
		if err == nil {
			t.value = value
		}
		t.err = err
		t.mu.Unlock()
		close(t.done)
	}()
	return t
}

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Poll returns the result without blocking. ok is false while the task is
// still running.
func (t *Task[T]) Poll() (value T, ok bool, err error) {
	select {
	case <-t.done:
	default:
		return value, false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, true, t.err
}

// Await blocks until the task finishes or ctx is done. Giving up on ctx does
// not cancel the task.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		value, _, err := t.Poll()
		return value, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel asks the task to stop. It is safe to call more than once and after
// the task finished.
func (t *Task[T]) Cancel() {
	t.cancel()
}
