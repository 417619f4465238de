// package futures provides the Future type which can be used
// to model the result of a ongoing computation which could fail.
//
// Futures are not the idiomatic way to deal with concurrency in Go.
// Go APIs should be synchronous not asynchronous.
// The relay is driven by event loops which must never block, futures provide a way
// to sequence work on those loops against I/O completing somewhere else.
package futures

import (
	"context"
	"sync"
)

// Future represents a value of type T which will be delivered by some process which can fail.
// A Future is completed exactly once.
type Future[T any] struct {
	mu        sync.Mutex
	completed bool
	x         T
	err       error
	listeners []func(T, error)
	done      chan struct{}
}

func New[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Succeeded returns a Future which has already succeeded with x.
func Succeeded[T any](x T) *Future[T] {
	f := New[T]()
	f.Succeed(x)
	return f
}

// Failed returns a Future which has already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Succeed completes the future with x.
// It returns false if the future was already completed.
func (f *Future[T]) Succeed(x T) bool {
	return f.complete(x, nil)
}

// Fail completes the future with err.
// It returns false if the future was already completed.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		panic("futures: Fail called with nil error")
	}
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(x T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.x, f.err = x, err
	ls := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range ls {
		fn(x, err)
	}
	return true
}

// OnDone registers fn to be called once the future completes.
// If the future has already completed, fn is called immediately in the calling goroutine.
// Otherwise fn is called from the goroutine which completes the future.
// Listeners are called in the order they were registered.
func (f *Future[T]) OnDone(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	x, err := f.x, f.err
	f.mu.Unlock()
	fn(x, err)
}

// Await blocks until the future has completed.
// If the future fails, Await returns an error and the zero value of T.
// If the future succeeds, the error will be nil.
// If the context expires Await returns ctx.Err()
func (f *Future[T]) Await(ctx context.Context) (ret T, _ error) {
	select {
	case <-ctx.Done():
		return ret, ctx.Err()
	case <-f.done:
		return f.x, f.err
	}
}

// Result returns the outcome of the future without blocking.
// ok is false if the future has not completed.
func (f *Future[T]) Result() (x T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.x, f.err, f.completed
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel which is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
