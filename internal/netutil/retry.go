package netutil

import (
	"context"
	"time"
)

type retryConfig struct {
	predicate func(error) bool
	initial   time.Duration
	max       time.Duration
}

type RetryOption = func(rc *retryConfig)

// WithPredicate limits retries to errors for which p returns true.
func WithPredicate(p func(error) bool) RetryOption {
	return func(rc *retryConfig) {
		rc.predicate = p
	}
}

// WithBackoff sets the first delay between attempts, which doubles up to max.
func WithBackoff(initial, max time.Duration) RetryOption {
	return func(rc *retryConfig) {
		rc.initial = initial
		rc.max = max
	}
}

// Retry calls fn until it returns nil, the predicate rejects its error, or ctx is done.
// If ctx is done the last error from fn is returned.
func Retry(ctx context.Context, fn func(context.Context) error, opts ...RetryOption) error {
	rc := retryConfig{
		predicate: func(error) bool { return true },
		initial:   100 * time.Millisecond,
		max:       time.Second,
	}
	for _, opt := range opts {
		opt(&rc)
	}
	delay := rc.initial
	for {
		err := fn(ctx)
		if err == nil || !rc.predicate(err) {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		if delay *= 2; delay > rc.max {
			delay = rc.max
		}
	}
}
