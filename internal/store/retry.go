package store

import (
	"context"
	"errors"
	"time"
)

// WithRetry runs op, retrying only transient ErrUnavailable failures with
// doubling backoff. Domain failures (conflict, not found) return immediately.
func WithRetry(ctx context.Context, attempts int, delay time.Duration, op func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = op(ctx)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
