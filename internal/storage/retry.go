package storage

import (
	"context"
	"errors"
	"time"
)

// Retry calls fn up to attempts times, doubling delay after each failure.
// ErrNotFound is not retried. The last error is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
