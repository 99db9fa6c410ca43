package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), 3, 10*time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("conn reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestRetryFailsWhenExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New("db down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected error after 3 attempts, got err=%v calls=%d", err, calls)
	}
}

func TestRetryDoesNotRetryNotFound(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
		calls++
		return ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) || calls != 1 {
		t.Fatalf("expected single not-found call, got err=%v calls=%d", err, calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, time.Second, func(ctx context.Context) error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
