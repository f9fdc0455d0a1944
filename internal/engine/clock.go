package engine

import (
	"context"
	"time"
)

// Clock abstracts time for timeouts and backoff. Tests use a manual
// clock so backoffs and the purchase watchdog run without waiting.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f after d. The returned function cancels the call
	// and reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Sleep waits for d, returning ctx.Err() if ctx is done first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
