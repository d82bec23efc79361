// Package retry provides the bounded backoff loop the lifecycle engine wraps
// around idempotent provider calls to an eventually-consistent backend
// (container daemon restarts, Kubernetes API server throttling). Deliberately stdlib-only: the whole
// policy is a five-line loop, not enough surface to justify a dependency.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop's attempt count and backoff growth.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy makes at most three attempts (two retries) with a doubling
// delay starting at 200ms and capped at 5s.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Retryable reports whether an error should trigger another attempt.
type Retryable func(error) bool

// Do runs fn up to p.MaxAttempts times, sleeping with doubling backoff
// between attempts while retryable(err) is true. It returns the last
// error, or nil on first success, or ctx.Err() if ctx is cancelled while
// waiting.
func Do(ctx context.Context, p Policy, retryable Retryable, fn func(attempt int) error) error {
	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == p.MaxAttempts {
			return lastErr
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}
