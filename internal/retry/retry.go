// Package retry provides the bounded retry policy shared by the reply
// orchestrator, the summarizer and the outbound scheduler.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how many times an operation runs and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts int
	// Backoff returns the wait before attempt n+1, given n failed attempts (n >= 1).
	Backoff func(n int) time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential returns base, 2*base, 4*base, ... for n = 1, 2, 3, ...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		if n < 1 {
			n = 1
		}
		return base << (n - 1)
	}
}

// Constant waits d between every attempt.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Delay returns the wait after n failed attempts, or 0 without a Backoff.
func (p Policy) Delay(n int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(n)
}

// Exhausted reports whether n failed attempts use up the policy.
func (p Policy) Exhausted(n int) bool {
	return n >= p.MaxAttempts
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. attempt is 1-based.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && p.Backoff != nil {
			if err := sleep(ctx, p.Backoff(attempt-1)); err != nil {
				return errors.Join(err, lastErr)
			}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), lastErr)
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// IsExhausted reports whether err came from a policy running out of attempts.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
