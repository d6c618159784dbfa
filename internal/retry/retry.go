// Package retry runs an operation with exponential backoff. It is shared by the job workers
// and by the generation orchestrator's per-completion retries.
package retry

import (
	"context"
	"math"
	"time"

	"resource-pipeline/internal/errs"
)

// Policy describes how many attempts to make and how long to wait between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy is 3 attempts with 1s, 2s delays.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Delay returns the wait before the attempt following attempt: base * multiplier^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Retrier executes functions under a Policy.
type Retrier struct {
	Policy Policy
	// Classify reports whether an error is worth another attempt. Defaults to errs.IsRetryable.
	Classify func(error) bool
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnAttempt is called before every attempt with its 1-based number.
	OnAttempt func(attempt int)
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// New returns a Retrier with default classification and sleeping.
func New(p Policy) *Retrier {
	return &Retrier{Policy: p}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or attempts run out.
// A non-retryable error is returned unchanged; exhaustion returns errs.Exhausted wrapping the last error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	classify := r.Classify
	if classify == nil {
		classify = errs.IsRetryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	limit := r.Policy.attempts()

	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		if r.OnAttempt != nil {
			r.OnAttempt(attempt)
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if !classify(last) {
			return last
		}
		if attempt == limit {
			break
		}
		delay := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, last)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return errs.Exhausted(limit, last)
}

// Sleep waits for d, returning early with ctx.Err() if ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
