// Package retry holds the retry policy values used by pipeline stages and by
// the per-chunk calls of the summarizer.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// Schedule returns the wait before the attempt that follows attempt n (1-based)
type Schedule func(attempt int) time.Duration

// Policy decides whether and when a failed attempt is tried again
type Policy struct {
	MaxAttempts int
	Backoff     Schedule
	Retryable   func(error) bool
}

// Default returns a policy using the shared error taxonomy as its predicate
func Default(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff:     Exponential(initial, max),
		Retryable:   types.IsRetryable,
	}
}

// Allows reports whether another attempt may follow attempt n failing with err
func (p Policy) Allows(attempt int, err error) bool {
	if attempt >= p.maxAttempts() {
		return false
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = types.IsRetryable
	}
	return retryable(err)
}

// Delay returns the backoff before the attempt after attempt n
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Exponential doubles from initial up to max with the library's default jitter
func Exponential(initial, max time.Duration) Schedule {
	return exponential(initial, max, backoff.DefaultRandomizationFactor)
}

// ExponentialNoJitter is Exponential without randomization
func ExponentialNoJitter(initial, max time.Duration) Schedule {
	return exponential(initial, max, 0)
}

func exponential(initial, max time.Duration, jitter float64) Schedule {
	return func(attempt int) time.Duration {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: jitter,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         max,
		}
		b.Reset()
		var d time.Duration
		for i := 0; i < attempt; i++ {
			d = b.NextBackOff()
		}
		return d
	}
}

// Constant waits the same duration between every attempt
func Constant(d time.Duration) Schedule {
	return func(int) time.Duration { return d }
}

// Do runs fn until it succeeds, the policy refuses another attempt, or ctx ends.
// The error of the last attempt is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx, attempt)
		if err != nil && !p.Allows(attempt, err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&scheduleBackOff{schedule: p.Delay}),
		backoff.WithMaxTries(uint(p.maxAttempts())),
	)
}

// scheduleBackOff adapts a Schedule to backoff.BackOff
type scheduleBackOff struct {
	schedule Schedule
	n        int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	b.n++
	return b.schedule(b.n)
}

func (b *scheduleBackOff) Reset() { b.n = 0 }
