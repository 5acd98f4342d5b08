// Package retry implements bounded exponential backoff with jitter for
// fallible operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls attempt count and backoff shape.
type Policy struct {
	// MaxAttempts is the total invocation budget, >= 1.
	MaxAttempts int
	// BaseDelay seeds the exponential schedule: delay before retry k is
	// min(BaseDelay * 2^(k-1), MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter scales each delay by a uniform factor in [0.5, 1.5] so
	// simultaneous retries from many workers spread out.
	Jitter bool
	// ShouldRetry decides whether a failure is worth another attempt. Nil
	// means DefaultShouldRetry.
	ShouldRetry func(err error) bool

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// Default values match the download tuning the portals tolerate.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// DefaultPolicy returns a Policy with jittered defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      true,
	}
}

// DefaultShouldRetry retries everything except context cancellation.
func DefaultShouldRetry(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Backoff returns the pre-jitter delay before retry k (1-indexed).
func (p Policy) Backoff(k int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(k-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Do invokes op up to p.MaxAttempts times, sleeping between attempts. On
// success it returns immediately. On exhaustion it propagates the most
// recent failure unchanged. A non-retryable failure short-circuits the
// remaining budget.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	randf := p.randf
	if randf == nil {
		randf = rand.Float64
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out, err := op()
		if err == nil {
			return out, nil
		}
		lastErr = err

		// No delay after the final attempt, and none for failures the
		// caller classified as permanent.
		if attempt == p.MaxAttempts || !shouldRetry(err) {
			break
		}

		delay := p.Backoff(attempt)
		if p.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + randf()))
		}
		if delay > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return zero, fmt.Errorf("retry wait: %w", serr)
			}
		}
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
