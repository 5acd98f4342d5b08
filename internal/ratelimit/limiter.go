// Package ratelimit implements the sliding-window limiter shared by all
// download workers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Observer is notified of the delay a caller spent waiting for a slot.
// Used to feed the rate-limit delay histogram without coupling this package
// to the metrics registry.
type Observer func(delay time.Duration)

// Limiter allows at most maxCalls acquisitions within any rolling window.
//
// All workers share one instance. Acquire blocks until a slot is available.
// Waiters are serialized, which keeps ordering fair enough that no caller
// starves, though strict FIFO is not guaranteed.
type Limiter struct {
	maxCalls int
	window   time.Duration
	observer Observer

	acquireMu sync.Mutex // serializes acquirers across the wait
	mu        sync.Mutex // guards slots
	slots     []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithObserver registers a wait-delay observer.
func WithObserver(obs Observer) Option {
	return func(l *Limiter) { l.observer = obs }
}

// WithClock overrides the time source and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// New constructs a Limiter. maxCalls must be >= 1.
func New(maxCalls int, window time.Duration, opts ...Option) (*Limiter, error) {
	if maxCalls < 1 {
		return nil, fmt.Errorf("rate limit max calls must be >= 1, got %d", maxCalls)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	l := &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a rate-limit slot is available, then claims it.
// It returns early only when the context ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.acquireMu.Lock()
	defer l.acquireMu.Unlock()

	start := l.now()

	l.mu.Lock()
	l.prune(start)
	var wait time.Duration
	if len(l.slots) >= l.maxCalls {
		// The oldest slot must age out of the window before we may proceed.
		wait = l.slots[0].Add(l.window).Sub(start)
	}
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	now := l.now()
	l.mu.Lock()
	l.prune(now)
	if len(l.slots) >= l.maxCalls {
		l.slots = l.slots[1:]
	}
	l.slots = append(l.slots, now)
	l.mu.Unlock()

	if l.observer != nil {
		if delay := now.Sub(start); delay > 0 {
			l.observer(delay)
		}
	}
	return nil
}

// CurrentRate reports the number of acquisitions recorded in the current
// window. Approximate under concurrent mutation.
func (l *Limiter) CurrentRate() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.slots {
		if t.After(now.Add(-l.window)) {
			n++
		}
	}
	return n
}

// prune drops timestamps that have aged out. Callers hold mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.slots) && !l.slots[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.slots = append(l.slots[:0], l.slots[i:]...)
	}
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
