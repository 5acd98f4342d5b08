// Package sessionguard coordinates worker pause/resume around authenticated
// session expiry.
package sessionguard

import (
	"context"
	"fmt"
	"sync"
)

// ReauthFunc performs the human re-authentication step. It is supplied by
// the orchestrator (typically an operator prompt) and runs at most once per
// expiry incident.
type ReauthFunc func(ctx context.Context) error

// RequeueFunc puts the record that triggered an expiry back on the work
// queue. It runs unconditionally for every triggering record.
type RequeueFunc func(ctx context.Context) error

// Guard is the shared gate every worker consults before processing an item.
// The gate starts open. The first worker to report expiry closes it, runs
// the recovery step, and reopens it; workers that report the same incident
// concurrently only re-queue their records.
type Guard struct {
	mu sync.Mutex // recovery mutual-exclusion region

	gateMu sync.Mutex
	gate   chan struct{} // closed channel means the gate is open
	shut   bool

	recoveries int
}

// New constructs a Guard with the gate open.
func New() *Guard {
	gate := make(chan struct{})
	close(gate)
	return &Guard{gate: gate}
}

// Wait blocks until the gate is open or the context ends.
func (g *Guard) Wait(ctx context.Context) error {
	g.gateMu.Lock()
	gate := g.gate
	g.gateMu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gate wait: %w", ctx.Err())
	}
}

// Open reports whether the gate currently admits workers.
func (g *Guard) Open() bool {
	g.gateMu.Lock()
	defer g.gateMu.Unlock()
	return !g.shut
}

// Recoveries returns how many recovery incidents have completed.
func (g *Guard) Recoveries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recoveries
}

// HandleExpiry runs the expiry protocol for one triggering record.
//
// The caller's record is always re-queued. If this caller is the first to
// observe the incident, it closes the gate, runs reauth, re-queues, then
// reopens the gate; every later caller for the same incident re-queues and
// returns without prompting. Exactly one reauth happens per incident no
// matter how many workers observe the expiry concurrently.
func (g *Guard) HandleExpiry(ctx context.Context, reauth ReauthFunc, requeue RequeueFunc) error {
	g.mu.Lock()
	if !g.Open() {
		// Another worker already closed the gate for this incident; just
		// hand the record back.
		g.mu.Unlock()
		return requeue(ctx)
	}
	g.close()
	g.mu.Unlock()

	// First responder from here on. The gate reopens no matter how recovery
	// ends so the other workers are never wedged.
	defer g.open()

	if err := reauth(ctx); err != nil {
		// The record must not be lost even when recovery fails.
		if rqErr := requeue(ctx); rqErr != nil {
			return fmt.Errorf("requeue after failed reauth: %w", rqErr)
		}
		return fmt.Errorf("session recovery: %w", err)
	}
	if err := requeue(ctx); err != nil {
		return fmt.Errorf("requeue after reauth: %w", err)
	}

	g.mu.Lock()
	g.recoveries++
	g.mu.Unlock()
	return nil
}

func (g *Guard) close() {
	g.gateMu.Lock()
	defer g.gateMu.Unlock()
	if g.shut {
		return
	}
	g.gate = make(chan struct{})
	g.shut = true
}

func (g *Guard) open() {
	g.gateMu.Lock()
	defer g.gateMu.Unlock()
	if !g.shut {
		return
	}
	close(g.gate)
	g.shut = false
}
