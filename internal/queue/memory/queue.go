// Package memory provides the in-memory work queue shared by the scrape and
// download phases.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/hcmtools/hcmfetch/internal/hcm"
)

// Queue is an in-memory queue of document records. It grows without bound,
// because the scrape phase runs to completion before any worker drains and
// must never stall on a full queue. Each dequeue is exclusive; re-queued
// records re-enter at the tail, so FIFO order is not preserved across
// session-expiry re-queues.
type Queue struct {
	mu    sync.Mutex
	items []hcm.DocumentRecord
}

// New constructs a queue. capacity is a pre-allocation hint only; the queue
// grows past it as needed.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{items: make([]hcm.DocumentRecord, 0, capacity)}
}

// Enqueue appends a record to the tail. It never blocks; a canceled context
// is still honored so producers stop cleanly mid-scrape.
func (q *Queue) Enqueue(ctx context.Context, rec hcm.DocumentRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
	return nil
}

// TryDequeue pops the next record without blocking. Workers treat an empty
// queue as the end of the run.
func (q *Queue) TryDequeue() (hcm.DocumentRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return hcm.DocumentRecord{}, false
	}
	rec := q.items[0]
	q.items[0] = hcm.DocumentRecord{}
	q.items = q.items[1:]
	return rec, true
}

// Len reports the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
