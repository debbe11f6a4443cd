package processor

import (
	"context"
	"sync"
	"time"
)

// queue is an unbounded FIFO shared by one source's workers. Pushes never
// block; consumers poll with a bounded wait so they can watch their batch
// deadline and shutdown.
type queue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends an item and wakes at most one waiting consumer.
func (q *queue) push(item string) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// tryPop removes the oldest item without blocking.
func (q *queue) tryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// popWait removes the oldest item, waiting up to the given duration for one
// to arrive. Returns false on timeout or context cancellation.
func (q *queue) popWait(ctx context.Context, wait time.Duration) (string, bool) {
	if item, ok := q.tryPop(); ok {
		return item, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-timer.C:
			return q.tryPop()
		case <-q.notify:
			if item, ok := q.tryPop(); ok {
				return item, true
			}
			// Another consumer won the race; keep waiting out the timer.
		}
	}
}

// len reports the number of queued items.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
