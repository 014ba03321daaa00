// Package ingress implements the bounded inbound FIFO: a multi-producer,
// multi-consumer queue of raw inbound frames that never blocks producers
// and signals soft/hard backpressure watermarks.
package ingress

import (
	"container/list"
	"sync"
	"time"
)

// Item is a single queued frame awaiting validation.
type Item struct {
	ConnID string
	Frame  []byte
}

// Queue is a bounded FIFO of Items. Push never blocks and never fails: it
// either accepts the item or drops it once the hard watermark is reached.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *list.List

	soft   int
	hard   int
	closed bool
}

// New constructs a Queue with the given soft and hard watermarks. hard
// should be roughly 10x soft; callers that pass hard <= soft get hard
// treated as unbounded-within-soft (soft is then also the hard cutoff).
func New(soft, hard int) *Queue {
	if hard < soft {
		hard = soft
	}
	q := &Queue{items: list.New(), soft: soft, hard: hard}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item to the queue. It returns (accepted, belowSoft):
// accepted is false only when the hard watermark has been reached, in
// which case the item was dropped; belowSoft is false once the queue is
// at or above the soft watermark, signalling backpressure to the caller
// even though the item was still accepted.
func (q *Queue) Push(item Item) (accepted bool, belowSoft bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}
	if q.items.Len() >= q.hard {
		return false, false
	}
	q.items.PushBack(item)
	belowSoft = q.items.Len() < q.soft
	q.cond.Signal()
	return true, belowSoft
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Pop removes and returns up to n items, blocking until at least one item
// is available, the deadline elapses, or the queue is closed. A closed
// queue wakes all waiters with an empty, non-nil batch.
func (q *Queue) Pop(n int, deadline time.Time) []Item {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		if deadline.IsZero() {
			q.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return []Item{}
		}
		if !q.waitWithTimeout(remaining) {
			return []Item{}
		}
	}
	if q.items.Len() == 0 {
		return []Item{}
	}

	batch := make([]Item, 0, n)
	for len(batch) < n {
		front := q.items.Front()
		if front == nil {
			break
		}
		q.items.Remove(front)
		batch = append(batch, front.Value.(Item))
	}
	return batch
}

// waitWithTimeout blocks on q.cond for at most d, returning false if the
// timeout elapsed without a signal. The caller must hold q.mu.
func (q *Queue) waitWithTimeout(d time.Duration) bool {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(d)
	for q.items.Len() == 0 && !q.closed && time.Now().Before(deadline) {
		q.cond.Wait()
	}
	return q.items.Len() > 0 || q.closed
}

// Close wakes all blocked poppers with an empty batch and causes future
// Push calls to be rejected. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
