// Package queue holds broadcast items: an immediate FIFO of ready-now items
// and a deferred heap ordered by (priority, scheduledAt, enqueue order).
package queue

import (
	"container/heap"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusDeferred Status = "deferred"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// DefaultPriority is used when a producer does not set one.
const DefaultPriority = 5

type Item struct {
	ChatID      int64
	Text        string
	Priority    int // lower = sooner
	ScheduledAt time.Time
	EnqueuedAt  time.Time
	Attempts    int
	Status      Status
	CampaignID  string

	seq uint64
}

// Queue is safe for concurrent producers and a single consumer.
type Queue struct {
	mu        sync.Mutex
	immediate []Item
	deferred  deferredHeap
	seq       uint64
}

func New() *Queue { return &Queue{} }

// PushImmediate appends to the FIFO.
func (q *Queue) PushImmediate(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.Status = StatusQueued
	q.immediate = append(q.immediate, it)
}

// PushDeferred inserts into the time-ordered heap.
func (q *Queue) PushDeferred(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it.seq = q.seq
	it.Status = StatusDeferred
	heap.Push(&q.deferred, it)
}

// PushFront returns an item to the head of the FIFO. Used for items pulled
// but never dispatched.
func (q *Queue) PushFront(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.Status = StatusQueued
	q.immediate = append(q.immediate, Item{})
	copy(q.immediate[1:], q.immediate)
	q.immediate[0] = it
}

// Pop returns the deferred top when it is due at now, otherwise the FIFO
// head. ok is false when neither has a ready item.
func (q *Queue) Pop(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.deferred) > 0 && !q.deferred[0].ScheduledAt.After(now) {
		return heap.Pop(&q.deferred).(Item), true
	}
	if len(q.immediate) > 0 {
		it := q.immediate[0]
		q.immediate[0] = Item{}
		q.immediate = q.immediate[1:]
		if len(q.immediate) == 0 {
			q.immediate = nil
		}
		return it, true
	}
	return Item{}, false
}

// NextDue returns the scheduled time of the deferred top.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.deferred) == 0 {
		return time.Time{}, false
	}
	return q.deferred[0].ScheduledAt, true
}

// Sizes returns the immediate and deferred lengths.
func (q *Queue) Sizes() (immediate, deferred int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.immediate), len(q.deferred)
}

func (q *Queue) Len() int {
	i, d := q.Sizes()
	return i + d
}

// Clear drops every queued item and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.immediate) + len(q.deferred)
	q.immediate = nil
	q.deferred = nil
	return n
}

type deferredHeap []Item

func (h deferredHeap) Len() int { return len(h) }

func (h deferredHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.seq < b.seq
}

func (h deferredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deferredHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = Item{}
	*h = old[:n-1]
	return it
}
