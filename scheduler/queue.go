package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jobriver/jobriver/core"
)

// workItem is one dispatchable sub-task attempt.
type workItem struct {
	jobID       string
	platform    core.Platform
	priority    core.Priority
	submittedAt time.Time
	enqueuedAt  time.Time
}

// itemHeap orders work items by priority (urgent first), then submission
// time (oldest first) so equal-priority jobs dispatch fairly.
type itemHeap []*workItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].submittedAt.Before(h[j].submittedAt)
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*workItem)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// intakeQueue is the bounded priority queue feeding the dispatcher.
// Submissions respect the capacity; retries and requeues bypass it so
// accepted work is never dropped.
type intakeQueue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int

	// signal wakes the dispatcher; buffered so pushes never block
	signal chan struct{}
}

func newIntakeQueue(capacity int) *intakeQueue {
	return &intakeQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

func (q *intakeQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// hasCapacity reports whether n more items fit under the admission limit.
func (q *intakeQueue) hasCapacity(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)+n <= q.capacity
}

// push enqueues items without an admission check.
func (q *intakeQueue) push(items ...*workItem) {
	q.mu.Lock()
	now := time.Now()
	for _, item := range items {
		item.enqueuedAt = now
		heap.Push(&q.items, item)
	}
	q.mu.Unlock()
	q.wake()
}

// pop removes the highest-priority item, or nil when empty.
func (q *intakeQueue) pop() *workItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*workItem)
}

func (q *intakeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drop removes all queued items belonging to jobID. Used on cancellation.
func (q *intakeQueue) drop(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.jobID == jobID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}
