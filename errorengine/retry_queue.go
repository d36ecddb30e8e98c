package errorengine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jobriver/jobriver/core"
)

// retryItem is one delayed retry waiting for its ready time.
type retryItem struct {
	readyAt  time.Time
	jobID    string
	platform core.Platform
	priority core.Priority
	attempt  int
}

// retryHeap is a min-heap on (readyAt, priority).
type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].priority > h[j].priority
}
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(*retryItem)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retryQueue holds scheduled retries until they become ready. A single
// drain loop in the engine consumes it; wake signals re-arm the timer
// when an earlier item lands.
type retryQueue struct {
	mu    sync.Mutex
	items retryHeap
	wake  chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{wake: make(chan struct{}, 1)}
}

func (q *retryQueue) schedule(item *retryItem) {
	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// nextReady pops every item whose ready time passed and reports how long
// to sleep until the next one (0 when the queue is empty).
func (q *retryQueue) nextReady(now time.Time) ([]*retryItem, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*retryItem
	for len(q.items) > 0 && !q.items[0].readyAt.After(now) {
		ready = append(ready, heap.Pop(&q.items).(*retryItem))
	}
	if len(q.items) == 0 {
		return ready, 0
	}
	return ready, q.items[0].readyAt.Sub(now)
}

func (q *retryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
