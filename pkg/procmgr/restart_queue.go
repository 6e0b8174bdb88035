package procmgr

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RestartQueue holds crashed services waiting for their next restart attempt,
// ordered by the time they become eligible
type RestartQueue interface {
	// Schedule makes name eligible after delay, replacing any earlier entry
	Schedule(name string, delay time.Duration) time.Time

	// Dequeue removes and returns the next eligible service
	// Returns (name, true) if one is ready, ("", false) otherwise
	Dequeue() (string, bool)

	// Remove drops name from the queue
	Remove(name string)

	// Len returns the number of scheduled services
	Len() int
}

// restartQueue implements RestartQueue using a min-heap on readyAt
type restartQueue struct {
	mu    sync.Mutex
	items *restartHeap
	index map[string]*restartItem
	now   func() time.Time
}

type restartItem struct {
	name    string
	readyAt time.Time
	index   int // position in heap
}

type restartHeap []*restartItem

func (h restartHeap) Len() int { return len(h) }

func (h restartHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h restartHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *restartHeap) Push(x interface{}) {
	item := x.(*restartItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *restartHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// NewRestartQueue creates an empty restart queue
func NewRestartQueue() RestartQueue {
	items := &restartHeap{}
	heap.Init(items)

	return &restartQueue{
		items: items,
		index: make(map[string]*restartItem),
		now:   time.Now,
	}
}

// Schedule adds or reschedules name
func (q *restartQueue) Schedule(name string, delay time.Duration) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	readyAt := q.now().Add(delay)

	if item, ok := q.index[name]; ok {
		item.readyAt = readyAt
		heap.Fix(q.items, item.index)
		return readyAt
	}

	item := &restartItem{name: name, readyAt: readyAt}
	heap.Push(q.items, item)
	q.index[name] = item
	return readyAt
}

// Dequeue removes and returns the next ready service
func (q *restartQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return "", false
	}

	item := (*q.items)[0]
	if q.now().Before(item.readyAt) {
		return "", false
	}

	heap.Pop(q.items)
	delete(q.index, item.name)
	return item.name, true
}

// Remove drops name if it is scheduled
func (q *restartQueue) Remove(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.index[name]
	if !ok {
		return
	}
	heap.Remove(q.items, item.index)
	delete(q.index, name)
}

// Len returns the number of scheduled services
func (q *restartQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Jitter adds random jitter to a duration to prevent thundering herd
// jitterFraction is between 0.0 (no jitter) and 1.0 (up to 100% jitter)
func Jitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}

	jitter := rand.Float64() * jitterFraction

	// duration * (1 ± jitter)
	multiplier := 1.0 + (jitter * 2.0) - jitterFraction
	return time.Duration(float64(duration) * multiplier)
}

// ExponentialBackoff calculates exponential backoff duration
// attempt: number of failed attempts (0-indexed)
// baseDelay: initial delay (e.g., 1 second)
// maxDelay: maximum delay cap (e.g., 60 seconds)
// Returns duration with jitter applied
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(baseDelay) * multiplier)

	if delay > maxDelay {
		delay = maxDelay
	}

	// ±25%
	return Jitter(delay, 0.25)
}
