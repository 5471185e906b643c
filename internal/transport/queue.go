package transport

import (
	"sync"
	"time"

	"github.com/kstaniek/go-ibus-server/internal/ibus"
)

// DefaultQueueSize is the outbound queue capacity.
const DefaultQueueSize = 1000

// Item is a queued request plus the instant it was accepted.
type Item struct {
	Req      ibus.OutboundRequest
	Enqueued time.Time
}

// Queue is a fixed-capacity FIFO ring. A full queue rejects the incoming item
// and never evicts an accepted one.
type Queue struct {
	mu    sync.Mutex
	items []Item
	head  int
	n     int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{items: make([]Item, capacity)}
}

// Push appends it to the tail; false means the queue was full and nothing changed.
func (q *Queue) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.items) {
		return false
	}
	q.items[(q.head+q.n)%len(q.items)] = it
	q.n++
	return true
}

// Pop removes and returns the oldest item.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return Item{}, false
	}
	it := q.popLocked()
	return it, true
}

func (q *Queue) popLocked() Item {
	it := q.items[q.head]
	q.items[q.head] = Item{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return it
}

// DropOlderThan removes items accepted before cutoff and returns how many were removed.
// Items are in acceptance order so only the head needs inspecting.
func (q *Queue) DropOlderThan(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for q.n > 0 && q.items[q.head].Enqueued.Before(cutoff) {
		q.popLocked()
		dropped++
	}
	return dropped
}

// Clear empties the queue and returns the number of discarded items.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.n
	for q.n > 0 {
		q.popLocked()
	}
	q.head = 0
	return n
}

func (q *Queue) Len() int { q.mu.Lock(); defer q.mu.Unlock(); return q.n }

func (q *Queue) Cap() int { return len(q.items) }
