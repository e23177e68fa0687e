// Package workqueue implements a priority queue of pending spawn requests:
// highest priority first, FIFO on ties. It only holds and orders requests;
// it does not spawn them or enforce a concurrent-process limit.
package workqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/supervisor/internal/process"
)

// ErrQueueFull is returned when the queue is at max capacity.
var ErrQueueFull = errors.New("workqueue: queue is full")

// QueuedSpawn is one pending spawn request awaiting a free slot.
type QueuedSpawn struct {
	ID       string
	Priority int // higher priority is processed first
	Request  process.SpawnRequest
	QueuedAt time.Time
	seq      uint64 // arrival order, breaks priority ties
	index    int    // heap.Interface bookkeeping
}

type spawnHeap []*QueuedSpawn

func (h spawnHeap) Len() int { return len(h) }

func (h spawnHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h spawnHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *spawnHeap) Push(x interface{}) {
	item := x.(*QueuedSpawn)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *spawnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a priority queue of pending spawn requests, highest priority
// (then earliest-queued on ties) dequeued first.
type Queue struct {
	mu      sync.Mutex
	heap    spawnHeap
	byID    map[string]*QueuedSpawn
	maxSize int
	nextSeq uint64
}

// New creates a Queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{
		heap:    make(spawnHeap, 0),
		byID:    make(map[string]*QueuedSpawn),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds req at the given priority and returns the queued entry's
// id, or ErrQueueFull if the queue is at capacity.
func (q *Queue) Enqueue(req process.SpawnRequest, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return "", ErrQueueFull
	}

	qs := &QueuedSpawn{
		ID:       uuid.New().String(),
		Priority: priority,
		Request:  req,
		QueuedAt: time.Now(),
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.heap, qs)
	q.byID[qs.ID] = qs
	return qs.ID, nil
}

// Dequeue removes and returns the highest-priority entry, or nil if the
// queue is empty.
func (q *Queue) Dequeue() *QueuedSpawn {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qs := heap.Pop(&q.heap).(*QueuedSpawn)
	delete(q.byID, qs.ID)
	return qs
}

// Remove cancels a specific queued entry before it is dequeued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, qs.index)
	delete(q.byID, id)
	return true
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at its configured capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}
