// Package memqueue is an in-process queue.Queue ordered by visibility deadline.
package memqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue closed")

type entry struct {
	item  domain.QueueItem
	seq   uint64
	index int
}

// entryHeap orders entries by visibility deadline, then by insertion order
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].item.VisibleAt.Equal(h[j].item.VisibleAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].item.VisibleAt.Before(h[j].item.VisibleAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue implements queue.Queue in memory
type Queue struct {
	mu     sync.Mutex
	heap   entryHeap
	index  map[string]*entry
	seq    uint64
	clock  func() time.Time
	closed bool
}

// New creates an empty queue. A nil clock uses time.Now.
func New(clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	q := &Queue{
		index: make(map[string]*entry),
		clock: clock,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a visible item
func (q *Queue) Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := q.clock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.VisibleAt.IsZero() {
		item.VisibleAt = now
	}
	if _, exists := q.index[item.ID]; exists {
		return nil, errors.New("duplicate queue item id " + item.ID)
	}

	q.seq++
	e := &entry{item: item, seq: q.seq}
	heap.Push(&q.heap, e)
	q.index[item.ID] = e

	out := item
	return &out, nil
}

// Dequeue hands out the earliest visible item
func (q *Queue) Dequeue(ctx context.Context, visibility time.Duration) (*domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	if q.heap.Len() == 0 {
		return nil, nil
	}
	now := q.clock()
	e := q.heap[0]
	if e.item.VisibleAt.After(now) {
		return nil, nil
	}

	e.item.Deliveries++
	e.item.VisibleAt = now.Add(visibility)
	heap.Fix(&q.heap, e.index)

	out := e.item
	return &out, nil
}

// Acknowledge removes an item
func (q *Queue) Acknowledge(ctx context.Context, id string, delivery int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	e, err := q.lookup(id, delivery)
	if err != nil {
		return err
	}
	heap.Remove(&q.heap, e.index)
	delete(q.index, id)
	return nil
}

// Release makes an item visible immediately
func (q *Queue) Release(ctx context.Context, id string, delivery int) error {
	return q.setVisible(id, delivery, 0)
}

// Extend hides an item for another visibility period
func (q *Queue) Extend(ctx context.Context, id string, delivery int, visibility time.Duration) error {
	return q.setVisible(id, delivery, visibility)
}

// lookup finds the entry for id as handed out by delivery. Callers hold mu.
func (q *Queue) lookup(id string, delivery int) (*entry, error) {
	e, ok := q.index[id]
	if !ok {
		return nil, domain.ErrQueueItemNotFound
	}
	if e.item.Deliveries != delivery {
		return nil, domain.ErrStaleDelivery
	}
	return e, nil
}

func (q *Queue) setVisible(id string, delivery int, after time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	e, err := q.lookup(id, delivery)
	if err != nil {
		return err
	}
	e.item.VisibleAt = q.clock().Add(after)
	heap.Fix(&q.heap, e.index)
	return nil
}

// Len returns the number of items, visible or in flight
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close rejects further operations
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
