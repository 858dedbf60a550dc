// Package queuetest holds the delivery-semantics suite every queue.Queue backend must pass.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current instant
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds an empty queue driven by clock
type Factory func(t *testing.T, clock *Clock) queue.Queue

// Start is the clock origin used by the suite
var Start = time.UnixMilli(1767225600000)

// Run executes the suite against queues produced by newQueue
func Run(t *testing.T, newQueue Factory) {
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newQueue) })
	t.Run("VisibilityTimeout", func(t *testing.T) { testVisibilityTimeout(t, newQueue) })
	t.Run("Acknowledge", func(t *testing.T) { testAcknowledge(t, newQueue) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newQueue) })
	t.Run("Extend", func(t *testing.T) { testExtend(t, newQueue) })
	t.Run("StaleDelivery", func(t *testing.T) { testStaleDelivery(t, newQueue) })
	t.Run("UnknownItems", func(t *testing.T) { testUnknownItems(t, newQueue) })
	t.Run("ConcurrentConsumers", func(t *testing.T) { testConcurrentConsumers(t, newQueue) })
}

func enqueue(t *testing.T, q queue.Queue, runID string) *domain.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), domain.QueueItem{RunID: runID, JobName: "job"})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	return item
}

func testFIFO(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock(Start)
	q := newQueue(t, clock)

	enqueue(t, q, "run-1")
	clock.Advance(time.Millisecond)
	enqueue(t, q, "run-2")

	first, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, 1, first.Deliveries)

	second, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "run-2", second.RunID)

	empty, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func testVisibilityTimeout(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock(Start)
	q := newQueue(t, clock)

	enqueue(t, q, "run-1")

	item, err := q.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	clock.Advance(9 * time.Second)
	hidden, err := q.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, hidden, "in-flight item must stay hidden")

	clock.Advance(2 * time.Second)
	again, err := q.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again, "expired item must be redelivered")
	assert.Equal(t, item.ID, again.ID)
	assert.Equal(t, 2, again.Deliveries)
}

func testAcknowledge(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock(Start)
	q := newQueue(t, clock)

	enqueue(t, q, "run-1")
	item, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Acknowledge(ctx, item.ID, item.Deliveries))

	clock.Advance(time.Hour)
	gone, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testRelease(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock(Start)
	q := newQueue(t, clock)

	enqueue(t, q, "run-1")
	item, err := q.Dequeue(ctx, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Release(ctx, item.ID, item.Deliveries))

	again, err := q.Dequeue(ctx, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "run-1", again.RunID)
	assert.Equal(t, 2, again.Deliveries)
}

func testExtend(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock(Start)
	q := newQueue(t, clock)

	enqueue(t, q, "run-1")
	item, err := q.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	clock.Advance(8 * time.Second)
	require.NoError(t, q.Extend(ctx, item.ID, item.Deliveries, 10*time.Second))

	clock.Advance(8 * time.Second)
	hidden, err := q.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, hidden, "extended item must stay hidden")

	clock.Advance(3 * time.Second)
	again, err := q.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func testStaleDelivery(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock(Start)
	q := newQueue(t, clock)

	enqueue(t, q, "run-1")

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(2 * time.Second)
	second, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second, "expired item must be redelivered")
	assert.Equal(t, first.ID, second.ID)

	// The first consumer lost the item; none of its calls may touch the new delivery.
	assert.ErrorIs(t, q.Release(ctx, first.ID, first.Deliveries), domain.ErrStaleDelivery)
	assert.ErrorIs(t, q.Extend(ctx, first.ID, first.Deliveries, time.Hour), domain.ErrStaleDelivery)
	assert.ErrorIs(t, q.Acknowledge(ctx, first.ID, first.Deliveries), domain.ErrStaleDelivery)

	hidden, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, hidden, "item must stay hidden for its current consumer")

	require.NoError(t, q.Acknowledge(ctx, second.ID, second.Deliveries))
	clock.Advance(time.Hour)
	gone, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testUnknownItems(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, NewClock(Start))

	assert.ErrorIs(t, q.Acknowledge(ctx, "missing", 1), domain.ErrQueueItemNotFound)
	assert.ErrorIs(t, q.Release(ctx, "missing", 1), domain.ErrQueueItemNotFound)
	assert.ErrorIs(t, q.Extend(ctx, "missing", 1, time.Second), domain.ErrQueueItemNotFound)
}

func testConcurrentConsumers(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, NewClock(Start))

	const items = 20
	for i := 0; i < items; i++ {
		enqueue(t, q, "run")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Dequeue(ctx, time.Hour)
				if !assert.NoError(t, err) || item == nil {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s delivered more than once inside its visibility window", id)
	}
}
