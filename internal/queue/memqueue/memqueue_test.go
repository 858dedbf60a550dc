package memqueue

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, clock *queuetest.Clock) queue.Queue {
		return New(clock.Now)
	})
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	q := New(nil)
	_, err := q.Enqueue(context.Background(), domain.QueueItem{ID: "a", RunID: "r"})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), domain.QueueItem{ID: "a", RunID: "r"})
	assert.Error(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestAcknowledgeKeepsHeapOrdered(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock(queuetest.Start)
	q := New(clock.Now)

	var ids []string
	for i := 0; i < 5; i++ {
		item, err := q.Enqueue(ctx, domain.QueueItem{RunID: "r"})
		require.NoError(t, err)
		ids = append(ids, item.ID)
		clock.Advance(time.Millisecond)
	}

	require.NoError(t, q.Acknowledge(ctx, ids[2], 0))
	require.NoError(t, q.Acknowledge(ctx, ids[0], 0))

	var got []string
	for {
		item, err := q.Dequeue(ctx, time.Hour)
		require.NoError(t, err)
		if item == nil {
			break
		}
		got = append(got, item.ID)
	}
	assert.Equal(t, []string{ids[1], ids[3], ids[4]}, got)
}

func TestClosed(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), domain.QueueItem{RunID: "r"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Dequeue(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
