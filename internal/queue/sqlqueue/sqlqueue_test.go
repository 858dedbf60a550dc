package sqlqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/queue/queuetest"
	"github.com/cuongbtq/job-scheduler/shared/database"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueSQLite(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, clock *queuetest.Clock) queue.Queue {
		client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, discardLogger())
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })

		q := New(client.GetDB(), discardLogger(), clock.Now)
		require.NoError(t, q.Migrate(context.Background()))
		return q
	})
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, discardLogger())
	require.NoError(t, err)
	defer client.Close()

	q := New(client.GetDB(), discardLogger(), nil)
	require.NoError(t, q.Migrate(ctx))

	_, err = q.Enqueue(ctx, domain.QueueItem{RunID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.QueueItem{RunID: "b"})
	require.NoError(t, err)

	n, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDequeueDriverErrorIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`UPDATE queue_items SET deliveries = deliveries \+ 1`).
		WillReturnError(errors.New("database is locked"))

	q := New(sqlx.NewDb(db, "sqlmock"), discardLogger(), nil)
	_, err = q.Dequeue(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
