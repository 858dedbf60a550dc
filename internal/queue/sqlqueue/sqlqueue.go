// Package sqlqueue implements queue.Queue on a table in the job store database.
// Visibility is a deadline column; dequeueing is a single conditional update.
package sqlqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

const itemColumns = `id, run_id, job_name, deliveries, visible_at, enqueued_at`

type itemRow struct {
	ID         string `db:"id"`
	RunID      string `db:"run_id"`
	JobName    string `db:"job_name"`
	Deliveries int    `db:"deliveries"`
	VisibleAt  int64  `db:"visible_at"`
	EnqueuedAt int64  `db:"enqueued_at"`
}

func (r *itemRow) toDomain() *domain.QueueItem {
	return &domain.QueueItem{
		ID:         r.ID,
		RunID:      r.RunID,
		JobName:    r.JobName,
		Deliveries: r.Deliveries,
		VisibleAt:  time.UnixMilli(r.VisibleAt),
		EnqueuedAt: time.UnixMilli(r.EnqueuedAt),
	}
}

// Queue implements queue.Queue on SQL
type Queue struct {
	db       *sqlx.DB
	logger   *slog.Logger
	clock    func() time.Time
	postgres bool
}

// New creates a queue on an open database handle. A nil clock uses time.Now.
func New(db *sqlx.DB, logger *slog.Logger, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		db:       db,
		logger:   logger,
		clock:    clock,
		postgres: db.DriverName() == "postgres",
	}
}

// Migrate creates the queue table if it does not exist yet
func (q *Queue) Migrate(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return nil
}

// Enqueue adds a visible item
func (q *Queue) Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
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

	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		item.ID, item.RunID, item.JobName, item.Deliveries, item.VisibleAt.UnixMilli(), item.EnqueuedAt.UnixMilli())
	if err != nil {
		return nil, domain.NewTransientError("enqueue", err)
	}
	return &item, nil
}

// Dequeue hands out the earliest visible item
func (q *Queue) Dequeue(ctx context.Context, visibility time.Duration) (*domain.QueueItem, error) {
	now := q.clock()
	lock := ""
	if q.postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE queue_items
		SET deliveries = deliveries + 1,
		    visible_at = ?
		WHERE id = (
			SELECT id FROM queue_items
			WHERE visible_at <= ?
			ORDER BY visible_at, enqueued_at, id
			LIMIT 1` + lock + `
		)
		RETURNING ` + itemColumns

	var row itemRow
	err := q.db.GetContext(ctx, &row, q.db.Rebind(query), now.Add(visibility).UnixMilli(), now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewTransientError("dequeue", err)
	}
	return row.toDomain(), nil
}

// Acknowledge removes an item
func (q *Queue) Acknowledge(ctx context.Context, id string, delivery int) error {
	return q.affectOne(ctx, "acknowledge", id,
		`DELETE FROM queue_items WHERE id = ? AND deliveries = ?`, id, delivery)
}

// Release makes an item visible immediately
func (q *Queue) Release(ctx context.Context, id string, delivery int) error {
	return q.affectOne(ctx, "release", id,
		`UPDATE queue_items SET visible_at = ? WHERE id = ? AND deliveries = ?`,
		q.clock().UnixMilli(), id, delivery)
}

// Extend hides an item for another visibility period
func (q *Queue) Extend(ctx context.Context, id string, delivery int, visibility time.Duration) error {
	return q.affectOne(ctx, "extend", id,
		`UPDATE queue_items SET visible_at = ? WHERE id = ? AND deliveries = ?`,
		q.clock().Add(visibility).UnixMilli(), id, delivery)
}

// affectOne runs a statement guarded by id and delivery count. When no row
// matched it tells a missing item from one that was redelivered.
func (q *Queue) affectOne(ctx context.Context, op, id, query string, args ...interface{}) error {
	result, err := q.db.ExecContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return domain.NewTransientError(op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.NewTransientError(op, err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var n int
	if err := q.db.GetContext(ctx, &n, q.db.Rebind(`SELECT COUNT(*) FROM queue_items WHERE id = ?`), id); err != nil {
		return domain.NewTransientError(op, err)
	}
	if n > 0 {
		return domain.ErrStaleDelivery
	}
	return domain.ErrQueueItemNotFound
}

// Depth returns the number of stored items, visible or in flight
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue_items`); err != nil {
		return 0, domain.NewTransientError("depth", err)
	}
	return n, nil
}

// Close is a no-op; the database handle belongs to the caller
func (q *Queue) Close() error {
	return nil
}
