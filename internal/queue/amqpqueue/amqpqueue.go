// Package amqpqueue implements queue.Queue on a RabbitMQ queue. The broker
// keeps a fetched message unacknowledged while this process tracks its
// visibility deadline; an expired, released or abandoned message is
// republished with its delivery count and the original is acknowledged.
package amqpqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveriesHeader carries how many times an item was handed out before
const DeliveriesHeader = "x-deliveries"

// Broker is the subset of the RabbitMQ client the queue needs
type Broker interface {
	Publish(ctx context.Context, msg amqp.Publishing) error
	Get(ctx context.Context) (amqp.Delivery, bool, error)
}

// message is the JSON body of a queued item
type message struct {
	ItemID     string `json:"item_id"`
	RunID      string `json:"run_id"`
	JobName    string `json:"job_name"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

type inflight struct {
	delivery amqp.Delivery
	item     domain.QueueItem
	deadline time.Time
}

// Queue implements queue.Queue on a Broker
type Queue struct {
	broker Broker
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
}

// New creates a queue on broker. A nil clock uses time.Now.
func New(broker Broker, logger *slog.Logger, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		broker:   broker,
		logger:   logger,
		clock:    clock,
		inflight: make(map[string]*inflight),
	}
}

// Enqueue publishes a persistent message for item
func (q *Queue) Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	now := q.clock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	item.VisibleAt = now

	if err := q.publish(ctx, item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *Queue) publish(ctx context.Context, item domain.QueueItem) error {
	body, err := json.Marshal(message{
		ItemID:     item.ID,
		RunID:      item.RunID,
		JobName:    item.JobName,
		EnqueuedAt: item.EnqueuedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    item.ID,
		Timestamp:    q.clock(),
		Headers:      amqp.Table{DeliveriesHeader: int32(item.Deliveries)},
		Body:         body,
	}
	if err := q.broker.Publish(ctx, msg); err != nil {
		return domain.NewTransientError("publish", err)
	}
	return nil
}

// Dequeue returns expired in-flight items to the broker, then fetches one message
func (q *Queue) Dequeue(ctx context.Context, visibility time.Duration) (*domain.QueueItem, error) {
	q.reapExpired(ctx)

	for {
		delivery, ok, err := q.broker.Get(ctx)
		if err != nil {
			return nil, domain.NewTransientError("get", err)
		}
		if !ok {
			return nil, nil
		}

		item, err := decode(delivery)
		if err != nil {
			q.logger.Error("Dropping malformed queue message",
				slog.String("message_id", delivery.MessageId),
				slog.Any("error", err),
			)
			// NACK without requeue - malformed messages go to the dead-letter exchange
			if nackErr := delivery.Nack(false, false); nackErr != nil {
				q.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
			}
			continue
		}

		now := q.clock()
		item.Deliveries++
		item.VisibleAt = now.Add(visibility)

		q.mu.Lock()
		q.inflight[item.ID] = &inflight{delivery: delivery, item: item, deadline: item.VisibleAt}
		q.mu.Unlock()

		out := item
		return &out, nil
	}
}

func decode(delivery amqp.Delivery) (domain.QueueItem, error) {
	var msg message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return domain.QueueItem{}, err
	}
	if msg.ItemID == "" || msg.RunID == "" {
		return domain.QueueItem{}, errors.New("queue message without item or run id")
	}

	deliveries := 0
	switch v := delivery.Headers[DeliveriesHeader].(type) {
	case int32:
		deliveries = int(v)
	case int64:
		deliveries = int(v)
	case int:
		deliveries = v
	}

	return domain.QueueItem{
		ID:         msg.ItemID,
		RunID:      msg.RunID,
		JobName:    msg.JobName,
		Deliveries: deliveries,
		EnqueuedAt: time.UnixMilli(msg.EnqueuedAt),
	}, nil
}

// take removes the in-flight entry for id as handed out by delivery
func (q *Queue) take(id string, delivery int) (*inflight, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.lookup(id, delivery)
	if err != nil {
		return nil, err
	}
	delete(q.inflight, id)
	return entry, nil
}

// lookup finds the in-flight entry for id. Callers hold mu.
func (q *Queue) lookup(id string, delivery int) (*inflight, error) {
	entry, ok := q.inflight[id]
	if !ok {
		return nil, domain.ErrQueueItemNotFound
	}
	if entry.item.Deliveries != delivery {
		return nil, domain.ErrStaleDelivery
	}
	return entry, nil
}

// Acknowledge acks the broker message of an in-flight item
func (q *Queue) Acknowledge(ctx context.Context, id string, delivery int) error {
	entry, err := q.take(id, delivery)
	if err != nil {
		return err
	}
	if err := entry.delivery.Ack(false); err != nil {
		return domain.NewTransientError("ack", err)
	}
	return nil
}

// Release republishes an in-flight item so any consumer can take it now
func (q *Queue) Release(ctx context.Context, id string, delivery int) error {
	entry, err := q.take(id, delivery)
	if err != nil {
		return err
	}
	return q.requeue(ctx, entry)
}

// Extend pushes the local visibility deadline of an in-flight item
func (q *Queue) Extend(ctx context.Context, id string, delivery int, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.lookup(id, delivery)
	if err != nil {
		return err
	}
	entry.deadline = q.clock().Add(visibility)
	return nil
}

// requeue publishes the item again before acking the original, so a crash
// in between duplicates the item rather than losing it
func (q *Queue) requeue(ctx context.Context, entry *inflight) error {
	if err := q.publish(ctx, entry.item); err != nil {
		// The broker still holds the original; hand it back unacknowledged.
		if nackErr := entry.delivery.Nack(false, true); nackErr != nil {
			q.logger.Error("Failed to NACK message after republish failure", slog.Any("error", nackErr))
		}
		return err
	}
	if err := entry.delivery.Ack(false); err != nil {
		return domain.NewTransientError("ack", err)
	}
	return nil
}

func (q *Queue) reapExpired(ctx context.Context) {
	now := q.clock()

	q.mu.Lock()
	var expired []*inflight
	for id, entry := range q.inflight {
		if !entry.deadline.After(now) {
			expired = append(expired, entry)
			delete(q.inflight, id)
		}
	}
	q.mu.Unlock()

	for _, entry := range expired {
		q.logger.Warn("Visibility timeout expired, redelivering item",
			slog.String("item_id", entry.item.ID),
			slog.String("run_id", entry.item.RunID),
			slog.Int("deliveries", entry.item.Deliveries),
		)
		if err := q.requeue(ctx, entry); err != nil {
			q.logger.Error("Failed to redeliver expired item",
				slog.String("item_id", entry.item.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Close hands every in-flight message back to the broker
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for id, entry := range q.inflight {
		if err := entry.delivery.Nack(false, true); err != nil {
			errs = append(errs, err)
		}
		delete(q.inflight, id)
	}
	return errors.Join(errs...)
}
