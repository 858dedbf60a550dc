package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/retry"
)

// startDispatcher dequeues items and hands them to the execution slots. An item
// is only dequeued once a slot is free, so its visibility window is never
// spent waiting in a buffer.
func (w *Worker) startDispatcher(ctx context.Context) {
	w.logger.Info("Queue dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		// Reserve a slot; slotLoop frees it after processing
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			w.logger.Info("Queue dispatcher stopped - context canceled")
			return
		}

		var item *domain.QueueItem
		err := retry.Do(ctx, w.retry, w.logger, "dequeue", func() error {
			var err error
			item, err = w.queue.Dequeue(ctx, w.visibility)
			return err
		})
		if err != nil || item == nil {
			<-w.slots
			if err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to dequeue item",
					slog.Any("error", err),
				)
			}
			if !w.wait(ctx, w.pollInterval) {
				w.logger.Info("Queue dispatcher stopped - context canceled")
				return
			}
			continue
		}

		select {
		case w.jobsChan <- item:
			w.logger.Debug("Item dispatched to slot",
				slog.String("item_id", item.ID),
				slog.String("run_id", item.RunID),
			)
		case <-ctx.Done():
			<-w.slots
			w.logger.Info("Queue dispatcher stopped while dispatching item")
			// Hand the item back so it can be reprocessed
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.queue.Release(releaseCtx, item.ID, item.Deliveries); err != nil {
				w.logger.Error("Failed to release item on shutdown",
					slog.String("item_id", item.ID),
					slog.Any("error", err),
				)
			}
			cancel()
			return
		}
	}
}

// wait sleeps for d and reports false if ctx ended first
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
