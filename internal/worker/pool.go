package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// runSlots starts one goroutine per execution slot
func (w *Worker) runSlots(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.slotLoop(ctx, fmt.Sprintf("%s-%d", w.workerID, i))
	}

	w.logger.Info("Execution slots started",
		slog.String("worker_id", w.workerID),
		slog.Int("slots", w.concurrency),
	)
}

// slotLoop runs items handed over by the dispatcher until ctx is canceled.
// A received item runs on a detached context so shutdown waits for it.
func (w *Worker) slotLoop(ctx context.Context, slot string) {
	defer w.wg.Done()

	logger := w.logger.With(slog.String("slot", slot))
	runCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Slot stopped")
			return

		case item := <-w.jobsChan:
			started := w.clock()
			w.processItem(runCtx, item)
			logger.Debug("Slot finished item",
				slog.String("item_id", item.ID),
				slog.String("run_id", item.RunID),
				slog.Int("deliveries", item.Deliveries),
				slog.Duration("took", w.clock().Sub(started)),
			)

			// Free the slot the dispatcher reserved for this item
			<-w.slots
		}
	}
}
