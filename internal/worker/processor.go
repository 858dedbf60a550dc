package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/retry"
)

// errCanceled is recorded on runs stopped by a cancel request
var errCanceled = errors.New("cancel requested")

// processItem runs one delivery of a queue item to completion: it either
// acknowledges the item (the run is terminal), releases it (retry or
// concurrency limit), or leaves it for the visibility timeout when the store
// cannot be updated.
func (w *Worker) processItem(ctx context.Context, item *domain.QueueItem) {
	logger := w.logger.With(
		slog.String("run_id", item.RunID),
		slog.String("job_name", item.JobName),
		slog.String("item_id", item.ID),
	)

	// Step 1: Load the run this item refers to
	var run *domain.JobRun
	err := retry.Do(ctx, w.retry, logger, "get_run", func() error {
		var err error
		run, err = w.store.GetRun(ctx, item.RunID)
		return err
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		logger.Warn("Dropping item for unknown run")
		w.acknowledge(ctx, logger, item)
		return
	}
	if err != nil {
		logger.Error("Failed to load run, leaving item for redelivery", slog.Any("error", err))
		return
	}

	// A duplicate delivery of a finished run only needs to be acknowledged.
	// Completing again is harmless and repairs a crash between the two steps.
	if run.Status.IsTerminal() {
		logger.Info("Run already finished, acknowledging duplicate delivery",
			slog.String("status", string(run.Status)),
		)
		w.acknowledge(ctx, logger, item)
		w.complete(ctx, logger, run.ID)
		return
	}

	if run.CancelRequested {
		logger.Info("Run canceled before execution")
		w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, errCanceled.Error())
		return
	}

	// Step 2: Load the definition for limits and the handler reference
	var def *domain.JobDefinition
	err = retry.Do(ctx, w.retry, logger, "get_definition", func() error {
		var err error
		def, err = w.store.GetDefinition(ctx, run.JobName)
		return err
	})
	if errors.Is(err, domain.ErrJobNotFound) {
		logger.Error("Job definition missing, failing run")
		w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, err.Error())
		return
	}
	if err != nil {
		logger.Error("Failed to load definition, leaving item for redelivery", slog.Any("error", err))
		return
	}

	// Step 3: Respect the cluster-wide concurrency limit
	var running int
	err = retry.Do(ctx, w.retry, logger, "count_running", func() error {
		var err error
		running, err = w.store.CountRunning(ctx, def.Name)
		return err
	})
	if err != nil {
		logger.Error("Failed to count running runs, leaving item for redelivery", slog.Any("error", err))
		return
	}
	if run.Status == domain.RunStatusRunning {
		// A redelivered run is already counted
		running--
	}
	if running >= def.ConcurrencyLimit {
		logger.Info("Concurrency limit reached, releasing item",
			slog.Int("running", running),
			slog.Int("concurrency_limit", def.ConcurrencyLimit),
		)
		w.release(ctx, logger, item)
		return
	}

	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.maxAttempts
	}

	// A run whose attempts are used up is a poison item: a previous delivery
	// never reported back, e.g. because the handler crashed the process.
	if run.Attempts >= maxAttempts {
		poison := &domain.PoisonItemError{RunID: run.ID, JobName: run.JobName, Attempts: run.Attempts}
		logger.Error("Poison item removed from circulation",
			slog.Int("attempts", run.Attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.Int("deliveries", item.Deliveries),
		)
		msg := poison.Error()
		if run.LastError != "" {
			msg += ": " + run.LastError
		}
		w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, msg)
		return
	}

	// Step 4: Claim the run (Pending/Running -> Running, attempts+1)
	var claimed *domain.JobRun
	err = retry.Do(ctx, w.retry, logger, "claim_run", func() error {
		var err error
		claimed, err = w.store.ClaimRun(ctx, run.ID, w.workerID, w.clock())
		return err
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		logger.Info("Run finished concurrently, acknowledging item")
		w.acknowledge(ctx, logger, item)
		return
	}
	if err != nil {
		logger.Error("Failed to claim run, leaving item for redelivery", slog.Any("error", err))
		return
	}

	// Step 5: Resolve handler and validate payload
	handler, err := w.registry.Get(def.HandlerName)
	if err != nil {
		logger.Error("Handler not registered, failing run",
			slog.String("handler", def.HandlerName),
		)
		w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, err.Error())
		return
	}
	if claimed.Payload != "" && !json.Valid([]byte(claimed.Payload)) {
		logger.Error("Invalid payload JSON, failing run")
		w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, domain.ErrInvalidPayload.Error())
		return
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = w.jobTimeout
	}

	logger.Info("Executing run",
		slog.Int("attempt", claimed.Attempts),
		slog.Int("max_attempts", maxAttempts),
		slog.Duration("timeout", timeout),
	)

	// Step 6: Execute with timeout, heartbeat and cancel watcher
	started := w.clock()
	execErr := w.execute(ctx, logger, handler, item, claimed, timeout)
	duration := w.clock().Sub(started)

	if execErr == nil {
		logger.Info("Run succeeded",
			slog.Int("attempt", claimed.Attempts),
			slog.Duration("duration", duration),
		)
		w.finish(ctx, logger, item, run.ID, domain.RunStatusSucceeded, "")
		return
	}

	handlerErr := &domain.HandlerError{JobName: run.JobName, RunID: run.ID, Err: execErr}
	if errors.Is(execErr, errCanceled) {
		logger.Info("Run canceled", slog.Duration("duration", duration))
		w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, errCanceled.Error())
		return
	}

	if claimed.Attempts < maxAttempts {
		logger.Warn("Run attempt failed, releasing for retry",
			slog.Int("attempt", claimed.Attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.Any("error", handlerErr),
		)
		err := retry.Do(ctx, w.retry, logger, "record_attempt_failure", func() error {
			return w.store.RecordAttemptFailure(ctx, run.ID, execErr.Error(), w.clock())
		})
		if err != nil {
			logger.Error("Failed to record attempt failure", slog.Any("error", err))
		}
		w.release(ctx, logger, item)
		return
	}

	logger.Error("Run failed after max attempts",
		slog.Int("attempts", claimed.Attempts),
		slog.Any("error", handlerErr),
	)
	w.finish(ctx, logger, item, run.ID, domain.RunStatusFailed, execErr.Error())
}

// execute invokes the handler in its own goroutine so a handler ignoring its
// context cannot hold the slot past the timeout
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, handler Handler, item *domain.QueueItem, run *domain.JobRun, timeout time.Duration) error {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watchCtx, stopWatch := context.WithCancel(jobCtx)
	canceled := make(chan struct{})
	go w.watchRun(watchCtx, logger, item, run.ID, canceled, cancel)
	defer stopWatch()

	exec := Execution{
		RunID:   run.ID,
		JobName: run.JobName,
		Seq:     run.Seq,
		Kind:    run.Kind,
		Attempt: run.Attempts,
		Payload: run.Payload,
		FireAt:  run.FireAt,
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Handler panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler.Handle(jobCtx, exec)
	}()

	select {
	case err := <-done:
		select {
		case <-canceled:
			return errCanceled
		default:
		}
		if err == nil && jobCtx.Err() == context.DeadlineExceeded {
			// Finished, but only after its deadline
			return fmt.Errorf("handler exceeded timeout of %s", timeout)
		}
		return err
	case <-jobCtx.Done():
		select {
		case <-canceled:
			return errCanceled
		default:
		}
		logger.Warn("Handler timed out", slog.Duration("timeout", timeout))
		w.awaitAbandoned(logger, done)
		return fmt.Errorf("handler exceeded timeout of %s: %w", timeout, jobCtx.Err())
	}
}

// awaitAbandoned gives a timed-out handler the abandon grace period to return
// before the caller releases or fails its item
func (w *Worker) awaitAbandoned(logger *slog.Logger, done <-chan error) {
	grace := time.NewTimer(w.abandonGrace)
	defer grace.Stop()

	select {
	case <-done:
		logger.Info("Timed-out handler returned within grace period")
	case <-grace.C:
		logger.Warn("Handler ignored its context and is still running, abandoning it",
			slog.Duration("grace", w.abandonGrace),
		)
	}
}

// watchRun extends the item's visibility while the handler runs and cancels
// the handler context once a cancel request is seen
func (w *Worker) watchRun(ctx context.Context, logger *slog.Logger, item *domain.QueueItem, runID string, canceled chan<- struct{}, cancel context.CancelFunc) {
	heartbeat := time.NewTicker(w.visibility / 3)
	defer heartbeat.Stop()
	cancelPoll := time.NewTicker(w.cancelInterval)
	defer cancelPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			err := w.queue.Extend(ctx, item.ID, item.Deliveries, w.visibility)
			if errors.Is(err, domain.ErrStaleDelivery) {
				logger.Warn("Item was redelivered to another consumer, stopping heartbeat",
					slog.Int("deliveries", item.Deliveries),
				)
				heartbeat.Stop()
				continue
			}
			if err != nil {
				logger.Warn("Failed to extend item visibility", slog.Any("error", err))
			}

		case <-cancelPoll.C:
			run, err := w.store.GetRun(ctx, runID)
			if err != nil {
				logger.Debug("Failed to poll cancel flag", slog.Any("error", err))
				continue
			}
			if run.CancelRequested {
				logger.Info("Cancel requested, stopping handler")
				close(canceled)
				cancel()
				return
			}
		}
	}
}

// finish records a terminal status, then acknowledges and completes the run.
// If the status cannot be stored the item is left for redelivery.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, item *domain.QueueItem, runID string, status domain.RunStatus, errMsg string) {
	err := retry.Do(ctx, w.retry, logger, "record_run_transition", func() error {
		return w.store.RecordRunTransition(ctx, runID, status, errMsg, w.clock())
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		logger.Error("Failed to record run outcome, leaving item for redelivery",
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
		return
	}
	w.acknowledge(ctx, logger, item)
	w.complete(ctx, logger, runID)
}

// complete notifies the completer with the stored run
func (w *Worker) complete(ctx context.Context, logger *slog.Logger, runID string) {
	if w.completer == nil {
		return
	}
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error("Failed to reload run for completion", slog.Any("error", err))
		return
	}
	if err := w.completer.OnRunComplete(ctx, run); err != nil {
		logger.Error("Failed to complete run", slog.Any("error", err))
	}
}

func (w *Worker) acknowledge(ctx context.Context, logger *slog.Logger, item *domain.QueueItem) {
	err := retry.Do(ctx, w.retry, logger, "acknowledge", func() error {
		return w.queue.Acknowledge(ctx, item.ID, item.Deliveries)
	})
	switch {
	case err == nil, errors.Is(err, domain.ErrQueueItemNotFound):
	case errors.Is(err, domain.ErrStaleDelivery):
		logger.Warn("Item was redelivered before acknowledgement, leaving it to its new consumer")
	default:
		logger.Error("Failed to acknowledge item", slog.Any("error", err))
	}
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, item *domain.QueueItem) {
	err := retry.Do(ctx, w.retry, logger, "release", func() error {
		return w.queue.Release(ctx, item.ID, item.Deliveries)
	})
	switch {
	case err == nil, errors.Is(err, domain.ErrQueueItemNotFound):
	case errors.Is(err, domain.ErrStaleDelivery):
		logger.Warn("Item was redelivered before release, leaving it to its new consumer")
	default:
		logger.Error("Failed to release item", slog.Any("error", err))
	}
}
