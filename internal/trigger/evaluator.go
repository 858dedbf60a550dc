package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/google/uuid"
)

// RunCompleter finalizes trigger state once a scheduled run is terminal
type RunCompleter interface {
	OnRunComplete(ctx context.Context, run *domain.JobRun) error
}

// Config holds evaluator configuration
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Queue     queue.Queue
	Completer RunCompleter
	Retry     retry.Policy

	// ReconcileGrace is how long a pending marker may point at a run that
	// does not exist before it is cleared
	ReconcileGrace time.Duration
}

// Evaluator turns due triggers into job runs and queue items. Only the
// elected primary calls Tick.
type Evaluator struct {
	logger         *slog.Logger
	store          store.Store
	queue          queue.Queue
	completer      RunCompleter
	retry          retry.Policy
	reconcileGrace time.Duration

	// undelivered holds runs whose enqueue failed, keyed by job name, so the
	// next Tick can hand the same run to the queue again
	mu          sync.Mutex
	undelivered map[string]*domain.JobRun
}

// NewEvaluator creates a new evaluator instance
func NewEvaluator(cfg *Config) *Evaluator {
	grace := cfg.ReconcileGrace
	if grace <= 0 {
		grace = time.Minute
	}
	return &Evaluator{
		logger:         cfg.Logger,
		store:          cfg.Store,
		queue:          cfg.Queue,
		completer:      cfg.Completer,
		retry:          cfg.Retry,
		reconcileGrace: grace,
		undelivered:    make(map[string]*domain.JobRun),
	}
}

// Initial builds the trigger state of a newly registered definition
func Initial(def *domain.JobDefinition, now time.Time) domain.TriggerState {
	state := domain.TriggerState{JobName: def.Name, UpdatedAt: now}
	next, ok := First(def.Schedule, now)
	if !ok {
		state.Exhausted = true
		return state
	}
	state.NextFireAt = &next
	return state
}

// Tick dispatches every trigger due at now and returns how many runs were enqueued
func (e *Evaluator) Tick(ctx context.Context, now time.Time) (int, error) {
	dispatched := e.redeliverPending(ctx, now)

	var due []domain.DueJob
	err := retry.Do(ctx, e.retry, e.logger, "get_due_definitions", func() error {
		var err error
		due, err = e.store.GetDueDefinitions(ctx, now)
		return err
	})
	if err != nil {
		return dispatched, fmt.Errorf("failed to list due definitions: %w", err)
	}

	var errs []error
	for i := range due {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		ok, err := e.dispatch(ctx, &due[i], now)
		if err != nil {
			e.logger.Error("Failed to dispatch due trigger",
				slog.String("job_name", due[i].Definition.Name),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		if ok {
			dispatched++
		}
	}

	return dispatched, errors.Join(errs...)
}

// dispatch consumes one due trigger. The pending marker is written first so
// a re-tick before the run completes cannot fire the trigger again.
func (e *Evaluator) dispatch(ctx context.Context, job *domain.DueJob, now time.Time) (bool, error) {
	def := &job.Definition
	state := job.State

	var running int
	err := retry.Do(ctx, e.retry, e.logger, "count_running", func() error {
		var err error
		running, err = e.store.CountRunning(ctx, def.Name)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to count running runs: %w", err)
	}

	if running >= def.ConcurrencyLimit {
		e.logger.Debug("Skipping due trigger, concurrency limit reached",
			slog.String("job_name", def.Name),
			slog.Int("running", running),
			slog.Int("concurrency_limit", def.ConcurrencyLimit),
		)
		return false, nil
	}

	runID := uuid.NewString()
	marked := state
	marked.PendingRunID = runID
	marked.UpdatedAt = now

	var swapped bool
	err = retry.Do(ctx, e.retry, e.logger, "mark_pending_dispatch", func() error {
		var err error
		swapped, err = e.store.WriteTriggerState(ctx, marked, state.Version)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark pending dispatch: %w", err)
	}
	if !swapped {
		e.logger.Info("Trigger already advanced by another writer",
			slog.String("job_name", def.Name),
			slog.Int64("version", state.Version),
		)
		return false, nil
	}

	run := &domain.JobRun{
		ID:         runID,
		JobName:    def.Name,
		Kind:       domain.RunKindScheduled,
		Status:     domain.RunStatusPending,
		Payload:    def.Payload,
		FireAt:     *state.NextFireAt,
		EnqueuedAt: now,
	}

	err = retry.Do(ctx, e.retry, e.logger, "create_run", func() error {
		return e.store.CreateRun(ctx, run)
	})
	if err != nil {
		e.clearMarker(ctx, def.Name, runID, now)
		return false, fmt.Errorf("failed to create run: %w", err)
	}

	item, err := e.enqueue(ctx, run, now)
	if err != nil {
		// The run stays Pending behind its marker; the trigger must not fire
		// again until this same run has been delivered.
		e.logger.Warn("Failed to enqueue run, keeping it for redelivery",
			slog.String("job_name", def.Name),
			slog.String("run_id", run.ID),
			slog.Any("error", err),
		)
		e.remember(run)
		e.setUndelivered(ctx, def.Name, run.ID, true, now)
		return false, fmt.Errorf("failed to enqueue run: %w", err)
	}

	e.logger.Info("Trigger fired",
		slog.String("job_name", def.Name),
		slog.String("run_id", run.ID),
		slog.Int64("seq", run.Seq),
		slog.String("queue_item_id", item.ID),
		slog.Time("fire_at", run.FireAt),
	)

	return true, nil
}

func (e *Evaluator) enqueue(ctx context.Context, run *domain.JobRun, now time.Time) (*domain.QueueItem, error) {
	var item *domain.QueueItem
	err := retry.Do(ctx, e.retry, e.logger, "enqueue", func() error {
		var err error
		item, err = e.queue.Enqueue(ctx, domain.QueueItem{RunID: run.ID, JobName: run.JobName, EnqueuedAt: now})
		return err
	})
	return item, err
}

func (e *Evaluator) remember(run *domain.JobRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.undelivered[run.JobName] = run
}

func (e *Evaluator) forget(run *domain.JobRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if held, ok := e.undelivered[run.JobName]; ok && held.ID == run.ID {
		delete(e.undelivered, run.JobName)
	}
}

// holds reports whether run waits for redelivery by the next Tick
func (e *Evaluator) holds(run *domain.JobRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	held, ok := e.undelivered[run.JobName]
	return ok && held.ID == run.ID
}

// redeliverPending retries the enqueue of runs this evaluator failed to
// deliver and returns how many reached the queue
func (e *Evaluator) redeliverPending(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	runs := make([]*domain.JobRun, 0, len(e.undelivered))
	for _, run := range e.undelivered {
		runs = append(runs, run)
	}
	e.mu.Unlock()

	delivered := 0
	for _, run := range runs {
		ok, err := e.redeliver(ctx, run, now)
		if err != nil {
			e.logger.Warn("Failed to redeliver pending run",
				slog.String("job_name", run.JobName),
				slog.String("run_id", run.ID),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

// redeliver enqueues run again if it is still Pending. It reports whether an
// item was enqueued.
func (e *Evaluator) redeliver(ctx context.Context, run *domain.JobRun, now time.Time) (bool, error) {
	var stored *domain.JobRun
	err := retry.Do(ctx, e.retry, e.logger, "get_run", func() error {
		var err error
		stored, err = e.store.GetRun(ctx, run.ID)
		return err
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		e.forget(run)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored.Status != domain.RunStatusPending {
		// Terminal runs complete their trigger through Reconcile
		e.forget(run)
		return false, nil
	}

	item, err := e.enqueue(ctx, stored, now)
	if err != nil {
		return false, err
	}
	e.forget(run)
	e.setUndelivered(ctx, stored.JobName, stored.ID, false, now)

	e.logger.Info("Pending run redelivered",
		slog.String("job_name", stored.JobName),
		slog.String("run_id", stored.ID),
		slog.Int64("seq", stored.Seq),
		slog.String("queue_item_id", item.ID),
	)
	return true, nil
}

// setUndelivered records on the trigger whether its pending run still lacks
// a queue item. Other instances rely on it after a failover.
func (e *Evaluator) setUndelivered(ctx context.Context, name, runID string, undelivered bool, now time.Time) {
	err := retry.Do(ctx, e.retry, e.logger, "set_undelivered", func() error {
		state, err := e.store.ReadTriggerState(ctx, name)
		if err != nil {
			return err
		}
		if state.PendingRunID != runID || state.Undelivered == undelivered {
			return nil
		}
		next := *state
		next.Undelivered = undelivered
		next.UpdatedAt = now
		ok, err := e.store.WriteTriggerState(ctx, next, state.Version)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewTransientError("set_undelivered", errors.New("version conflict"))
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to record delivery state of pending run",
			slog.String("job_name", name),
			slog.String("run_id", runID),
			slog.Bool("undelivered", undelivered),
			slog.Any("error", err),
		)
	}
}

// clearMarker removes a pending marker that still points at runID so the
// trigger becomes due again on the next tick
func (e *Evaluator) clearMarker(ctx context.Context, name, runID string, now time.Time) {
	err := retry.Do(ctx, e.retry, e.logger, "clear_pending_dispatch", func() error {
		state, err := e.store.ReadTriggerState(ctx, name)
		if err != nil {
			return err
		}
		if state.PendingRunID != runID {
			return nil
		}
		cleared := *state
		cleared.PendingRunID = ""
		cleared.UpdatedAt = now
		ok, err := e.store.WriteTriggerState(ctx, cleared, state.Version)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewTransientError("clear_pending_dispatch", errors.New("version conflict"))
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to clear pending dispatch marker",
			slog.String("job_name", name),
			slog.String("run_id", runID),
			slog.Any("error", err),
		)
	}
}

// Reconcile repairs pending markers left behind by crashed instances: a
// marker whose run is terminal is completed, a marker whose run never got
// created is cleared once the grace period has passed, and a Pending run
// that never reached the queue is enqueued again.
func (e *Evaluator) Reconcile(ctx context.Context, now time.Time) (int, error) {
	pending, err := e.store.ListPendingTriggers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending triggers: %w", err)
	}

	repaired := 0
	for _, state := range pending {
		run, err := e.store.GetRun(ctx, state.PendingRunID)
		if errors.Is(err, domain.ErrRunNotFound) {
			if now.Sub(state.UpdatedAt) < e.reconcileGrace {
				continue
			}
			e.logger.Warn("Clearing orphaned pending dispatch",
				slog.String("job_name", state.JobName),
				slog.String("run_id", state.PendingRunID),
			)
			e.clearMarker(ctx, state.JobName, state.PendingRunID, now)
			repaired++
			continue
		}
		if err != nil {
			e.logger.Warn("Failed to read pending run",
				slog.String("run_id", state.PendingRunID),
				slog.Any("error", err),
			)
			continue
		}

		if state.Undelivered && run.Status == domain.RunStatusPending {
			if e.holds(run) {
				continue
			}
			e.logger.Warn("Redelivering pending run left without a queue item",
				slog.String("job_name", run.JobName),
				slog.String("run_id", run.ID),
			)
			ok, err := e.redeliver(ctx, run, now)
			if err != nil {
				e.logger.Error("Failed to redeliver pending run",
					slog.String("run_id", run.ID),
					slog.Any("error", err),
				)
				continue
			}
			if ok {
				repaired++
			}
			continue
		}

		if !run.Status.IsTerminal() || e.completer == nil {
			continue
		}

		e.logger.Warn("Completing trigger of finished run",
			slog.String("job_name", run.JobName),
			slog.String("run_id", run.ID),
			slog.String("status", string(run.Status)),
		)
		if err := e.completer.OnRunComplete(ctx, run); err != nil {
			e.logger.Error("Failed to complete trigger",
				slog.String("run_id", run.ID),
				slog.Any("error", err),
			)
			continue
		}
		repaired++
	}

	return repaired, nil
}
