// Package repeat advances trigger state after runs complete and enforces
// bounded repeat limits.
package repeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/trigger"
)

// maxConflicts bounds compare-and-swap retries against concurrent writers
const maxConflicts = 10

// ErrConflict is returned when the trigger state kept changing underneath the controller
var ErrConflict = errors.New("trigger state update conflict")

// Controller is invoked after every terminal run
type Controller struct {
	store  store.Store
	logger *slog.Logger
	retry  retry.Policy
	clock  func() time.Time
}

// NewController creates a new repeat controller
func NewController(st store.Store, logger *slog.Logger, policy retry.Policy, clock func() time.Time) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		store:  st,
		logger: logger,
		retry:  policy,
		clock:  clock,
	}
}

// OnRunComplete records a finished scheduled run against its trigger: the run
// count grows by one and the trigger either becomes exhausted or gets its next
// fire instant. Ad-hoc runs and runs whose marker was already consumed are
// ignored, so duplicate completions are harmless.
func (c *Controller) OnRunComplete(ctx context.Context, run *domain.JobRun) error {
	if run.Kind != domain.RunKindScheduled {
		return nil
	}

	for attempt := 0; attempt < maxConflicts; attempt++ {
		var state *domain.TriggerState
		err := retry.Do(ctx, c.retry, c.logger, "read_trigger_state", func() error {
			var err error
			state, err = c.store.ReadTriggerState(ctx, run.JobName)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to read trigger state: %w", err)
		}

		if state.PendingRunID != run.ID {
			c.logger.Debug("Trigger already advanced for run",
				slog.String("job_name", run.JobName),
				slog.String("run_id", run.ID),
			)
			return nil
		}

		var def *domain.JobDefinition
		err = retry.Do(ctx, c.retry, c.logger, "get_definition", func() error {
			var err error
			def, err = c.store.GetDefinition(ctx, run.JobName)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to get definition: %w", err)
		}

		now := c.clock()
		next := advance(def, state, run, now)

		var swapped bool
		err = retry.Do(ctx, c.retry, c.logger, "write_trigger_state", func() error {
			var err error
			swapped, err = c.store.WriteTriggerState(ctx, next, state.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to write trigger state: %w", err)
		}

		if swapped {
			attrs := []any{
				slog.String("job_name", run.JobName),
				slog.String("run_id", run.ID),
				slog.String("outcome", string(run.Status)),
				slog.Int("run_count", next.RunCount),
			}
			if next.Exhausted {
				c.logger.Info("Repeat limit reached, trigger exhausted", attrs...)
			} else if next.NextFireAt != nil {
				c.logger.Info("Trigger rescheduled", append(attrs, slog.Time("next_fire_at", *next.NextFireAt))...)
			}
			return nil
		}

		c.logger.Debug("Trigger state changed concurrently, retrying",
			slog.String("job_name", run.JobName),
			slog.Int("attempt", attempt+1),
		)
	}

	return fmt.Errorf("%w for job %q", ErrConflict, run.JobName)
}

// advance computes the trigger state that follows run
func advance(def *domain.JobDefinition, state *domain.TriggerState, run *domain.JobRun, now time.Time) domain.TriggerState {
	next := *state
	next.RunCount++
	next.PendingRunID = ""
	next.Undelivered = false
	next.UpdatedAt = now

	fireAt := run.FireAt
	next.LastFireAt = &fireAt

	if def.Bounded() && next.RunCount >= def.RepeatLimit {
		next.Exhausted = true
		next.NextFireAt = nil
		return next
	}

	at, ok := trigger.Next(def.Schedule, fireAt, now)
	if !ok {
		next.Exhausted = true
		next.NextFireAt = nil
		return next
	}
	next.NextFireAt = &at
	return next
}
