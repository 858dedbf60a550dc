// Package engine wires the trigger evaluator, primary selector, worker pool
// and repeat controller of one instance behind a small API.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/leader"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/repeat"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/trigger"
	"github.com/cuongbtq/job-scheduler/internal/worker"
	"github.com/google/uuid"
)

// WorkerConfig holds the worker pool settings of an instance
type WorkerConfig struct {
	Concurrency        int
	VisibilityTimeout  time.Duration
	JobTimeout         time.Duration
	MaxAttempts        int
	PollInterval       time.Duration
	CancelPollInterval time.Duration
	AbandonGrace       time.Duration
}

// Config holds engine configuration
type Config struct {
	Logger     *slog.Logger
	Store      store.Store
	Queue      queue.Queue
	Registry   *worker.Registry
	InstanceID string

	// TickInterval is how often the primary evaluates due triggers
	TickInterval time.Duration

	// ReconcileInterval is how often the primary repairs stale pending markers
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	LeaseDuration time.Duration
	RenewInterval time.Duration

	// DisableWorker runs the instance as a scheduler only
	DisableWorker bool

	Worker WorkerConfig
	Retry  retry.Policy
	Clock  func() time.Time
}

// Registration describes a job to register
type Registration struct {
	Name             string
	Schedule         string
	ConcurrencyLimit int
	RepeatLimit      int
	Handler          string
	Payload          string
	MaxAttempts      int
	Timeout          time.Duration

	// Restart re-arms an exhausted trigger even when its schedule and repeat
	// limit are unchanged. Config seeding leaves it unset.
	Restart bool
}

// JobStatus is a definition together with its trigger progress
type JobStatus struct {
	Definition domain.JobDefinition
	State      *domain.TriggerState
}

// Engine is one scheduler instance
type Engine struct {
	logger            *slog.Logger
	store             store.Store
	queue             queue.Queue
	registry          *worker.Registry
	evaluator         *trigger.Evaluator
	controller        *repeat.Controller
	selector          *leader.Selector
	worker            *worker.Worker
	tickInterval      time.Duration
	reconcileInterval time.Duration
	disableWorker     bool
	retry             retry.Policy
	clock             func() time.Time
}

// New creates a new engine instance
func New(cfg *Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	registry := cfg.Registry
	if registry == nil {
		registry = worker.NewRegistry()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	reconcileInterval := cfg.ReconcileInterval
	if reconcileInterval <= 0 {
		reconcileInterval = 30 * time.Second
	}

	logger = logger.With(slog.String("instance_id", instanceID))

	controller := repeat.NewController(cfg.Store, logger.With(slog.String("component", "repeat")), cfg.Retry, clock)

	e := &Engine{
		logger:            logger.With(slog.String("component", "engine")),
		store:             cfg.Store,
		queue:             cfg.Queue,
		registry:          registry,
		controller:        controller,
		tickInterval:      tickInterval,
		reconcileInterval: reconcileInterval,
		disableWorker:     cfg.DisableWorker,
		retry:             cfg.Retry,
		clock:             clock,
	}

	e.evaluator = trigger.NewEvaluator(&trigger.Config{
		Logger:         logger.With(slog.String("component", "trigger")),
		Store:          cfg.Store,
		Queue:          cfg.Queue,
		Completer:      controller,
		Retry:          cfg.Retry,
		ReconcileGrace: cfg.ReconcileGrace,
	})

	e.selector = leader.NewSelector(&leader.Config{
		Logger:        logger.With(slog.String("component", "leader")),
		Store:         cfg.Store,
		InstanceID:    instanceID,
		LeaseDuration: cfg.LeaseDuration,
		RenewInterval: cfg.RenewInterval,
		Clock:         clock,
	})

	e.worker = worker.NewWorker(&worker.Config{
		Logger:             logger.With(slog.String("component", "worker")),
		Store:              cfg.Store,
		Queue:              cfg.Queue,
		Registry:           registry,
		Completer:          controller,
		WorkerID:           instanceID,
		Concurrency:        cfg.Worker.Concurrency,
		VisibilityTimeout:  cfg.Worker.VisibilityTimeout,
		JobTimeout:         cfg.Worker.JobTimeout,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		PollInterval:       cfg.Worker.PollInterval,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
		AbandonGrace:       cfg.Worker.AbandonGrace,
		Retry:              cfg.Retry,
		Clock:              clock,
	})

	return e
}

// InstanceID returns the identity this instance uses for the lease
func (e *Engine) InstanceID() string {
	return e.selector.InstanceID()
}

// IsPrimary reports whether this instance currently holds the primary lease
func (e *Engine) IsPrimary() bool {
	return e.selector.IsPrimary()
}

// Handlers lists the registered handler names
func (e *Engine) Handlers() []string {
	return e.registry.Names()
}

// RegisterHandler makes h available to definitions under name
func (e *Engine) RegisterHandler(name string, h worker.Handler) error {
	return e.registry.Register(name, h)
}

// Register creates or replaces a job definition. Registering the same
// definition again is a no-op for its trigger state; a changed schedule or
// repeat limit restarts the trigger.
func (e *Engine) Register(ctx context.Context, reg Registration) (*domain.JobDefinition, error) {
	def, err := e.buildDefinition(reg)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	def.CreatedAt = now
	def.UpdatedAt = now

	var reset bool
	err = retry.Do(ctx, e.retry, e.logger, "upsert_definition", func() error {
		var err error
		reset, err = e.store.UpsertDefinition(ctx, def, trigger.Initial(def, now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store definition: %w", err)
	}

	if !reset && reg.Restart {
		reset, err = e.restartExhausted(ctx, def, now)
		if err != nil {
			return nil, fmt.Errorf("failed to restart trigger: %w", err)
		}
	}

	e.logger.Info("Job registered",
		slog.String("job_name", def.Name),
		slog.String("schedule", def.Schedule.Raw),
		slog.Int("concurrency_limit", def.ConcurrencyLimit),
		slog.Int("repeat_limit", def.RepeatLimit),
		slog.String("handler", def.HandlerName),
		slog.Bool("trigger_reset", reset),
	)

	return e.definition(ctx, def.Name)
}

// restartExhausted writes a fresh trigger state over an exhausted one. A
// trigger still waiting on a run is left alone.
func (e *Engine) restartExhausted(ctx context.Context, def *domain.JobDefinition, now time.Time) (bool, error) {
	var restarted bool
	err := retry.Do(ctx, e.retry, e.logger, "restart_trigger", func() error {
		restarted = false
		state, err := e.store.ReadTriggerState(ctx, def.Name)
		if err != nil {
			return err
		}
		if !state.Exhausted || state.PendingRunID != "" {
			return nil
		}
		ok, err := e.store.WriteTriggerState(ctx, trigger.Initial(def, now), state.Version)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewTransientError("restart_trigger", errors.New("version conflict"))
		}
		restarted = true
		return nil
	})
	return restarted, err
}

func (e *Engine) buildDefinition(reg Registration) (*domain.JobDefinition, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidDefinition)
	}
	if reg.ConcurrencyLimit < 0 {
		return nil, fmt.Errorf("%w: concurrency limit must not be negative", domain.ErrInvalidDefinition)
	}
	if reg.RepeatLimit < 0 {
		return nil, fmt.Errorf("%w: repeat limit must not be negative", domain.ErrInvalidDefinition)
	}
	if reg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must not be negative", domain.ErrInvalidDefinition)
	}
	if reg.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", domain.ErrInvalidDefinition)
	}
	if reg.Payload != "" && !json.Valid([]byte(reg.Payload)) {
		return nil, domain.ErrInvalidPayload
	}

	schedule, err := trigger.ParseSchedule(reg.Schedule)
	if err != nil {
		return nil, err
	}

	handler := reg.Handler
	if handler == "" {
		handler = name
	}
	if _, err := e.registry.Get(handler); err != nil {
		return nil, err
	}

	limit := reg.ConcurrencyLimit
	if limit == 0 {
		limit = domain.DefaultConcurrencyLimit
	}

	return &domain.JobDefinition{
		Name:             name,
		Schedule:         schedule,
		ConcurrencyLimit: limit,
		RepeatLimit:      reg.RepeatLimit,
		HandlerName:      handler,
		Payload:          reg.Payload,
		MaxAttempts:      reg.MaxAttempts,
		Timeout:          reg.Timeout,
	}, nil
}

// EnqueueNow creates an ad-hoc run of a registered job and queues it,
// bypassing its trigger. An empty payload uses the definition's payload.
func (e *Engine) EnqueueNow(ctx context.Context, name, payload string) (*domain.JobRun, error) {
	def, err := e.definition(ctx, name)
	if err != nil {
		return nil, err
	}

	if payload == "" {
		payload = def.Payload
	}
	if payload != "" && !json.Valid([]byte(payload)) {
		return nil, domain.ErrInvalidPayload
	}

	now := e.clock()
	run := &domain.JobRun{
		ID:         uuid.NewString(),
		JobName:    def.Name,
		Kind:       domain.RunKindAdHoc,
		Status:     domain.RunStatusPending,
		Payload:    payload,
		FireAt:     now,
		EnqueuedAt: now,
	}

	err = retry.Do(ctx, e.retry, e.logger, "create_run", func() error {
		return e.store.CreateRun(ctx, run)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	err = retry.Do(ctx, e.retry, e.logger, "enqueue", func() error {
		_, err := e.queue.Enqueue(ctx, domain.QueueItem{RunID: run.ID, JobName: run.JobName, EnqueuedAt: now})
		return err
	})
	if err != nil {
		if failErr := e.store.RecordRunTransition(ctx, run.ID, domain.RunStatusFailed, "enqueue failed: "+err.Error(), e.clock()); failErr != nil {
			e.logger.Error("Failed to mark unqueued run as failed",
				slog.String("run_id", run.ID),
				slog.Any("error", failErr),
			)
		}
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	e.logger.Info("Run enqueued",
		slog.String("job_name", run.JobName),
		slog.String("run_id", run.ID),
		slog.Int64("seq", run.Seq),
	)
	return run, nil
}

// GetRunHistory returns the most recent runs of a job, newest first
func (e *Engine) GetRunHistory(ctx context.Context, name string, limit int) ([]domain.JobRun, error) {
	return e.ListRuns(ctx, name, limit, 0)
}

// ListRuns pages through run history: beforeSeq > 0 returns runs older than it
func (e *Engine) ListRuns(ctx context.Context, name string, limit int, beforeSeq int64) ([]domain.JobRun, error) {
	if _, err := e.definition(ctx, name); err != nil {
		return nil, err
	}

	var runs []domain.JobRun
	err := retry.Do(ctx, e.retry, e.logger, "list_runs", func() error {
		var err error
		runs, err = e.store.ListRuns(ctx, name, limit, beforeSeq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a run by ID
func (e *Engine) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	var run *domain.JobRun
	err := retry.Do(ctx, e.retry, e.logger, "get_run", func() error {
		var err error
		run, err = e.store.GetRun(ctx, id)
		return err
	})
	return run, err
}

// RequestCancel flags a run for cooperative cancellation. Queued runs fail
// on delivery; running handlers see their context canceled.
func (e *Engine) RequestCancel(ctx context.Context, id string) error {
	err := retry.Do(ctx, e.retry, e.logger, "request_cancel", func() error {
		return e.store.RequestCancel(ctx, id)
	})
	if err != nil {
		return err
	}
	e.logger.Info("Cancel requested", slog.String("run_id", id))
	return nil
}

// Job returns a definition and its trigger state
func (e *Engine) Job(ctx context.Context, name string) (*JobStatus, error) {
	def, err := e.definition(ctx, name)
	if err != nil {
		return nil, err
	}
	status := &JobStatus{Definition: *def}
	state, err := e.store.ReadTriggerState(ctx, name)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return nil, fmt.Errorf("failed to read trigger state: %w", err)
	}
	status.State = state
	return status, nil
}

// Jobs returns every definition with its trigger state, ordered by name
func (e *Engine) Jobs(ctx context.Context) ([]JobStatus, error) {
	var defs []domain.JobDefinition
	err := retry.Do(ctx, e.retry, e.logger, "list_definitions", func() error {
		var err error
		defs, err = e.store.ListDefinitions(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	out := make([]JobStatus, 0, len(defs))
	for _, def := range defs {
		state, err := e.store.ReadTriggerState(ctx, def.Name)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return nil, fmt.Errorf("failed to read trigger state: %w", err)
		}
		out = append(out, JobStatus{Definition: def, State: state})
	}
	return out, nil
}

// Lease returns the current coordination record, nil if none was written yet
func (e *Engine) Lease(ctx context.Context) (*domain.Lease, error) {
	return e.store.ReadLease(ctx, domain.CoordinationKey)
}

func (e *Engine) definition(ctx context.Context, name string) (*domain.JobDefinition, error) {
	var def *domain.JobDefinition
	err := retry.Do(ctx, e.retry, e.logger, "get_definition", func() error {
		var err error
		def, err = e.store.GetDefinition(ctx, name)
		return err
	})
	return def, err
}

// Campaign renews or acquires the primary lease once and reports the role
func (e *Engine) Campaign(ctx context.Context) bool {
	return e.selector.Step(ctx)
}

// Tick evaluates due triggers if this instance is primary
func (e *Engine) Tick(ctx context.Context) (int, error) {
	if !e.selector.IsPrimary() {
		return 0, nil
	}
	return e.evaluator.Tick(ctx, e.clock())
}

// Reconcile repairs stale pending markers if this instance is primary
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	if !e.selector.IsPrimary() {
		return 0, nil
	}
	return e.evaluator.Reconcile(ctx, e.clock())
}

// ProcessNext executes one queued run on the calling goroutine
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	return e.worker.ProcessNext(ctx)
}

// Run starts the selector, the primary loops and the worker pool, and blocks
// until ctx is canceled. In-flight handlers are waited for before it returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting engine",
		slog.Duration("tick_interval", e.tickInterval),
		slog.Duration("reconcile_interval", e.reconcileInterval),
		slog.Bool("worker_enabled", !e.disableWorker),
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.selector.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.loop(ctx, "tick", e.tickInterval, e.Tick)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.loop(ctx, "reconcile", e.reconcileInterval, e.Reconcile)
	}()

	if !e.disableWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.worker.Start(ctx); err != nil {
				e.logger.Error("Worker stopped with error", slog.Any("error", err))
			}
		}()
	}

	<-ctx.Done()
	e.logger.Info("Engine context canceled, stopping...")
	if !e.disableWorker {
		e.worker.Stop()
	}
	wg.Wait()
	e.logger.Info("Engine stopped")
	return nil
}

// loop calls fn every interval until ctx is canceled. Errors are logged and
// never stop the loop.
func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("Primary loop iteration failed",
					slog.String("loop", name),
					slog.Any("error", err),
				)
				continue
			}
			if n > 0 {
				e.logger.Debug("Primary loop iteration",
					slog.String("loop", name),
					slog.Int("count", n),
				)
			}
		}
	}
}
