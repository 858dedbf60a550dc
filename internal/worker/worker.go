// Package worker executes queued job runs in a bounded pool of slots.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
)

// RunCompleter is notified once a run reaches a terminal status
type RunCompleter interface {
	OnRunComplete(ctx context.Context, run *domain.JobRun) error
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Queue     queue.Queue
	Registry  *Registry
	Completer RunCompleter
	WorkerID  string

	// Concurrency is the number of execution slots of this instance
	Concurrency int

	// VisibilityTimeout hides a dequeued item; the heartbeat extends it
	// while the handler runs
	VisibilityTimeout time.Duration

	// JobTimeout and MaxAttempts apply when a definition does not set its own
	JobTimeout  time.Duration
	MaxAttempts int

	// PollInterval is the wait after an empty dequeue
	PollInterval time.Duration

	// CancelPollInterval is how often a running handler's cancel flag is read
	CancelPollInterval time.Duration

	// AbandonGrace is how long a timed-out handler may take to return
	// before its item is retried or failed regardless
	AbandonGrace time.Duration

	Retry retry.Policy
	Clock func() time.Time
}

// Worker represents the background job worker
type Worker struct {
	logger         *slog.Logger
	store          store.Store
	queue          queue.Queue
	registry       *Registry
	completer      RunCompleter
	workerID       string
	concurrency    int
	visibility     time.Duration
	jobTimeout     time.Duration
	maxAttempts    int
	pollInterval   time.Duration
	cancelInterval time.Duration
	abandonGrace   time.Duration
	retry          retry.Policy
	clock          func() time.Time

	jobsChan chan *domain.QueueItem
	slots    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	cancelInterval := cfg.CancelPollInterval
	if cancelInterval <= 0 {
		cancelInterval = time.Second
	}
	abandonGrace := cfg.AbandonGrace
	if abandonGrace <= 0 {
		abandonGrace = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Worker{
		logger:         cfg.Logger,
		store:          cfg.Store,
		queue:          cfg.Queue,
		registry:       cfg.Registry,
		completer:      cfg.Completer,
		workerID:       cfg.WorkerID,
		concurrency:    concurrency,
		visibility:     visibility,
		jobTimeout:     jobTimeout,
		maxAttempts:    maxAttempts,
		pollInterval:   pollInterval,
		cancelInterval: cancelInterval,
		abandonGrace:   abandonGrace,
		retry:          cfg.Retry,
		clock:          clock,
		jobsChan:       make(chan *domain.QueueItem),
		slots:          make(chan struct{}, concurrency),
		stopChan:       make(chan struct{}),
	}
}

// Start begins processing jobs and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("visibility_timeout", w.visibility),
		slog.Int("max_attempts", w.maxAttempts),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.runSlots(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startDispatcher(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker and waits for in-flight handlers
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// ProcessNext dequeues and processes one item synchronously. It reports
// whether an item was available.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	var item *domain.QueueItem
	err := retry.Do(ctx, w.retry, w.logger, "dequeue", func() error {
		var err error
		item, err = w.queue.Dequeue(ctx, w.visibility)
		return err
	})
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	w.processItem(ctx, item)
	return true, nil
}
