package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/queue/memqueue"
	"github.com/cuongbtq/job-scheduler/internal/queue/sqlqueue"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/store/memstore"
	"github.com/cuongbtq/job-scheduler/internal/store/sqlstore"
	"github.com/cuongbtq/job-scheduler/internal/worker"
	"github.com/cuongbtq/job-scheduler/shared/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// clock is a settable test clock shared by every component of an engine
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backend struct {
	name string
	open func(t *testing.T, now func() time.Time) (store.Store, queue.Queue)
}

var backends = []backend{
	{
		name: "memory",
		open: func(t *testing.T, now func() time.Time) (store.Store, queue.Queue) {
			return memstore.New(), memqueue.New(now)
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T, now func() time.Time) (store.Store, queue.Queue) {
			client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, discardLogger())
			require.NoError(t, err)
			t.Cleanup(func() { client.Close() })

			st := sqlstore.New(client.GetDB(), discardLogger())
			require.NoError(t, st.Migrate(context.Background()))
			q := sqlqueue.New(client.GetDB(), discardLogger(), now)
			require.NoError(t, q.Migrate(context.Background()))
			return st, q
		},
	},
}

func newEngine(st store.Store, q queue.Queue, id string, now func() time.Time) *Engine {
	return New(&Config{
		Logger:        discardLogger(),
		Store:         st,
		Queue:         q,
		InstanceID:    id,
		LeaseDuration: 10 * time.Second,
		Worker: WorkerConfig{
			Concurrency:        1,
			VisibilityTimeout:  30 * time.Second,
			JobTimeout:         time.Second,
			MaxAttempts:        3,
			CancelPollInterval: 10 * time.Millisecond,
		},
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Clock: now,
	})
}

func drain(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 100)
		ok, err := e.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

// A 5s interval job with repeat limit 3, ticked every second for 20s, fires
// exactly three times and is exhausted afterwards.
func TestBoundedIntervalJob(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: start}
			st, q := b.open(t, clk.Now)
			e := newEngine(st, q, "instance-a", clk.Now)

			var calls atomic.Int32
			require.NoError(t, e.RegisterHandler("ping", worker.HandlerFunc(func(ctx context.Context, exec worker.Execution) error {
				calls.Add(1)
				return nil
			})))

			_, err := e.Register(ctx, Registration{Name: "ping", Schedule: "5s", ConcurrencyLimit: 1, RepeatLimit: 3})
			require.NoError(t, err)

			for s := 0; s <= 20; s++ {
				clk.Set(start.Add(time.Duration(s) * time.Second))
				require.True(t, e.Campaign(ctx))
				_, err := e.Tick(ctx)
				require.NoError(t, err)
				drain(t, e)
			}

			runs, err := e.GetRunHistory(ctx, "ping", 10)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, int32(3), calls.Load())

			// Most recent first
			wantFire := []time.Time{start.Add(15 * time.Second), start.Add(10 * time.Second), start.Add(5 * time.Second)}
			for i, run := range runs {
				assert.Equal(t, domain.RunStatusSucceeded, run.Status)
				assert.Equal(t, domain.RunKindScheduled, run.Kind)
				assert.True(t, wantFire[i].Equal(run.FireAt), "run %d fired at %s", i, run.FireAt)
				assert.Equal(t, int64(3-i), run.Seq)
			}

			job, err := e.Job(ctx, "ping")
			require.NoError(t, err)
			require.NotNil(t, job.State)
			assert.True(t, job.State.Exhausted)
			assert.Nil(t, job.State.NextFireAt)
			assert.Equal(t, 3, job.State.RunCount)

			// One more tick far in the future still creates nothing
			clk.Set(start.Add(time.Hour))
			require.True(t, e.Campaign(ctx))
			n, err := e.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestAlwaysFailingJobFailsAfterMaxAttempts(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: start}
			st, q := b.open(t, clk.Now)
			e := newEngine(st, q, "instance-a", clk.Now)

			var calls atomic.Int32
			require.NoError(t, e.RegisterHandler("broken", worker.HandlerFunc(func(ctx context.Context, exec worker.Execution) error {
				calls.Add(1)
				return errors.New("always fails")
			})))
			_, err := e.Register(ctx, Registration{Name: "broken", Schedule: "1h"})
			require.NoError(t, err)

			run, err := e.EnqueueNow(ctx, "broken", "")
			require.NoError(t, err)
			drain(t, e)

			stored, err := e.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusFailed, stored.Status)
			assert.Equal(t, 3, stored.Attempts)
			assert.Equal(t, int32(3), calls.Load())

			ok, err := e.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, ok, "no fourth delivery")
		})
	}
}

func TestOnlyOnePrimary(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: start}
	st, q := memstore.New(), memqueue.New(clk.Now)

	a := newEngine(st, q, "a", clk.Now)
	b := newEngine(st, q, "b", clk.Now)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, e := range []*Engine{a, b} {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			results[i] = e.Campaign(ctx)
		}(i, e)
	}
	wg.Wait()
	assert.NotEqual(t, results[0], results[1], "exactly one instance wins")

	primary, standby := a, b
	if results[1] {
		primary, standby = b, a
	}
	assert.True(t, primary.IsPrimary())
	assert.False(t, standby.IsPrimary())

	// The standby never ticks
	_, err := standby.Register(ctx, Registration{Name: "x", Schedule: "1s", Handler: "x"})
	require.ErrorIs(t, err, domain.ErrHandlerNotFound)
	require.NoError(t, standby.RegisterHandler("x", worker.LogHandler(discardLogger())))
	_, err = standby.Register(ctx, Registration{Name: "x", Schedule: "1s"})
	require.NoError(t, err)
	clk.Set(start.Add(2 * time.Second))
	n, err := standby.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The primary stops renewing; the standby takes over within one lease duration
	clk.Set(start.Add(10 * time.Second))
	assert.False(t, primary.IsPrimary())
	assert.True(t, standby.Campaign(ctx))

	lease, err := standby.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, standby.InstanceID(), lease.Holder)

	n, err = standby.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegisterValidation(t *testing.T) {
	e := newEngine(memstore.New(), memqueue.New(nil), "a", nil)
	require.NoError(t, e.RegisterHandler("ok", worker.LogHandler(discardLogger())))

	tests := []struct {
		name    string
		reg     Registration
		wantErr error
	}{
		{name: "missing name", reg: Registration{Schedule: "5s", Handler: "ok"}, wantErr: domain.ErrInvalidDefinition},
		{name: "negative concurrency", reg: Registration{Name: "j", Schedule: "5s", Handler: "ok", ConcurrencyLimit: -1}, wantErr: domain.ErrInvalidDefinition},
		{name: "negative repeat", reg: Registration{Name: "j", Schedule: "5s", Handler: "ok", RepeatLimit: -1}, wantErr: domain.ErrInvalidDefinition},
		{name: "bad payload", reg: Registration{Name: "j", Schedule: "5s", Handler: "ok", Payload: "{"}, wantErr: domain.ErrInvalidPayload},
		{name: "unknown handler", reg: Registration{Name: "j", Schedule: "5s", Handler: "nope"}, wantErr: domain.ErrHandlerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Register(context.Background(), tt.reg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("bad schedule", func(t *testing.T) {
		_, err := e.Register(context.Background(), Registration{Name: "j", Schedule: "every tuesday", Handler: "ok"})
		var parseErr *domain.ScheduleParseError
		assert.ErrorAs(t, err, &parseErr)

		_, err = e.Job(context.Background(), "j")
		assert.ErrorIs(t, err, domain.ErrJobNotFound, "rejected registrations create nothing")
	})
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: start}
	e := newEngine(memstore.New(), memqueue.New(clk.Now), "a", clk.Now)
	require.NoError(t, e.RegisterHandler("ping", worker.LogHandler(discardLogger())))

	reg := Registration{Name: "ping", Schedule: "5s", RepeatLimit: 2}
	def, err := e.Register(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultConcurrencyLimit, def.ConcurrencyLimit)
	assert.Equal(t, "ping", def.HandlerName)

	first, err := e.Job(ctx, "ping")
	require.NoError(t, err)

	clk.Set(start.Add(3 * time.Second))
	_, err = e.Register(ctx, reg)
	require.NoError(t, err)

	second, err := e.Job(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, first.State.Version, second.State.Version)
	assert.Equal(t, *first.State.NextFireAt, *second.State.NextFireAt)

	jobs, err := e.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestEnqueueNow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(memstore.New(), memqueue.New(nil), "a", nil)

	var got []string
	require.NoError(t, e.RegisterHandler("echo", worker.HandlerFunc(func(ctx context.Context, exec worker.Execution) error {
		got = append(got, exec.Payload)
		return nil
	})))
	_, err := e.Register(ctx, Registration{Name: "echo", Schedule: "1h", Payload: `{"default":true}`})
	require.NoError(t, err)

	_, err = e.EnqueueNow(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = e.EnqueueNow(ctx, "echo", "not json")
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	first, err := e.EnqueueNow(ctx, "echo", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunKindAdHoc, first.Kind)
	_, err = e.EnqueueNow(ctx, "echo", `{"n":2}`)
	require.NoError(t, err)

	drain(t, e)
	assert.Equal(t, []string{`{"default":true}`, `{"n":2}`}, got)

	job, err := e.Job(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, 0, job.State.RunCount, "ad-hoc runs leave the trigger alone")

	older, err := e.ListRuns(ctx, "echo", 10, 2)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, first.ID, older[0].ID)
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()
	e := newEngine(memstore.New(), memqueue.New(nil), "a", nil)
	require.NoError(t, e.RegisterHandler("sleep", worker.SleepHandler()))
	_, err := e.Register(ctx, Registration{Name: "sleep", Schedule: "1h"})
	require.NoError(t, err)

	run, err := e.EnqueueNow(ctx, "sleep", `{"duration":"10ms"}`)
	require.NoError(t, err)
	require.NoError(t, e.RequestCancel(ctx, run.ID))
	drain(t, e)

	stored, err := e.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)

	assert.ErrorIs(t, e.RequestCancel(ctx, run.ID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, e.RequestCancel(ctx, "unknown"), domain.ErrRunNotFound)
}

func TestRun(t *testing.T) {
	st, q := memstore.New(), memqueue.New(nil)
	e := New(&Config{
		Logger:            discardLogger(),
		Store:             st,
		Queue:             q,
		InstanceID:        "runner",
		TickInterval:      20 * time.Millisecond,
		ReconcileInterval: 50 * time.Millisecond,
		LeaseDuration:     time.Second,
		Worker:            WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond},
		Retry:             retry.Policy{MaxAttempts: 1},
	})
	require.NoError(t, e.RegisterHandler("ping", worker.LogHandler(discardLogger())))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.Register(ctx, Registration{Name: "ping", Schedule: "1s", RepeatLimit: 2})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := e.Job(context.Background(), "ping")
		return err == nil && job.State != nil && job.State.Exhausted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	runs, err := e.GetRunHistory(context.Background(), "ping", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	}

	lease, err := e.Lease(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.False(t, lease.ExpiresAt.After(time.Now()), "lease released on shutdown")
}

// flakyQueue rejects the first failures enqueues with a non-transient error
type flakyQueue struct {
	queue.Queue
	mu       sync.Mutex
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return nil, errors.New("broker unavailable")
	}
	q.mu.Unlock()
	return q.Queue.Enqueue(ctx, item)
}

// A bounded job whose first enqueues fail still produces exactly one run:
// the same Pending run is handed to the queue once it accepts items again.
func TestBoundedJobSurvivesEnqueueFailures(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: start}
			st, inner := b.open(t, clk.Now)
			q := &flakyQueue{Queue: inner, failures: 3}
			e := newEngine(st, q, "instance-a", clk.Now)

			var calls atomic.Int32
			require.NoError(t, e.RegisterHandler("ping", worker.HandlerFunc(func(ctx context.Context, exec worker.Execution) error {
				calls.Add(1)
				return nil
			})))

			_, err := e.Register(ctx, Registration{Name: "ping", Schedule: "5s", ConcurrencyLimit: 1, RepeatLimit: 1})
			require.NoError(t, err)

			for s := 0; s <= 20; s++ {
				clk.Set(start.Add(time.Duration(s) * time.Second))
				require.True(t, e.Campaign(ctx))
				_, err := e.Tick(ctx)
				if s != 5 {
					require.NoError(t, err, "tick at %ds", s)
				}
				drain(t, e)
			}

			runs, err := e.GetRunHistory(ctx, "ping", 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, domain.RunStatusSucceeded, runs[0].Status)
			assert.True(t, start.Add(5*time.Second).Equal(runs[0].FireAt))
			assert.Equal(t, int32(1), calls.Load())

			job, err := e.Job(ctx, "ping")
			require.NoError(t, err)
			assert.True(t, job.State.Exhausted)
			assert.Empty(t, job.State.PendingRunID)
			assert.False(t, job.State.Undelivered)
			assert.Equal(t, 1, job.State.RunCount)
		})
	}
}

// Missed cron slots collapse into one run; the trigger then resumes at the
// next matching instant after the catch-up.
func TestCronCatchUpAfterPause(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: start}
			st, q := b.open(t, clk.Now)
			e := newEngine(st, q, "instance-a", clk.Now)
			require.NoError(t, e.RegisterHandler("beat", worker.LogHandler(discardLogger())))

			_, err := e.Register(ctx, Registration{Name: "beat", Schedule: "*/5 * * * * *", ConcurrencyLimit: 1})
			require.NoError(t, err)

			resumed := start.Add(61 * time.Second)
			clk.Set(resumed)
			for i := 0; i < 5; i++ {
				require.True(t, e.Campaign(ctx))
				_, err := e.Tick(ctx)
				require.NoError(t, err)
				drain(t, e)
			}

			runs, err := e.GetRunHistory(ctx, "beat", 10)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, domain.RunStatusSucceeded, runs[0].Status)
			assert.True(t, start.Add(5*time.Second).Equal(runs[0].FireAt), "catch-up run fired at %s", runs[0].FireAt)

			job, err := e.Job(ctx, "beat")
			require.NoError(t, err)
			require.NotNil(t, job.State.NextFireAt)
			assert.True(t, start.Add(65*time.Second).Equal(*job.State.NextFireAt), "next fire at %s", *job.State.NextFireAt)
		})
	}
}

func TestRegisterRestartsExhaustedJob(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: start}
	e := newEngine(memstore.New(), memqueue.New(clk.Now), "a", clk.Now)
	require.NoError(t, e.RegisterHandler("ping", worker.LogHandler(discardLogger())))

	reg := Registration{Name: "ping", Schedule: "5s", RepeatLimit: 1}
	_, err := e.Register(ctx, reg)
	require.NoError(t, err)

	clk.Set(start.Add(5 * time.Second))
	require.True(t, e.Campaign(ctx))
	_, err = e.Tick(ctx)
	require.NoError(t, err)
	drain(t, e)

	job, err := e.Job(ctx, "ping")
	require.NoError(t, err)
	require.True(t, job.State.Exhausted)

	// Seeding the same definition again keeps the finished trigger
	_, err = e.Register(ctx, reg)
	require.NoError(t, err)
	job, err = e.Job(ctx, "ping")
	require.NoError(t, err)
	assert.True(t, job.State.Exhausted)

	clk.Set(start.Add(10 * time.Second))
	reg.Restart = true
	_, err = e.Register(ctx, reg)
	require.NoError(t, err)

	job, err = e.Job(ctx, "ping")
	require.NoError(t, err)
	assert.False(t, job.State.Exhausted)
	assert.Equal(t, 0, job.State.RunCount)
	require.NotNil(t, job.State.NextFireAt)
	assert.True(t, start.Add(15*time.Second).Equal(*job.State.NextFireAt))

	clk.Set(start.Add(15 * time.Second))
	require.True(t, e.Campaign(ctx))
	n, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	drain(t, e)

	runs, err := e.GetRunHistory(ctx, "ping", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

// flakyReload makes the store fail right after a definition is written
type flakyReload struct {
	*memstore.Store
	failures int
}

func (s *flakyReload) UpsertDefinition(ctx context.Context, def *domain.JobDefinition, initial domain.TriggerState) (bool, error) {
	reset, err := s.Store.UpsertDefinition(ctx, def, initial)
	if err == nil {
		s.Store.FailNext(s.failures)
	}
	return reset, err
}

func TestRegisterRetriesReload(t *testing.T) {
	ctx := context.Background()
	st := &flakyReload{Store: memstore.New(), failures: 2}
	e := newEngine(st, memqueue.New(nil), "a", nil)
	require.NoError(t, e.RegisterHandler("ping", worker.LogHandler(discardLogger())))

	def, err := e.Register(ctx, Registration{Name: "ping", Schedule: "5s"})
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "ping", def.Name)
}
