package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/queue/memqueue"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type stubCompleter struct {
	mu   sync.Mutex
	runs []*domain.JobRun
}

func (c *stubCompleter) OnRunComplete(ctx context.Context, run *domain.JobRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

// failingQueue rejects every enqueue
type failingQueue struct {
	queue.Queue
}

func (q failingQueue) Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	return nil, errors.New("broker unavailable")
}

// flakyQueue rejects the first failures enqueues
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

// failingCreate rejects every run insert
type failingCreate struct {
	store.Store
}

func (s failingCreate) CreateRun(ctx context.Context, run *domain.JobRun) error {
	return errors.New("disk full")
}

func newEvaluator(st store.Store, q queue.Queue, completer RunCompleter) *Evaluator {
	return NewEvaluator(&Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:          st,
		Queue:          q,
		Completer:      completer,
		Retry:          retry.Policy{MaxAttempts: 1},
		ReconcileGrace: time.Minute,
	})
}

func register(t *testing.T, st store.Store, name, schedule string, limit int) *domain.JobDefinition {
	t.Helper()
	s, err := ParseSchedule(schedule)
	require.NoError(t, err)
	def := &domain.JobDefinition{Name: name, Schedule: s, ConcurrencyLimit: limit, HandlerName: "noop", Payload: `{"k":1}`}
	_, err = st.UpsertDefinition(context.Background(), def, Initial(def, base))
	require.NoError(t, err)
	return def
}

func readState(t *testing.T, st store.Store, name string) *domain.TriggerState {
	t.Helper()
	state, err := st.ReadTriggerState(context.Background(), name)
	require.NoError(t, err)
	return state
}

func TestInitial(t *testing.T) {
	def := &domain.JobDefinition{Name: "a", Schedule: domain.Schedule{Kind: domain.ScheduleInterval, Every: 5 * time.Second}}
	state := Initial(def, base)
	require.NotNil(t, state.NextFireAt)
	assert.Equal(t, base.Add(5*time.Second), *state.NextFireAt)
	assert.False(t, state.Exhausted)

	def.Schedule = domain.Schedule{Kind: "unknown"}
	state = Initial(def, base)
	assert.True(t, state.Exhausted)
	assert.Nil(t, state.NextFireAt)
}

func TestTickDispatchesDueTrigger(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := memqueue.New(func() time.Time { return base })
	ev := newEvaluator(st, q, nil)
	register(t, st, "ping", "5s", 1)

	n, err := ev.Tick(ctx, base.Add(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	n, err = ev.Tick(ctx, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state := readState(t, st, "ping")
	require.NotEmpty(t, state.PendingRunID)

	run, err := st.GetRun(ctx, state.PendingRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunKindScheduled, run.Kind)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Equal(t, base.Add(5*time.Second), run.FireAt)
	assert.Equal(t, `{"k":1}`, run.Payload)
	assert.Equal(t, int64(1), run.Seq)

	item, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, run.ID, item.RunID)
	assert.Equal(t, "ping", item.JobName)
}

func TestPendingMarkerPreventsDoubleFire(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := memqueue.New(nil)
	ev := newEvaluator(st, q, nil)
	register(t, st, "ping", "5s", 3)

	for i := 5; i < 20; i++ {
		_, err := ev.Tick(ctx, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	runs, err := st.ListRuns(ctx, "ping", 0, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "the trigger stays consumed until its run completes")
	assert.Equal(t, 1, q.Len())
}

func TestTickSkipsAtConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := memqueue.New(nil)
	ev := newEvaluator(st, q, nil)
	register(t, st, "busy", "5s", 1)

	running := &domain.JobRun{ID: "manual", JobName: "busy", Kind: domain.RunKindAdHoc, Status: domain.RunStatusPending}
	require.NoError(t, st.CreateRun(ctx, running))
	_, err := st.ClaimRun(ctx, running.ID, "w", base)
	require.NoError(t, err)

	before := readState(t, st, "busy")
	n, err := ev.Tick(ctx, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	after := readState(t, st, "busy")
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.PendingRunID)
	assert.Equal(t, 0, q.Len())

	// Free capacity lets the still-due trigger fire on a later tick
	require.NoError(t, st.RecordRunTransition(ctx, running.ID, domain.RunStatusSucceeded, "", base))
	n, err = ev.Tick(ctx, base.Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTickRedeliversRunWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := &flakyQueue{Queue: memqueue.New(nil), failures: 2}
	ev := newEvaluator(st, q, nil)
	register(t, st, "ping", "5s", 1)

	n, err := ev.Tick(ctx, base.Add(5*time.Second))
	require.Error(t, err)
	assert.Equal(t, 0, n)

	state := readState(t, st, "ping")
	require.NotEmpty(t, state.PendingRunID, "marker must survive a failed enqueue")
	assert.True(t, state.Undelivered)
	runID := state.PendingRunID

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)

	// Still failing: nothing new fires, the same run waits
	n, err = ev.Tick(ctx, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = ev.Tick(ctx, base.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state = readState(t, st, "ping")
	assert.Equal(t, runID, state.PendingRunID)
	assert.False(t, state.Undelivered)

	item, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, runID, item.RunID)

	runs, err := st.ListRuns(ctx, "ping", 0, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReconcileRedeliversRunOfFailedEnqueue(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	register(t, st, "ping", "5s", 1)

	failed := newEvaluator(st, failingQueue{memqueue.New(nil)}, nil)
	_, err := failed.Tick(ctx, base.Add(5*time.Second))
	require.Error(t, err)
	runID := readState(t, st, "ping").PendingRunID
	require.NotEmpty(t, runID)

	// A new primary only sees what the store recorded
	q := memqueue.New(nil)
	ev := newEvaluator(st, q, nil)
	repaired, err := ev.Reconcile(ctx, base.Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	item, err := q.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, runID, item.RunID)
	assert.False(t, readState(t, st, "ping").Undelivered)

	repaired, err = ev.Reconcile(ctx, base.Add(7*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, repaired, "a delivered run is not enqueued twice")
}

func TestTickClearsMarkerWhenCreateRunFails(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	ev := newEvaluator(failingCreate{st}, memqueue.New(nil), nil)
	register(t, st, "ping", "5s", 1)

	_, err := ev.Tick(ctx, base.Add(5*time.Second))
	require.Error(t, err)

	state := readState(t, st, "ping")
	assert.Empty(t, state.PendingRunID)
	assert.True(t, state.Due(base.Add(5*time.Second)))
}

func TestTickDispatchesEveryDueTrigger(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := memqueue.New(nil)
	ev := newEvaluator(st, q, nil)
	register(t, st, "a", "5s", 1)
	register(t, st, "b", "5s", 1)
	register(t, st, "later", "1m", 1)

	n, err := ev.Tick(ctx, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Len())
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	completer := &stubCompleter{}
	ev := newEvaluator(st, memqueue.New(nil), completer)

	register(t, st, "orphan", "5s", 1)
	register(t, st, "recent", "5s", 1)
	register(t, st, "finished", "5s", 1)

	mark := func(name, runID string, at time.Time) {
		state := readState(t, st, name)
		state.PendingRunID = runID
		state.UpdatedAt = at
		ok, err := st.WriteTriggerState(ctx, *state, state.Version)
		require.NoError(t, err)
		require.True(t, ok)
	}

	now := base.Add(10 * time.Minute)
	mark("orphan", "never-created", now.Add(-5*time.Minute))
	mark("recent", "in-flight-create", now.Add(-time.Second))

	done := &domain.JobRun{ID: "done", JobName: "finished", Kind: domain.RunKindScheduled, Status: domain.RunStatusPending}
	require.NoError(t, st.CreateRun(ctx, done))
	require.NoError(t, st.RecordRunTransition(ctx, done.ID, domain.RunStatusSucceeded, "", now))
	mark("finished", done.ID, now.Add(-time.Minute))

	repaired, err := ev.Reconcile(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	assert.Empty(t, readState(t, st, "orphan").PendingRunID)
	assert.Equal(t, "in-flight-create", readState(t, st, "recent").PendingRunID)

	require.Len(t, completer.runs, 1)
	assert.Equal(t, done.ID, completer.runs[0].ID)
}
