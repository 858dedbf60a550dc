// Package storetest holds the behavioural suite every store.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) store.Store

// Base is the reference instant used by the suite; millisecond precision
// keeps it lossless in every backend.
var Base = time.UnixMilli(1767225600000)

// Definition builds a five second interval definition
func Definition(name string) *domain.JobDefinition {
	return &domain.JobDefinition{
		Name: name,
		Schedule: domain.Schedule{
			Kind:  domain.ScheduleInterval,
			Every: 5 * time.Second,
			Raw:   "5s",
		},
		ConcurrencyLimit: 1,
		HandlerName:      name,
		CreatedAt:        Base,
		UpdatedAt:        Base,
	}
}

// InitialState builds a trigger state due at next
func InitialState(name string, next time.Time) domain.TriggerState {
	return domain.TriggerState{JobName: name, NextFireAt: &next, UpdatedAt: Base}
}

// Run executes the whole suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertDefinition", func(t *testing.T) { testUpsertDefinition(t, newStore(t)) })
	t.Run("GetDueDefinitions", func(t *testing.T) { testGetDueDefinitions(t, newStore(t)) })
	t.Run("WriteTriggerState", func(t *testing.T) { testWriteTriggerState(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("Lease", func(t *testing.T) { testLease(t, newStore(t)) })
	t.Run("ConcurrentLeaseAcquisition", func(t *testing.T) { testConcurrentLease(t, newStore(t)) })
	t.Run("ConcurrentTriggerCAS", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
}

func testUpsertDefinition(t *testing.T, st store.Store) {
	ctx := context.Background()
	def := Definition("ping")
	def.Payload = `{"host":"a"}`

	reset, err := st.UpsertDefinition(ctx, def, InitialState("ping", Base.Add(5*time.Second)))
	require.NoError(t, err)
	assert.True(t, reset)

	got, err := st.GetDefinition(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Name)
	assert.Equal(t, domain.ScheduleInterval, got.Schedule.Kind)
	assert.Equal(t, 5*time.Second, got.Schedule.Every)
	assert.Equal(t, `{"host":"a"}`, got.Payload)

	state, err := st.ReadTriggerState(ctx, "ping")
	require.NoError(t, err)
	require.NotNil(t, state.NextFireAt)
	assert.Equal(t, Base.Add(5*time.Second).UnixMilli(), state.NextFireAt.UnixMilli())

	// Mark the trigger as in flight, then re-register identically.
	marked := *state
	marked.PendingRunID = "run-1"
	marked.Undelivered = true
	marked.RunCount = 2
	ok, err := st.WriteTriggerState(ctx, marked, state.Version)
	require.NoError(t, err)
	require.True(t, ok)

	reset, err = st.UpsertDefinition(ctx, Definition("ping"), InitialState("ping", Base.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, reset)

	state, err = st.ReadTriggerState(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, 2, state.RunCount)
	assert.Equal(t, Base.Add(5*time.Second).UnixMilli(), state.NextFireAt.UnixMilli())

	// A changed trigger resets progress but keeps the pending marker.
	changed := Definition("ping")
	changed.RepeatLimit = 3
	reset, err = st.UpsertDefinition(ctx, changed, InitialState("ping", Base.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, reset)

	state, err = st.ReadTriggerState(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, 0, state.RunCount)
	assert.Equal(t, "run-1", state.PendingRunID)
	assert.True(t, state.Undelivered)
	assert.Equal(t, Base.Add(time.Hour).UnixMilli(), state.NextFireAt.UnixMilli())

	defs, err := st.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	_, err = st.GetDefinition(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testGetDueDefinitions(t *testing.T, st store.Store) {
	ctx := context.Background()

	for i, name := range []string{"due", "later", "exhausted", "pending"} {
		next := Base.Add(time.Duration(i) * time.Second)
		if name == "later" {
			next = Base.Add(time.Hour)
		}
		_, err := st.UpsertDefinition(ctx, Definition(name), InitialState(name, next))
		require.NoError(t, err)
	}

	exhausted, err := st.ReadTriggerState(ctx, "exhausted")
	require.NoError(t, err)
	ex := *exhausted
	ex.Exhausted = true
	ex.NextFireAt = nil
	ok, err := st.WriteTriggerState(ctx, ex, exhausted.Version)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := st.ReadTriggerState(ctx, "pending")
	require.NoError(t, err)
	p := *pending
	p.PendingRunID = "r"
	p.Undelivered = true
	ok, err = st.WriteTriggerState(ctx, p, pending.Version)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := st.GetDueDefinitions(ctx, Base.Add(10*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Definition.Name)
	assert.Equal(t, "due", due[0].State.JobName)

	pendingStates, err := st.ListPendingTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, pendingStates, 1)
	assert.Equal(t, "pending", pendingStates[0].JobName)
	assert.Equal(t, "r", pendingStates[0].PendingRunID)
	assert.True(t, pendingStates[0].Undelivered)
}

func testWriteTriggerState(t *testing.T, st store.Store) {
	ctx := context.Background()
	_, err := st.UpsertDefinition(ctx, Definition("cas"), InitialState("cas", Base))
	require.NoError(t, err)

	state, err := st.ReadTriggerState(ctx, "cas")
	require.NoError(t, err)

	next := *state
	next.RunCount = 1
	ok, err := st.WriteTriggerState(ctx, next, state.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	// The same expected version is now stale.
	next.RunCount = 2
	ok, err = st.WriteTriggerState(ctx, next, state.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := st.ReadTriggerState(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, 1, after.RunCount)
	assert.Equal(t, state.Version+1, after.Version)

	_, err = st.ReadTriggerState(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func newRun(id, job string) *domain.JobRun {
	return &domain.JobRun{
		ID:         id,
		JobName:    job,
		Kind:       domain.RunKindScheduled,
		Status:     domain.RunStatusPending,
		Payload:    `{}`,
		FireAt:     Base,
		EnqueuedAt: Base,
	}
}

func testRuns(t *testing.T, st store.Store) {
	ctx := context.Background()
	_, err := st.UpsertDefinition(ctx, Definition("job"), InitialState("job", Base))
	require.NoError(t, err)

	first := newRun("run-1", "job")
	second := newRun("run-2", "job")
	require.NoError(t, st.CreateRun(ctx, first))
	require.NoError(t, st.CreateRun(ctx, second))
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	assert.ErrorIs(t, st.CreateRun(ctx, newRun("run-x", "missing")), domain.ErrJobNotFound)

	claimed, err := st.ClaimRun(ctx, "run-1", "worker-a", Base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "worker-a", claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)

	running, err := st.CountRunning(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	require.NoError(t, st.RecordAttemptFailure(ctx, "run-1", "boom", Base.Add(2*time.Second)))

	reclaimed, err := st.ClaimRun(ctx, "run-1", "worker-b", Base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, "boom", reclaimed.LastError)
	assert.Equal(t, claimed.StartedAt.UnixMilli(), reclaimed.StartedAt.UnixMilli())

	require.NoError(t, st.RequestCancel(ctx, "run-1"))

	require.NoError(t, st.RecordRunTransition(ctx, "run-1", domain.RunStatusSucceeded, "", Base.Add(4*time.Second)))

	done, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, done.Status)
	assert.True(t, done.CancelRequested)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, Base.Add(4*time.Second).UnixMilli(), done.FinishedAt.UnixMilli())

	// Terminal runs never move again.
	assert.ErrorIs(t, st.RecordRunTransition(ctx, "run-1", domain.RunStatusFailed, "late", Base), domain.ErrInvalidTransition)
	_, err = st.ClaimRun(ctx, "run-1", "worker-c", Base)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, st.RequestCancel(ctx, "run-1"), domain.ErrInvalidTransition)

	// Pending runs can fail without running (dispatch failure, cancel before start).
	require.NoError(t, st.RecordRunTransition(ctx, "run-2", domain.RunStatusFailed, "canceled", Base))
	assert.ErrorIs(t, st.RecordAttemptFailure(ctx, "run-2", "x", Base), domain.ErrInvalidTransition)

	running, err = st.CountRunning(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 0, running)

	_, err = st.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	_, err = st.ClaimRun(ctx, "nope", "w", Base)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	assert.ErrorIs(t, st.RecordRunTransition(ctx, "nope", domain.RunStatusFailed, "", Base), domain.ErrRunNotFound)
	assert.ErrorIs(t, st.RequestCancel(ctx, "nope"), domain.ErrRunNotFound)
}

func testListRuns(t *testing.T, st store.Store) {
	ctx := context.Background()
	_, err := st.UpsertDefinition(ctx, Definition("hist"), InitialState("hist", Base))
	require.NoError(t, err)
	_, err = st.UpsertDefinition(ctx, Definition("other"), InitialState("other", Base))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, st.CreateRun(ctx, newRun(fmt.Sprintf("hist-%d", i), "hist")))
	}
	require.NoError(t, st.CreateRun(ctx, newRun("other-1", "other")))

	runs, err := st.ListRuns(ctx, "hist", 3, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{runs[0].Seq, runs[1].Seq, runs[2].Seq})

	older, err := st.ListRuns(ctx, "hist", 10, runs[2].Seq)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "hist-2", older[0].ID)
	assert.Equal(t, "hist-1", older[1].ID)

	none, err := st.ListRuns(ctx, "unknown", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testLease(t *testing.T, st store.Store) {
	ctx := context.Background()
	key := domain.CoordinationKey
	ttl := 10 * time.Second

	lease, err := st.ReadLease(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lease)

	ok, err := st.TryAcquireLease(ctx, key, "a", Base, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TryAcquireLease(ctx, key, "b", Base.Add(time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be stolen")

	ok, err = st.RenewLease(ctx, key, "a", Base.Add(3*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.RenewLease(ctx, key, "b", Base.Add(3*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	lease, err = st.ReadLease(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "a", lease.Holder)
	assert.Equal(t, Base.Add(13*time.Second).UnixMilli(), lease.ExpiresAt.UnixMilli())

	// After expiry anyone may reclaim it and the old holder cannot renew.
	ok, err = st.TryAcquireLease(ctx, key, "b", Base.Add(14*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.RenewLease(ctx, key, "a", Base.Add(15*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing by a non-holder is a no-op, by the holder frees the lease.
	require.NoError(t, st.ReleaseLease(ctx, key, "a"))
	ok, err = st.TryAcquireLease(ctx, key, "c", Base.Add(15*time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.ReleaseLease(ctx, key, "b"))
	ok, err = st.TryAcquireLease(ctx, key, "c", Base.Add(15*time.Second), ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testConcurrentLease(t *testing.T, st store.Store) {
	ctx := context.Background()
	const contenders = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := st.TryAcquireLease(ctx, domain.CoordinationKey, id, Base, 10*time.Second)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(fmt.Sprintf("instance-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)

	lease, err := st.ReadLease(ctx, domain.CoordinationKey)
	require.NoError(t, err)
	assert.Equal(t, winners[0], lease.Holder)
}

func testConcurrentCAS(t *testing.T, st store.Store) {
	ctx := context.Background()
	_, err := st.UpsertDefinition(ctx, Definition("race"), InitialState("race", Base))
	require.NoError(t, err)

	state, err := st.ReadTriggerState(ctx, "race")
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := *state
			next.PendingRunID = fmt.Sprintf("run-%d", i)
			ok, err := st.WriteTriggerState(ctx, next, state.Version)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one writer may advance the trigger")
}
