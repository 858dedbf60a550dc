// Package memstore is a process-local Job Store. It honours the same
// conditional-write contract as the SQL store but is only shared by
// components living in one process, which makes it the backend for tests and
// single-instance deployments.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

// Store implements store.Store in memory
type Store struct {
	mu       sync.Mutex
	defs     map[string]*domain.JobDefinition
	states   map[string]*domain.TriggerState
	runs     map[string]*domain.JobRun
	lastSeq  map[string]int64
	leases   map[string]*domain.Lease
	failures int
	closed   bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		defs:    make(map[string]*domain.JobDefinition),
		states:  make(map[string]*domain.TriggerState),
		runs:    make(map[string]*domain.JobRun),
		lastSeq: make(map[string]int64),
		leases:  make(map[string]*domain.Lease),
	}
}

// FailNext makes the next n operations return a transient error
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// check must be called with mu held
func (s *Store) check(op string) error {
	if s.closed {
		return domain.NewTransientError(op, errors.New("store closed"))
	}
	if s.failures > 0 {
		s.failures--
		return domain.NewTransientError(op, errors.New("injected failure"))
	}
	return nil
}

// UpsertDefinition creates or replaces a definition
func (s *Store) UpsertDefinition(ctx context.Context, def *domain.JobDefinition, initial domain.TriggerState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert_definition"); err != nil {
		return false, err
	}

	stored := *def
	existing, ok := s.defs[def.Name]
	if ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.defs[def.Name] = &stored

	state, hasState := s.states[def.Name]
	if ok && hasState && existing.SameTrigger(def) {
		return false, nil
	}

	init := copyState(&initial)
	init.JobName = def.Name
	if hasState {
		init.PendingRunID = state.PendingRunID
		init.Undelivered = state.Undelivered
		init.Version = state.Version + 1
	}
	s.states[def.Name] = &init
	return true, nil
}

// GetDefinition retrieves a definition by name
func (s *Store) GetDefinition(ctx context.Context, name string) (*domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_definition"); err != nil {
		return nil, err
	}

	def, ok := s.defs[name]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := *def
	return &out, nil
}

// ListDefinitions returns all definitions ordered by name
func (s *Store) ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_definitions"); err != nil {
		return nil, err
	}

	out := make([]domain.JobDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetDueDefinitions returns definitions whose trigger is due at now
func (s *Store) GetDueDefinitions(ctx context.Context, now time.Time) ([]domain.DueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_due_definitions"); err != nil {
		return nil, err
	}

	var due []domain.DueJob
	for name, state := range s.states {
		def, ok := s.defs[name]
		if !ok || !state.Due(now) {
			continue
		}
		due = append(due, domain.DueJob{Definition: *def, State: copyState(state)})
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].State.NextFireAt.Before(*due[j].State.NextFireAt)
	})
	return due, nil
}

// ReadTriggerState returns the trigger state of a job
func (s *Store) ReadTriggerState(ctx context.Context, name string) (*domain.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("read_trigger_state"); err != nil {
		return nil, err
	}

	state, ok := s.states[name]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := copyState(state)
	return &out, nil
}

// WriteTriggerState stores state if the version still matches
func (s *Store) WriteTriggerState(ctx context.Context, state domain.TriggerState, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("write_trigger_state"); err != nil {
		return false, err
	}

	current, ok := s.states[state.JobName]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if current.Version != expectedVersion {
		return false, nil
	}

	next := copyState(&state)
	next.Version = expectedVersion + 1
	s.states[state.JobName] = &next
	return true, nil
}

// ListPendingTriggers returns states with a pending dispatch marker
func (s *Store) ListPendingTriggers(ctx context.Context) ([]domain.TriggerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_pending_triggers"); err != nil {
		return nil, err
	}

	var out []domain.TriggerState
	for _, state := range s.states {
		if state.PendingRunID != "" {
			out = append(out, copyState(state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobName < out[j].JobName })
	return out, nil
}

// CreateRun inserts a run with the next sequence number of its job
func (s *Store) CreateRun(ctx context.Context, run *domain.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_run"); err != nil {
		return err
	}

	if _, ok := s.defs[run.JobName]; !ok {
		return domain.ErrJobNotFound
	}
	s.lastSeq[run.JobName]++
	run.Seq = s.lastSeq[run.JobName]

	stored := copyRun(run)
	s.runs[run.ID] = &stored
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get_run"); err != nil {
		return nil, err
	}

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	out := copyRun(run)
	return &out, nil
}

// ClaimRun marks a run Running for workerID and counts the attempt
func (s *Store) ClaimRun(ctx context.Context, id, workerID string, now time.Time) (*domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("claim_run"); err != nil {
		return nil, err
	}

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	if !run.Status.CanTransition(domain.RunStatusRunning) {
		return nil, domain.ErrInvalidTransition
	}

	run.Status = domain.RunStatusRunning
	run.Attempts++
	run.WorkerID = workerID
	if run.StartedAt == nil {
		started := now
		run.StartedAt = &started
	}
	out := copyRun(run)
	return &out, nil
}

// RecordRunTransition moves a run to status
func (s *Store) RecordRunTransition(ctx context.Context, id string, status domain.RunStatus, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record_run_transition"); err != nil {
		return err
	}

	run, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if !run.Status.CanTransition(status) {
		return domain.ErrInvalidTransition
	}

	run.Status = status
	run.LastError = errMsg
	if status.IsTerminal() {
		finished := now
		run.FinishedAt = &finished
	}
	return nil
}

// RecordAttemptFailure stores the error of a retried attempt
func (s *Store) RecordAttemptFailure(ctx context.Context, id, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("record_attempt_failure"); err != nil {
		return err
	}

	run, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if run.Status != domain.RunStatusRunning {
		return domain.ErrInvalidTransition
	}
	run.LastError = errMsg
	return nil
}

// CountRunning counts Running runs of a job
func (s *Store) CountRunning(ctx context.Context, jobName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("count_running"); err != nil {
		return 0, err
	}

	n := 0
	for _, run := range s.runs {
		if run.JobName == jobName && run.Status == domain.RunStatusRunning {
			n++
		}
	}
	return n, nil
}

// ListRuns returns runs of a job, most recent first
func (s *Store) ListRuns(ctx context.Context, jobName string, limit int, beforeSeq int64) ([]domain.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("list_runs"); err != nil {
		return nil, err
	}

	var out []domain.JobRun
	for _, run := range s.runs {
		if run.JobName != jobName {
			continue
		}
		if beforeSeq > 0 && run.Seq >= beforeSeq {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequestCancel flags a run for cooperative cancellation
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("request_cancel"); err != nil {
		return err
	}

	run, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	run.CancelRequested = true
	return nil
}

// TryAcquireLease takes the lease if it is free, expired or already ours
func (s *Store) TryAcquireLease(ctx context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("try_acquire_lease"); err != nil {
		return false, err
	}

	lease, ok := s.leases[key]
	if ok && lease.Holder != holder && lease.ExpiresAt.After(now) {
		return false, nil
	}

	var version int64 = 1
	if ok {
		version = lease.Version + 1
	}
	s.leases[key] = &domain.Lease{Holder: holder, ExpiresAt: now.Add(ttl), Version: version}
	return true, nil
}

// RenewLease extends a live lease held by holder
func (s *Store) RenewLease(ctx context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("renew_lease"); err != nil {
		return false, err
	}

	lease, ok := s.leases[key]
	if !ok || !lease.HeldBy(holder, now) {
		return false, nil
	}
	lease.ExpiresAt = now.Add(ttl)
	lease.Version++
	return true, nil
}

// ReleaseLease expires the lease if holder owns it
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("release_lease"); err != nil {
		return err
	}

	lease, ok := s.leases[key]
	if !ok || lease.Holder != holder {
		return nil
	}
	lease.ExpiresAt = time.Time{}
	lease.Version++
	return nil
}

// ReadLease returns the current lease record
func (s *Store) ReadLease(ctx context.Context, key string) (*domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("read_lease"); err != nil {
		return nil, err
	}

	lease, ok := s.leases[key]
	if !ok {
		return nil, nil
	}
	out := *lease
	return &out, nil
}

// Close marks the store closed; later calls fail
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyState(state *domain.TriggerState) domain.TriggerState {
	out := *state
	if state.NextFireAt != nil {
		t := *state.NextFireAt
		out.NextFireAt = &t
	}
	if state.LastFireAt != nil {
		t := *state.LastFireAt
		out.LastFireAt = &t
	}
	return out
}

func copyRun(run *domain.JobRun) domain.JobRun {
	out := *run
	if run.StartedAt != nil {
		t := *run.StartedAt
		out.StartedAt = &t
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
