// Package store defines the durable Job Store contract shared by all
// instances. Every cross-instance coordination goes through the conditional
// writes declared here.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

// DefinitionStore persists job definitions
type DefinitionStore interface {
	// UpsertDefinition creates or replaces a definition by name. initial is
	// written as the trigger state when the definition is new or when its
	// trigger changed; an in-flight pending marker survives a reset. It
	// reports whether the trigger state was (re)initialized.
	UpsertDefinition(ctx context.Context, def *domain.JobDefinition, initial domain.TriggerState) (bool, error)
	GetDefinition(ctx context.Context, name string) (*domain.JobDefinition, error)
	ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error)

	// GetDueDefinitions returns non-exhausted definitions without a pending
	// dispatch whose next fire instant is at or before now
	GetDueDefinitions(ctx context.Context, now time.Time) ([]domain.DueJob, error)
}

// TriggerStore persists trigger state with compare-and-swap updates
type TriggerStore interface {
	ReadTriggerState(ctx context.Context, name string) (*domain.TriggerState, error)

	// WriteTriggerState stores state iff the stored version equals
	// expectedVersion; the stored version becomes expectedVersion+1.
	WriteTriggerState(ctx context.Context, state domain.TriggerState, expectedVersion int64) (bool, error)

	// ListPendingTriggers returns states carrying a pending dispatch marker
	ListPendingTriggers(ctx context.Context) ([]domain.TriggerState, error)
}

// RunStore persists job runs
type RunStore interface {
	// CreateRun inserts a run, assigning the next sequence number for its job
	CreateRun(ctx context.Context, run *domain.JobRun) error
	GetRun(ctx context.Context, id string) (*domain.JobRun, error)

	// ClaimRun moves a Pending or Running run to Running and increments its
	// attempt count. Terminal runs yield domain.ErrInvalidTransition.
	ClaimRun(ctx context.Context, id, workerID string, now time.Time) (*domain.JobRun, error)

	// RecordRunTransition moves a run to status, rejecting regressions
	RecordRunTransition(ctx context.Context, id string, status domain.RunStatus, errMsg string, now time.Time) error

	// RecordAttemptFailure stores the error of a failed attempt that will be retried
	RecordAttemptFailure(ctx context.Context, id, errMsg string, now time.Time) error

	CountRunning(ctx context.Context, jobName string) (int, error)

	// ListRuns returns runs most recent first. beforeSeq > 0 restricts the
	// result to runs with a smaller sequence number.
	ListRuns(ctx context.Context, jobName string, limit int, beforeSeq int64) ([]domain.JobRun, error)

	RequestCancel(ctx context.Context, id string) error
}

// LeaseStore persists the coordination record
type LeaseStore interface {
	// TryAcquireLease takes key for holder if it is absent, expired or already
	// held by holder
	TryAcquireLease(ctx context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error)

	// RenewLease extends a live lease held by holder
	RenewLease(ctx context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseLease expires the lease if holder owns it
	ReleaseLease(ctx context.Context, key, holder string) error

	// ReadLease returns the current record, or nil if none was ever written
	ReadLease(ctx context.Context, key string) (*domain.Lease, error)
}

// Store is the full Job Store
type Store interface {
	DefinitionStore
	TriggerStore
	RunStore
	LeaseStore
	Close() error
}
