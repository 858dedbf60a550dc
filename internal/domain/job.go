package domain

import (
	"time"
)

// Schedule is a parsed trigger definition: a cron expression or a fixed interval
type Schedule struct {
	Kind  ScheduleKind
	Expr  string        // normalized cron expression, empty for intervals
	Every time.Duration // interval length, zero for cron
	Raw   string        // the definition as registered
}

// JobDefinition describes a registered job
type JobDefinition struct {
	Name             string
	Schedule         Schedule
	ConcurrencyLimit int
	RepeatLimit      int // 0 means unbounded
	HandlerName      string
	Payload          string // JSON text handed to scheduled runs
	MaxAttempts      int    // 0 falls back to the worker default
	Timeout          time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Bounded reports whether the definition has a repeat limit
func (d *JobDefinition) Bounded() bool {
	return d.RepeatLimit > 0
}

// SameTrigger reports whether two definitions fire identically, so that
// re-registration can keep the existing trigger state
func (d *JobDefinition) SameTrigger(other *JobDefinition) bool {
	return d.Schedule.Kind == other.Schedule.Kind &&
		d.Schedule.Expr == other.Schedule.Expr &&
		d.Schedule.Every == other.Schedule.Every &&
		d.RepeatLimit == other.RepeatLimit
}

// TriggerState is the per-definition firing progress
type TriggerState struct {
	JobName      string
	NextFireAt   *time.Time // nil once exhausted
	LastFireAt   *time.Time
	RunCount     int
	Exhausted    bool
	PendingRunID string // set while a scheduled run is in flight
	Undelivered  bool   // the pending run exists but its queue item was never enqueued
	Version      int64
	UpdatedAt    time.Time
}

// Due reports whether the trigger should fire at now
func (s *TriggerState) Due(now time.Time) bool {
	return !s.Exhausted && s.PendingRunID == "" && s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// DueJob pairs a definition with the trigger state that made it due
type DueJob struct {
	Definition JobDefinition
	State      TriggerState
}

// JobRun is one concrete firing of a job
type JobRun struct {
	ID              string
	JobName         string
	Seq             int64
	Kind            RunKind
	Status          RunStatus
	Attempts        int
	Payload         string
	FireAt          time.Time // the trigger instant for scheduled runs, enqueue time otherwise
	EnqueuedAt      time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastError       string
	WorkerID        string
	CancelRequested bool
}

// Lease is the cluster-wide coordination record for the primary role
type Lease struct {
	Holder    string
	ExpiresAt time.Time
	Version   int64
}

// HeldBy reports whether holder owns a live lease at now
func (l *Lease) HeldBy(holder string, now time.Time) bool {
	return l.Holder == holder && l.ExpiresAt.After(now)
}

// QueueItem wraps a JobRun reference for delivery
type QueueItem struct {
	ID         string
	RunID      string
	JobName    string
	Deliveries int
	VisibleAt  time.Time
	EnqueuedAt time.Time
}
