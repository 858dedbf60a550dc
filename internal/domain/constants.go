package domain

// RunStatus is the lifecycle state of a JobRun
type RunStatus string

// Run status constants
const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// rank orders statuses so transitions can be checked for regressions
func (s RunStatus) rank() int {
	switch s {
	case RunStatusPending:
		return 0
	case RunStatusRunning:
		return 1
	case RunStatusSucceeded, RunStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
// Running -> Running is allowed so redeliveries can re-claim a run.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.rank() < 0 || next.rank() < 0 || s.IsTerminal() {
		return false
	}
	if s == RunStatusRunning && next == RunStatusRunning {
		return true
	}
	return next.rank() > s.rank()
}

// RunKind tells whether a run was fired by a trigger or enqueued ad hoc
type RunKind string

const (
	RunKindScheduled RunKind = "SCHEDULED"
	RunKindAdHoc     RunKind = "ADHOC"
)

// ScheduleKind is the normalized kind of a schedule definition
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

const (
	// DefaultConcurrencyLimit applies when a definition does not set one
	DefaultConcurrencyLimit = 1

	// DefaultMaxAttempts applies when neither the definition nor the worker sets one
	DefaultMaxAttempts = 3

	// CoordinationKey names the single cluster-wide lease record
	CoordinationKey = "scheduler-primary"
)
