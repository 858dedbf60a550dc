package sqlstore

import (
	"database/sql"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

const definitionColumns = `
	name, schedule_kind, schedule_expr, schedule_every_ms, schedule_raw,
	concurrency_limit, repeat_limit, handler_name, payload, max_attempts,
	timeout_ms, created_at, updated_at`

const stateColumns = `
	job_name, next_fire_at, last_fire_at, run_count, exhausted,
	pending_run_id, undelivered, version, updated_at`

const runColumns = `
	id, job_name, seq, kind, status, attempts, payload, fire_at, enqueued_at,
	started_at, finished_at, last_error, worker_id, cancel_requested`

type definitionRow struct {
	Name             string `db:"name"`
	ScheduleKind     string `db:"schedule_kind"`
	ScheduleExpr     string `db:"schedule_expr"`
	ScheduleEveryMS  int64  `db:"schedule_every_ms"`
	ScheduleRaw      string `db:"schedule_raw"`
	ConcurrencyLimit int    `db:"concurrency_limit"`
	RepeatLimit      int    `db:"repeat_limit"`
	HandlerName      string `db:"handler_name"`
	Payload          string `db:"payload"`
	MaxAttempts      int    `db:"max_attempts"`
	TimeoutMS        int64  `db:"timeout_ms"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

type stateRow struct {
	JobName      string        `db:"job_name"`
	NextFireAt   sql.NullInt64 `db:"next_fire_at"`
	LastFireAt   sql.NullInt64 `db:"last_fire_at"`
	RunCount     int           `db:"run_count"`
	Exhausted    int           `db:"exhausted"`
	PendingRunID string        `db:"pending_run_id"`
	Undelivered  int           `db:"undelivered"`
	Version      int64         `db:"version"`
	UpdatedAt    int64         `db:"updated_at"`
}

// dueRow maps the definition/state join; state columns are aliased "state.<col>"
type dueRow struct {
	definitionRow
	State stateRow `db:"state"`
}

type runRow struct {
	ID              string        `db:"id"`
	JobName         string        `db:"job_name"`
	Seq             int64         `db:"seq"`
	Kind            string        `db:"kind"`
	Status          string        `db:"status"`
	Attempts        int           `db:"attempts"`
	Payload         string        `db:"payload"`
	FireAt          int64         `db:"fire_at"`
	EnqueuedAt      int64         `db:"enqueued_at"`
	StartedAt       sql.NullInt64 `db:"started_at"`
	FinishedAt      sql.NullInt64 `db:"finished_at"`
	LastError       string        `db:"last_error"`
	WorkerID        string        `db:"worker_id"`
	CancelRequested int           `db:"cancel_requested"`
}

type leaseRow struct {
	Holder    string `db:"holder"`
	ExpiresAt int64  `db:"expires_at"`
	Version   int64  `db:"version"`
}

func (r *definitionRow) toDomain() domain.JobDefinition {
	return domain.JobDefinition{
		Name: r.Name,
		Schedule: domain.Schedule{
			Kind:  domain.ScheduleKind(r.ScheduleKind),
			Expr:  r.ScheduleExpr,
			Every: time.Duration(r.ScheduleEveryMS) * time.Millisecond,
			Raw:   r.ScheduleRaw,
		},
		ConcurrencyLimit: r.ConcurrencyLimit,
		RepeatLimit:      r.RepeatLimit,
		HandlerName:      r.HandlerName,
		Payload:          r.Payload,
		MaxAttempts:      r.MaxAttempts,
		Timeout:          time.Duration(r.TimeoutMS) * time.Millisecond,
		CreatedAt:        time.UnixMilli(r.CreatedAt),
		UpdatedAt:        time.UnixMilli(r.UpdatedAt),
	}
}

func (r *stateRow) toDomain() domain.TriggerState {
	return domain.TriggerState{
		JobName:      r.JobName,
		NextFireAt:   fromNullMillis(r.NextFireAt),
		LastFireAt:   fromNullMillis(r.LastFireAt),
		RunCount:     r.RunCount,
		Exhausted:    r.Exhausted != 0,
		PendingRunID: r.PendingRunID,
		Undelivered:  r.Undelivered != 0,
		Version:      r.Version,
		UpdatedAt:    time.UnixMilli(r.UpdatedAt),
	}
}

func (r *runRow) toDomain() domain.JobRun {
	return domain.JobRun{
		ID:              r.ID,
		JobName:         r.JobName,
		Seq:             r.Seq,
		Kind:            domain.RunKind(r.Kind),
		Status:          domain.RunStatus(r.Status),
		Attempts:        r.Attempts,
		Payload:         r.Payload,
		FireAt:          time.UnixMilli(r.FireAt),
		EnqueuedAt:      time.UnixMilli(r.EnqueuedAt),
		StartedAt:       fromNullMillis(r.StartedAt),
		FinishedAt:      fromNullMillis(r.FinishedAt),
		LastError:       r.LastError,
		WorkerID:        r.WorkerID,
		CancelRequested: r.CancelRequested != 0,
	}
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
