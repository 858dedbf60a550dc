package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/jmoiron/sqlx"
)

var allStatuses = []domain.RunStatus{
	domain.RunStatusPending,
	domain.RunStatusRunning,
	domain.RunStatusSucceeded,
	domain.RunStatusFailed,
}

// sourceStatuses lists the statuses a run may hold before moving to next
func sourceStatuses(next domain.RunStatus) []string {
	var out []string
	for _, s := range allStatuses {
		if s.CanTransition(next) {
			out = append(out, string(s))
		}
	}
	return out
}

// CreateRun inserts a run with the next sequence number of its job
func (s *Store) CreateRun(ctx context.Context, run *domain.JobRun) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("create_run", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.GetContext(ctx, &seq, tx.Rebind(`
		UPDATE job_definitions SET last_seq = last_seq + 1
		WHERE name = ?
		RETURNING last_seq`), run.JobName)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return wrap("create_run", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID,
		run.JobName,
		seq,
		string(run.Kind),
		string(run.Status),
		run.Attempts,
		run.Payload,
		run.FireAt.UnixMilli(),
		run.EnqueuedAt.UnixMilli(),
		toNullMillis(run.StartedAt),
		toNullMillis(run.FinishedAt),
		run.LastError,
		run.WorkerID,
		boolToInt(run.CancelRequested),
	)
	if err != nil {
		return wrap("create_run", err)
	}

	if err := tx.Commit(); err != nil {
		return wrap("create_run", err)
	}
	run.Seq = seq
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+runColumns+` FROM job_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, wrap("get_run", err)
	}
	run := row.toDomain()
	return &run, nil
}

// rejectionFor explains why a conditional run update touched no row
func (s *Store) rejectionFor(ctx context.Context, id string) error {
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

// ClaimRun marks a run Running for workerID and counts the attempt
func (s *Store) ClaimRun(ctx context.Context, id, workerID string, now time.Time) (*domain.JobRun, error) {
	query, args, err := sqlx.In(`
		UPDATE job_runs
		SET status = ?,
		    attempts = attempts + 1,
		    worker_id = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN (?)
		RETURNING `+runColumns,
		string(domain.RunStatusRunning), workerID, now.UnixMilli(), id, sourceStatuses(domain.RunStatusRunning))
	if err != nil {
		return nil, err
	}

	var row runRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.rejectionFor(ctx, id)
	}
	if err != nil {
		return nil, wrap("claim_run", err)
	}
	run := row.toDomain()
	return &run, nil
}

// RecordRunTransition moves a run to status
func (s *Store) RecordRunTransition(ctx context.Context, id string, status domain.RunStatus, errMsg string, now time.Time) error {
	from := sourceStatuses(status)
	if len(from) == 0 {
		return domain.ErrInvalidTransition
	}

	var finished sql.NullInt64
	if status.IsTerminal() {
		finished = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	}

	query, args, err := sqlx.In(`
		UPDATE job_runs
		SET status = ?,
		    last_error = ?,
		    finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND status IN (?)`,
		string(status), errMsg, finished, id, from)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return wrap("record_run_transition", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrap("record_run_transition", err)
	}
	if rowsAffected == 0 {
		return s.rejectionFor(ctx, id)
	}
	return nil
}

// RecordAttemptFailure stores the error of a retried attempt
func (s *Store) RecordAttemptFailure(ctx context.Context, id, errMsg string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE job_runs SET last_error = ? WHERE id = ? AND status = ?`),
		errMsg, id, string(domain.RunStatusRunning))
	if err != nil {
		return wrap("record_attempt_failure", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrap("record_attempt_failure", err)
	}
	if rowsAffected == 0 {
		return s.rejectionFor(ctx, id)
	}
	return nil
}

// CountRunning counts Running runs of a job
func (s *Store) CountRunning(ctx context.Context, jobName string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind(`SELECT COUNT(*) FROM job_runs WHERE job_name = ? AND status = ?`),
		jobName, string(domain.RunStatusRunning))
	if err != nil {
		return 0, wrap("count_running", err)
	}
	return n, nil
}

// ListRuns returns runs of a job, most recent first
func (s *Store) ListRuns(ctx context.Context, jobName string, limit int, beforeSeq int64) ([]domain.JobRun, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE job_name = ?`
	args := []interface{}{jobName}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, wrap("list_runs", err)
	}
	out := make([]domain.JobRun, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// RequestCancel flags a run for cooperative cancellation
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE job_runs SET cancel_requested = 1 WHERE id = ? AND status IN (?, ?)`),
		id, string(domain.RunStatusPending), string(domain.RunStatusRunning))
	if err != nil {
		return wrap("request_cancel", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrap("request_cancel", err)
	}
	if rowsAffected == 0 {
		return s.rejectionFor(ctx, id)
	}
	return nil
}
