// Package sqlstore implements the Job Store on PostgreSQL or SQLite through sqlx.
// Queries are written with '?' placeholders and rebound for the driver in use.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

// Store implements store.Store on a SQL database
type Store struct {
	db       *sqlx.DB
	logger   *slog.Logger
	postgres bool
}

// New creates a store on an open database handle
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		logger:   logger,
		postgres: db.DriverName() == "postgres",
	}
}

// Migrate creates the tables if they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply job store schema: %w", err)
	}
	s.logger.Info("Job store schema applied", slog.String("driver", s.db.DriverName()))
	return nil
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// forUpdate locks selected rows on PostgreSQL. SQLite serializes writers already.
func (s *Store) forUpdate() string {
	if s.postgres {
		return " FOR UPDATE"
	}
	return ""
}

// wrap classifies a driver error: missing rows pass through, everything else
// is a transient storage failure
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return domain.NewTransientError(op, err)
}

// UpsertDefinition creates or replaces a definition
func (s *Store) UpsertDefinition(ctx context.Context, def *domain.JobDefinition, initial domain.TriggerState) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, wrap("upsert_definition", err)
	}
	defer tx.Rollback()

	var existing definitionRow
	err = tx.GetContext(ctx, &existing,
		tx.Rebind(`SELECT `+definitionColumns+` FROM job_definitions WHERE name = ?`+s.forUpdate()),
		def.Name)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, wrap("upsert_definition", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO job_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			schedule_kind = excluded.schedule_kind,
			schedule_expr = excluded.schedule_expr,
			schedule_every_ms = excluded.schedule_every_ms,
			schedule_raw = excluded.schedule_raw,
			concurrency_limit = excluded.concurrency_limit,
			repeat_limit = excluded.repeat_limit,
			handler_name = excluded.handler_name,
			payload = excluded.payload,
			max_attempts = excluded.max_attempts,
			timeout_ms = excluded.timeout_ms,
			updated_at = excluded.updated_at`),
		def.Name,
		string(def.Schedule.Kind),
		def.Schedule.Expr,
		def.Schedule.Every.Milliseconds(),
		def.Schedule.Raw,
		def.ConcurrencyLimit,
		def.RepeatLimit,
		def.HandlerName,
		def.Payload,
		def.MaxAttempts,
		def.Timeout.Milliseconds(),
		def.CreatedAt.UnixMilli(),
		def.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, wrap("upsert_definition", err)
	}

	if found {
		prev := existing.toDomain()
		var has int
		err = tx.GetContext(ctx, &has, tx.Rebind(`SELECT COUNT(*) FROM trigger_states WHERE job_name = ?`), def.Name)
		if err != nil {
			return false, wrap("upsert_definition", err)
		}
		if has > 0 && prev.SameTrigger(def) {
			return false, wrap("upsert_definition", tx.Commit())
		}
	}

	// A reset keeps pending_run_id and undelivered so an in-flight run still completes the trigger.
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO trigger_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, '', 0, 0, ?)
		ON CONFLICT (job_name) DO UPDATE SET
			next_fire_at = excluded.next_fire_at,
			last_fire_at = excluded.last_fire_at,
			run_count = excluded.run_count,
			exhausted = excluded.exhausted,
			version = trigger_states.version + 1,
			updated_at = excluded.updated_at`),
		def.Name,
		toNullMillis(initial.NextFireAt),
		toNullMillis(initial.LastFireAt),
		initial.RunCount,
		boolToInt(initial.Exhausted),
		initial.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, wrap("upsert_definition", err)
	}

	if err := tx.Commit(); err != nil {
		return false, wrap("upsert_definition", err)
	}
	return true, nil
}

// GetDefinition retrieves a definition by name
func (s *Store) GetDefinition(ctx context.Context, name string) (*domain.JobDefinition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+definitionColumns+` FROM job_definitions WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, wrap("get_definition", err)
	}
	def := row.toDomain()
	return &def, nil
}

// ListDefinitions returns all definitions ordered by name
func (s *Store) ListDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+definitionColumns+` FROM job_definitions ORDER BY name`); err != nil {
		return nil, wrap("list_definitions", err)
	}
	out := make([]domain.JobDefinition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// GetDueDefinitions returns definitions whose trigger is due at now
func (s *Store) GetDueDefinitions(ctx context.Context, now time.Time) ([]domain.DueJob, error) {
	query := `
		SELECT
			d.name, d.schedule_kind, d.schedule_expr, d.schedule_every_ms, d.schedule_raw,
			d.concurrency_limit, d.repeat_limit, d.handler_name, d.payload, d.max_attempts,
			d.timeout_ms, d.created_at, d.updated_at,
			t.job_name AS "state.job_name",
			t.next_fire_at AS "state.next_fire_at",
			t.last_fire_at AS "state.last_fire_at",
			t.run_count AS "state.run_count",
			t.exhausted AS "state.exhausted",
			t.pending_run_id AS "state.pending_run_id",
			t.undelivered AS "state.undelivered",
			t.version AS "state.version",
			t.updated_at AS "state.updated_at"
		FROM job_definitions d
		JOIN trigger_states t ON t.job_name = d.name
		WHERE t.exhausted = 0
		  AND t.pending_run_id = ''
		  AND t.next_fire_at IS NOT NULL
		  AND t.next_fire_at <= ?
		ORDER BY t.next_fire_at, d.name
	`

	var rows []dueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), now.UnixMilli()); err != nil {
		return nil, wrap("get_due_definitions", err)
	}

	due := make([]domain.DueJob, 0, len(rows))
	for i := range rows {
		due = append(due, domain.DueJob{
			Definition: rows[i].definitionRow.toDomain(),
			State:      rows[i].State.toDomain(),
		})
	}
	return due, nil
}

// ReadTriggerState returns the trigger state of a job
func (s *Store) ReadTriggerState(ctx context.Context, name string) (*domain.TriggerState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+stateColumns+` FROM trigger_states WHERE job_name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, wrap("read_trigger_state", err)
	}
	state := row.toDomain()
	return &state, nil
}

// WriteTriggerState stores state if the version still matches
func (s *Store) WriteTriggerState(ctx context.Context, state domain.TriggerState, expectedVersion int64) (bool, error) {
	query := `
		UPDATE trigger_states
		SET next_fire_at = ?,
		    last_fire_at = ?,
		    run_count = ?,
		    exhausted = ?,
		    pending_run_id = ?,
		    undelivered = ?,
		    version = ?,
		    updated_at = ?
		WHERE job_name = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		toNullMillis(state.NextFireAt),
		toNullMillis(state.LastFireAt),
		state.RunCount,
		boolToInt(state.Exhausted),
		state.PendingRunID,
		boolToInt(state.Undelivered),
		expectedVersion+1,
		state.UpdatedAt.UnixMilli(),
		state.JobName,
		expectedVersion,
	)
	if err != nil {
		return false, wrap("write_trigger_state", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrap("write_trigger_state", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// Distinguish a stale version from a missing job.
	if _, err := s.ReadTriggerState(ctx, state.JobName); err != nil {
		return false, err
	}
	s.logger.Debug("Trigger state version conflict",
		slog.String("job_name", state.JobName),
		slog.Int64("expected_version", expectedVersion),
	)
	return false, nil
}

// ListPendingTriggers returns states with a pending dispatch marker
func (s *Store) ListPendingTriggers(ctx context.Context) ([]domain.TriggerState, error) {
	var rows []stateRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+stateColumns+` FROM trigger_states WHERE pending_run_id <> '' ORDER BY job_name`)
	if err != nil {
		return nil, wrap("list_pending_triggers", err)
	}
	out := make([]domain.TriggerState, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
