package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/store/storetest"
	"github.com/cuongbtq/job-scheduler/shared/database"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, discardLogger())
	require.NoError(t, err)

	st := New(client.GetDB(), discardLogger())
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newSQLiteStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	st := newSQLiteStore(t)
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/scheduler.db"

	open := func() *Store {
		client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Path: path}, discardLogger())
		require.NoError(t, err)
		st := New(client.GetDB(), discardLogger())
		require.NoError(t, st.Migrate(ctx))
		return st
	}

	st := open()
	_, err := st.UpsertDefinition(ctx, storetest.Definition("durable"), storetest.InitialState("durable", storetest.Base))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st = open()
	defer st.Close()
	def, err := st.GetDefinition(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, def.Schedule.Every)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), discardLogger()), mock
}

func TestDriverErrorsAreTransient(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM job_definitions WHERE name = \?`).
		WithArgs("ping").
		WillReturnError(errors.New("connection reset by peer"))

	_, err := st.GetDefinition(context.Background(), "ping")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingRowsMapToSentinels(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM job_runs WHERE id = \?`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetRun(context.Background(), "run-1")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	assert.False(t, domain.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTriggerStateConflict(t *testing.T) {
	st, mock := newMockStore(t)
	now := storetest.Base

	mock.ExpectExec(`UPDATE trigger_states`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM trigger_states WHERE job_name = \?`).
		WithArgs("ping").
		WillReturnRows(sqlmock.NewRows([]string{
			"job_name", "next_fire_at", "last_fire_at", "run_count", "exhausted",
			"pending_run_id", "undelivered", "version", "updated_at",
		}).AddRow("ping", now.UnixMilli(), nil, 0, 0, "", 0, 4, now.UnixMilli()))

	ok, err := st.WriteTriggerState(context.Background(), domain.TriggerState{JobName: "ping", UpdatedAt: now}, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseAcquireUsesConditionalUpsert(t *testing.T) {
	st, mock := newMockStore(t)
	now := storetest.Base

	mock.ExpectExec(`INSERT INTO coordination .* ON CONFLICT \(name\) DO UPDATE .* WHERE coordination.expires_at <= \? OR coordination.holder = \?`).
		WithArgs(domain.CoordinationKey, "b", now.Add(10*time.Second).UnixMilli(), now.UnixMilli(), "b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.TryAcquireLease(context.Background(), domain.CoordinationKey, "b", now, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunRollsBackOnInsertFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE job_definitions SET last_seq = last_seq \+ 1`).
		WithArgs("ping").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO job_runs`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	run := &domain.JobRun{ID: "r", JobName: "ping", Kind: domain.RunKindAdHoc, Status: domain.RunStatusPending}
	err := st.CreateRun(context.Background(), run)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int64(0), run.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}
