package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientSQLiteMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(&Config{Driver: DriverSQLite, Path: ":memory:"}, logger)
	require.NoError(t, err)

	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.Equal(t, 1, client.GetDB().Stats().MaxOpenConnections)

	require.NoError(t, client.Close())
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestNewClientSQLiteFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "nested", "scheduler.db")

	client, err := NewClient(&Config{Driver: DriverSQLite, Path: path}, logger)
	require.NoError(t, err)
	defer client.Close()

	var mode string
	require.NoError(t, client.GetDB().Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}

func TestNewClientErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewClient(&Config{Driver: "oracle"}, logger)
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = NewClient(&Config{Driver: DriverSQLite}, logger)
	assert.ErrorContains(t, err, "sqlite path is required")
}
