package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/goatfundr/goatnode/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	events := []history.Event{
		{Type: history.EventNodeStart, OccurredAt: time.Now().UTC(), Record: history.Record{Name: "hardhat", PID: 4242, Status: "running"}},
		{Type: history.EventNodeExit, OccurredAt: time.Now().UTC(), Record: history.Record{Name: "hardhat", PID: 4242, Status: "exited", ExitCode: 137, Detail: "signal: killed"}},
		{Type: history.EventShutdown, OccurredAt: time.Now().UTC(), Record: history.Record{Name: "goatnode", Status: "stopped"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_history`).Scan(&count))
	assert.Equal(t, len(events), count)

	var code int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT exit_code FROM node_history WHERE type = 'node_exit'`).Scan(&code))
	assert.Equal(t, 137, code)
}

func TestPostgresEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
