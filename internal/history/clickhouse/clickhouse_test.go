package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/goatfundr/goatnode/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "node_history")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventNodeStart, OccurredAt: now,
		Record: history.Record{Name: "hardhat", PID: 12345, Status: "running"}}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventNodeExit, OccurredAt: now.Add(time.Second),
		Record: history.Record{Name: "hardhat", PID: 12345, Status: "exited", ExitCode: 1, Detail: "code 1"}}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM node_history WHERE pid = ?", int32(12345)).Scan(&count))
	assert.Equal(t, uint64(2), count)
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New("127.0.0.1:1", "node_history")
	assert.Error(t, err)
}

func TestClickHouseSink_InvalidTable(t *testing.T) {
	_, err := New("127.0.0.1:9000", "drop table;")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")
}
