package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestPublisherFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	p := NewPublisher(nil, a, b)

	p.Publish(context.Background(), Event{Type: EventNodeStart, Record: Record{Name: "hardhat", PID: 42, Status: "running"}})
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, 42, a.events[0].Record.PID)
}

func TestPublisherKeepsTimestamp(t *testing.T) {
	a := &memSink{}
	p := NewPublisher(nil, a)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.Publish(context.Background(), Event{Type: EventBackup, OccurredAt: at})
	assert.Equal(t, at, a.events[0].OccurredAt)
}

func TestPublisherSurvivesCancelledContext(t *testing.T) {
	a := &memSink{}
	p := NewPublisher(nil, a)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, Event{Type: EventShutdown})
	assert.Len(t, a.events, 1)
}

func TestPublisherClose(t *testing.T) {
	a := &memSink{}
	p := NewPublisher(nil, a)
	require.NoError(t, p.Close())
	assert.True(t, a.closed)
	p.Publish(context.Background(), Event{Type: EventDeploy})
	assert.Empty(t, a.events)
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	p.Publish(context.Background(), Event{Type: EventNodeExit})
	assert.NoError(t, p.Close())
}
