// Package history exports supervisor lifecycle events (node starts and exits,
// backups, deployments, shutdown) to external analytics stores.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventNodeStart EventType = "node_start"
	EventNodeExit  EventType = "node_exit"
	EventBackup    EventType = "backup"
	EventDeploy    EventType = "deploy"
	EventShutdown  EventType = "shutdown"
)

// Record is the payload of an event. Fields that do not apply stay zero.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid,omitempty"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Detail   string `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Publisher fans events out to sinks. Send failures are logged and dropped;
// history never affects supervision. A nil Publisher is a no-op.
type Publisher struct {
	log     *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	sinks []Sink
}

func NewPublisher(logger *slog.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{log: logger, timeout: 5 * time.Second, sinks: sinks}
}

// Publish stamps e when needed and sends it to every sink.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	p.mu.RLock()
	sinks := p.sinks
	p.mu.RUnlock()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		if err := s.Send(sctx, e); err != nil {
			p.log.Warn("history send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	sinks := p.sinks
	p.sinks = nil
	p.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
