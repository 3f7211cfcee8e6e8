// Package shutdown coordinates the supervisor's single, ordered drain.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goatfundr/goatnode/internal/history"
	"github.com/goatfundr/goatnode/internal/metrics"
)

// State moves forward only: Running, Draining, Stopped.
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrAlreadyShuttingDown is returned by Trigger after the first trigger.
var ErrAlreadyShuttingDown = errors.New("shutdown already in progress")

// Hooks are the drain steps, run in field order. Nil hooks are skipped.
type Hooks struct {
	// CancelTimers cancels every pending interval and one-shot timer.
	CancelTimers func()
	// Quiesce stops the node subprocess.
	Quiesce func(ctx context.Context) error
	// FinalBackup runs once, after the node is stopped.
	FinalBackup func(ctx context.Context) error
	// Closers run after the grace period: HTTP server, history sinks, logs.
	Closers []func(ctx context.Context) error
}

// Options configure a Coordinator.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	History     *history.Publisher
	GracePeriod time.Duration
	Hooks       Hooks
	// Exit is called with the exit code once Stopped. Nil leaves exiting to
	// the caller of Wait.
	Exit func(code int)
}

// Coordinator is the shutdown state machine. The first trigger wins; later
// ones are logged and ignored.
type Coordinator struct {
	opts Options
	log  *slog.Logger

	state atomic.Int32
	mu    sync.Mutex
	hooks Hooks

	reason string
	code   int
	done   chan struct{}
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Coordinator{opts: opts, log: opts.Logger, hooks: opts.Hooks, done: make(chan struct{})}
	opts.Metrics.SetShutdownState(int(Running))
	return c
}

// SetHooks replaces the drain steps. Components built after the coordinator
// register here.
func (c *Coordinator) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Active reports whether the supervisor is still Running. Scheduled work
// checks it before acting.
func (c *Coordinator) Active() bool { return c.State() == Running }

// Done is closed once the drain has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Wait blocks until Stopped and returns the exit code.
func (c *Coordinator) Wait() int {
	<-c.done
	return c.code
}

// Trigger starts the drain. fatal selects exit code 1 instead of 0.
func (c *Coordinator) Trigger(reason string, fatal bool) error {
	if !c.state.CompareAndSwap(int32(Running), int32(Draining)) {
		c.log.Warn("Shutdown already in progress, ignoring trigger", "reason", reason, "state", c.State().String())
		return ErrAlreadyShuttingDown
	}
	c.reason = reason
	if fatal {
		c.code = 1
	}
	go c.drain()
	return nil
}

// Fatal triggers a non-zero shutdown for err.
func (c *Coordinator) Fatal(err error) {
	c.log.Error("Fatal error", "error", err)
	_ = c.Trigger(err.Error(), true)
}

// Recover turns a panic into a fatal shutdown. Use as a deferred call at
// goroutine boundaries.
func (c *Coordinator) Recover() {
	if r := recover(); r != nil {
		c.Recovered(r)
	}
}

// Recovered handles a value already taken from recover: it logs the stack,
// triggers a fatal shutdown and returns the panic as an error.
func (c *Coordinator) Recovered(r any) error {
	err := fmt.Errorf("panic: %v", r)
	c.log.Error("Uncaught panic", "panic", r, "stack", string(debug.Stack()))
	_ = c.Trigger(err.Error(), true)
	return err
}

// Go runs fn in a goroutine guarded by Recover.
func (c *Coordinator) Go(fn func()) {
	go func() {
		defer c.Recover()
		fn()
	}()
}

// HandleSignals triggers on SIGINT and SIGTERM until stop is called.
func (c *Coordinator) HandleSignals() (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				_ = c.Trigger(sig.String(), false)
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

func (c *Coordinator) drain() {
	start := time.Now()
	c.mu.Lock()
	h := c.hooks
	c.mu.Unlock()
	ctx := context.Background()

	c.log.Info(fmt.Sprintf("Received %s, starting graceful shutdown...", c.reason))
	c.opts.Metrics.SetShutdownState(int(Draining))

	if h.CancelTimers != nil {
		c.step(ctx, "cancel timers", func(context.Context) error { h.CancelTimers(); return nil })
	}
	if h.Quiesce != nil {
		c.step(ctx, "stop node", h.Quiesce)
	}
	if h.FinalBackup != nil {
		c.log.Info("Creating final backup...")
		c.step(ctx, "final backup", h.FinalBackup)
	}
	if c.opts.GracePeriod > 0 {
		c.log.Info("Waiting for in-flight work", "grace", c.opts.GracePeriod.String())
		time.Sleep(c.opts.GracePeriod)
	}

	c.opts.History.Publish(ctx, history.Event{
		Type:   history.EventShutdown,
		Record: history.Record{Name: "goatnode", Status: Stopped.String(), ExitCode: c.code, Detail: c.reason},
	})
	c.log.Info("Graceful shutdown completed", "exit_code", c.code, "took", time.Since(start).Round(time.Millisecond).String())
	for i, fn := range h.Closers {
		c.step(ctx, fmt.Sprintf("close #%d", i+1), fn)
	}

	c.state.Store(int32(Stopped))
	c.opts.Metrics.SetShutdownState(int(Stopped))
	close(c.done)
	if c.opts.Exit != nil {
		c.opts.Exit(c.code)
	}
}

// step runs one drain step. Failures and panics are logged; the drain goes on.
func (c *Coordinator) step(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("shutdown step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		c.log.Error("shutdown step failed", "step", name, "error", err)
	}
}
