// Package manager supervises the blockchain node subprocess. A single actor
// goroutine owns the process handle; exits, restarts and commands all reach it
// as messages.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/goatfundr/goatnode/internal/cron"
	"github.com/goatfundr/goatnode/internal/history"
	"github.com/goatfundr/goatnode/internal/metrics"
	"github.com/goatfundr/goatnode/internal/process"
)

var (
	// ErrDegraded is reported by Err once a crash loop exhausted the restart
	// budget. A manual Start clears it.
	ErrDegraded = errors.New("node degraded: restart limit reached")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager closed")
)

// Options configure a Manager.
type Options struct {
	Spec     process.Spec
	Launcher process.Launcher
	Policy   Policy
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	// Scheduler holds restart timers so shutdown can cancel them.
	Scheduler *cron.Scheduler
	// Active reports whether the supervisor is still running. Restarts are
	// skipped once it returns false.
	Active func() bool
	// OnStarted runs on the actor goroutine after every successful launch.
	// It must not block.
	OnStarted func(ManagedProcess)
	History   *history.Publisher
	// OnPanic receives a panic recovered on the actor, the exit watcher or an
	// output callback. The actor keeps serving commands afterwards.
	OnPanic func(where string, v any)
	// Label prefixes the forwarded output lines, "Hardhat" by default.
	Label string
}

type exitMsg struct {
	cycle uint64
	exit  process.Exit
}

type restartMsg struct{ cycle uint64 }

type command struct {
	action commandAction
	wait   time.Duration
	reply  chan error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
)

// Manager runs the node and restarts it with bounded exponential backoff.
type Manager struct {
	opts     Options
	log      *slog.Logger
	ownSched bool

	cmds     chan command
	exits    chan exitMsg
	restarts chan restartMsg
	quit     chan struct{}
	done     chan struct{}
	close    sync.Once

	// actor-owned
	handle   process.Handle
	current  *ManagedProcess
	cycle    uint64
	bo       backoff.BackOff
	attempts int
	pending  *cron.Job
	state    State

	mu     sync.RWMutex
	status Status
}

// New starts the actor. The node is not launched until Start.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = process.ExecLauncher{}
	}
	if opts.Label == "" {
		opts.Label = "Hardhat"
	}
	if opts.Spec.Name == "" {
		opts.Spec.Name = "node"
	}
	opts.Policy = opts.Policy.withDefaults()
	m := &Manager{
		opts:     opts,
		log:      opts.Logger,
		cmds:     make(chan command, 16),
		exits:    make(chan exitMsg, 4),
		restarts: make(chan restartMsg, 4),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateStopped,
	}
	if m.opts.Scheduler == nil {
		m.opts.Scheduler = cron.NewScheduler(opts.Logger, opts.Active)
		m.ownSched = true
	}
	m.bo = opts.Policy.newBackOff()
	m.publishStatus()
	go m.run()
	return m
}

// Start launches the node. Launch failures are logged and retried under the
// restart policy; the first one is also returned.
func (m *Manager) Start(ctx context.Context) error {
	return m.send(ctx, command{action: actionStart})
}

// Stop quiesces the node: SIGTERM to its process group, SIGKILL after wait.
// Pending restarts are cancelled and no new ones are scheduled.
func (m *Manager) Stop(ctx context.Context, wait time.Duration) error {
	return m.send(ctx, command{action: actionStop, wait: wait})
}

func (m *Manager) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case m.cmds <- cmd:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest snapshot. Safe from any goroutine.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// PID returns the running node's pid or 0.
func (m *Manager) PID() int { return m.Status().PID() }

// Err returns ErrDegraded while the node is degraded, nil otherwise.
func (m *Manager) Err() error {
	if m.Status().State == StateDegraded {
		return ErrDegraded
	}
	return nil
}

// Close stops the actor. It does not stop the node; call Stop first.
func (m *Manager) Close() {
	m.close.Do(func() {
		close(m.quit)
		<-m.done
		if m.ownSched {
			m.opts.Scheduler.Stop()
		}
	})
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case cmd := <-m.cmds:
			cmd.reply <- m.guard(func() error { return m.handleCommand(cmd) })
		case msg := <-m.exits:
			_ = m.guard(func() error { m.handleExit(msg); return nil })
		case msg := <-m.restarts:
			_ = m.guard(func() error { m.handleRestart(msg); return nil })
		}
	}
}

func (m *Manager) handleCommand(cmd command) error {
	switch cmd.action {
	case actionStart:
		switch m.state {
		case StateRunning, StateStarting:
			return fmt.Errorf("node already %s (pid %d)", m.state, m.current.PID)
		case StateBackoff:
			// start now instead of waiting out the delay
			m.cancelPending()
		}
		m.bo.Reset()
		m.attempts = 0
		return m.launch(false)
	case actionStop:
		return m.handleStop(cmd.wait)
	}
	return fmt.Errorf("unknown command %d", cmd.action)
}

func (m *Manager) launch(restart bool) error {
	m.setState(StateStarting)
	m.cycle++
	cycle := m.cycle
	label := m.opts.Label
	out := process.Output{
		Stdout: func(line string) { m.log.Info(label + ": " + line) },
		Stderr: func(line string) { m.log.Error(label + " Error: " + line) },
		Panic:  func(v any) { m.reportPanic("output", v) },
	}
	h, err := m.opts.Launcher.Launch(m.opts.Spec, out)
	if err != nil {
		m.log.Error(fmt.Sprintf("Failed to start %s", label), "error", err, "cycle", cycle)
		now := time.Now()
		m.scheduleRestart(process.Exit{Code: -1, Err: err, StartedAt: now, ExitedAt: now})
		return err
	}

	mp := &ManagedProcess{PID: h.PID(), StartedAt: h.StartedAt(), Cycle: cycle, Restarts: m.statusRestarts()}
	m.handle = h
	m.current = mp
	m.setState(StateRunning)
	m.log.Info(fmt.Sprintf("%s node started", label), "pid", mp.PID, "cycle", cycle, "cmd", m.opts.Spec.String())
	m.opts.Metrics.IncNodeStart()
	if restart {
		m.opts.Metrics.IncNodeRestart()
	}
	m.opts.History.Publish(context.Background(), history.Event{
		Type:       history.EventNodeStart,
		OccurredAt: mp.StartedAt,
		Record:     history.Record{Name: m.opts.Spec.Name, PID: mp.PID, Status: string(StateRunning)},
	})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.reportPanic("watch", r)
			}
		}()
		m.watch(cycle, h)
	}()

	if m.opts.OnStarted != nil {
		m.opts.OnStarted(*mp)
	}
	return nil
}

// guard runs one actor step, turning a panic into an error so the actor
// survives to quiesce the node.
func (m *Manager) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.reportPanic("actor", r)
			err = fmt.Errorf("node manager panic: %v", r)
		}
	}()
	return fn()
}

func (m *Manager) reportPanic(where string, v any) {
	m.log.Error("panic in node manager", "where", where, "panic", v, "stack", string(debug.Stack()))
	if m.opts.OnPanic != nil {
		m.opts.OnPanic(where, v)
	}
}

// watch turns the process exit into a message for the actor.
func (m *Manager) watch(cycle uint64, h process.Handle) {
	select {
	case <-h.Done():
	case <-m.quit:
		return
	}
	select {
	case m.exits <- exitMsg{cycle: cycle, exit: h.Exit()}:
	case <-m.quit:
	}
}

func (m *Manager) handleExit(msg exitMsg) {
	if msg.cycle != m.cycle || m.handle == nil {
		// already handled by Stop, or from an older cycle
		return
	}
	m.recordExit(msg.exit)
	if !m.active() {
		m.setState(StateStopped)
		return
	}
	if m.opts.Policy.StableAfter > 0 && msg.exit.Uptime() >= m.opts.Policy.StableAfter {
		m.bo.Reset()
		m.attempts = 0
	}
	m.scheduleRestart(msg.exit)
}

func (m *Manager) recordExit(exit process.Exit) {
	pid := 0
	if m.current != nil {
		pid = m.current.PID
	}
	m.handle = nil
	m.current = nil

	attrs := []any{"pid", pid, "uptime", exit.Uptime().Round(time.Millisecond).String()}
	if exit.Signal != "" {
		attrs = append(attrs, "signal", exit.Signal)
	}
	m.log.Error(fmt.Sprintf("%s process exited with code %d", m.opts.Label, exit.Code), attrs...)
	m.opts.Metrics.ObserveNodeExit(exit.Code)
	m.opts.History.Publish(context.Background(), history.Event{
		Type:       history.EventNodeExit,
		OccurredAt: exit.ExitedAt,
		Record: history.Record{
			Name: m.opts.Spec.Name, PID: pid, Status: "exited",
			ExitCode: exit.Code, Detail: exit.String(),
		},
	})
	m.mu.Lock()
	e := exit
	m.status.LastExit = &e
	m.mu.Unlock()
}

func (m *Manager) scheduleRestart(exit process.Exit) {
	delay := m.bo.NextBackOff()
	if delay == backoff.Stop {
		m.setState(StateDegraded)
		m.log.Error(fmt.Sprintf("%s restart limit reached, node degraded", m.opts.Label),
			"attempts", m.attempts, "last_exit", exit.String())
		return
	}
	m.attempts++
	cycle := m.cycle
	job, err := m.opts.Scheduler.After("node-restart", delay, func(ctx context.Context) error {
		select {
		case m.restarts <- restartMsg{cycle: cycle}:
		case <-m.quit:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		// scheduler already stopped: shutting down
		m.setState(StateStopped)
		return
	}
	m.pending = job
	m.setState(StateBackoff)
	m.mu.Lock()
	m.status.NextRestart = time.Now().Add(delay)
	m.mu.Unlock()
	m.log.Info(fmt.Sprintf("Restarting %s in %s", m.opts.Label, delay), "attempt", m.attempts)
}

func (m *Manager) handleRestart(msg restartMsg) {
	if msg.cycle != m.cycle || m.state != StateBackoff {
		return
	}
	m.pending = nil
	if !m.active() {
		m.setState(StateStopped)
		return
	}
	m.mu.Lock()
	m.status.Restarts++
	m.status.NextRestart = time.Time{}
	m.mu.Unlock()
	_ = m.launch(true)
}

func (m *Manager) handleStop(wait time.Duration) error {
	m.cancelPending()
	switch m.state {
	case StateBackoff, StateDegraded:
		m.setState(StateStopped)
		return nil
	case StateRunning:
	default:
		return nil
	}
	m.setState(StateStopping)
	h, pid := m.handle, m.current.PID
	m.log.Info(fmt.Sprintf("Stopping %s", m.opts.Label), "pid", pid, "wait", wait.String())
	err := h.Terminate(wait)
	<-h.Done()
	m.recordExit(h.Exit())
	m.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("stop %s: %w", m.opts.Spec.Name, err)
	}
	return nil
}

func (m *Manager) cancelPending() {
	if m.pending != nil {
		m.opts.Scheduler.Cancel(m.pending)
		m.pending = nil
	}
	m.mu.Lock()
	m.status.NextRestart = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) active() bool {
	return m.opts.Active == nil || m.opts.Active()
}

func (m *Manager) statusRestarts() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Restarts
}

func (m *Manager) setState(s State) {
	m.state = s
	m.publishStatus()
}

func (m *Manager) publishStatus() {
	m.mu.Lock()
	m.status.State = m.state
	m.status.Attempts = m.attempts
	if m.current != nil {
		p := *m.current
		m.status.Process = &p
	} else {
		m.status.Process = nil
	}
	m.mu.Unlock()
	m.opts.Metrics.SetNodeState(string(m.state), States)
}
