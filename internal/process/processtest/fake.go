// Package processtest provides an in-memory process.Launcher for tests.
package processtest

import (
	"errors"
	"sync"
	"time"

	"github.com/goatfundr/goatnode/internal/process"
)

// Launcher records every launch and hands back controllable handles.
type Launcher struct {
	// OnLaunch runs synchronously inside Launch, e.g. to emit output or exit at once.
	OnLaunch func(h *Handle)
	// Err, when set, makes Launch fail.
	Err error

	mu       sync.Mutex
	handles  []*Handle
	launched chan *Handle
	nextPID  int
}

func NewLauncher() *Launcher {
	return &Launcher{launched: make(chan *Handle, 128), nextPID: 1000}
}

func (l *Launcher) Launch(spec process.Spec, out process.Output) (process.Handle, error) {
	l.mu.Lock()
	if l.Err != nil {
		err := l.Err
		l.mu.Unlock()
		return nil, err
	}
	l.nextPID++
	h := &Handle{Spec: spec, out: out, pid: l.nextPID, started: time.Now(), done: make(chan struct{})}
	l.handles = append(l.handles, h)
	hook := l.OnLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	select {
	case l.launched <- h:
	default:
	}
	return h, nil
}

// SetErr changes the launch error under lock.
func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	l.Err = err
	l.mu.Unlock()
}

// Handles returns all launches so far in order.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.handles...)
}

// Count is the number of successful launches.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Next waits for the next launch.
func (l *Launcher) Next(timeout time.Duration) (*Handle, error) {
	select {
	case h := <-l.launched:
		return h, nil
	case <-time.After(timeout):
		return nil, errors.New("processtest: no launch within timeout")
	}
}

// Handle is a fake running process.
type Handle struct {
	Spec process.Spec

	out     process.Output
	pid     int
	started time.Time

	mu         sync.Mutex
	done       chan struct{}
	exit       process.Exit
	terminated bool
}

func (h *Handle) PID() int              { return h.pid }
func (h *Handle) StartedAt() time.Time  { return h.started }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exit() process.Exit {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Stdout emits a stdout line.
func (h *Handle) Stdout(line string) {
	if h.out.Stdout != nil {
		h.out.Stdout(line)
	}
}

// Stderr emits a stderr line.
func (h *Handle) Stderr(line string) {
	if h.out.Stderr != nil {
		h.out.Stderr(line)
	}
}

// Finish ends the process with code. Later calls are ignored.
func (h *Handle) Finish(code int) { h.finish(code, "") }

// Kill ends the process as if terminated by signal sig.
func (h *Handle) Kill(sig string) { h.finish(-1, sig) }

func (h *Handle) finish(code int, sig string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.exit = process.Exit{Code: code, Signal: sig, StartedAt: h.started, ExitedAt: time.Now()}
	close(h.done)
}

func (h *Handle) Terminate(time.Duration) error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.Kill("terminated")
	return nil
}

// Terminated reports whether Terminate was called.
func (h *Handle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}
