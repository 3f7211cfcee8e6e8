package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// LineFunc receives one line of subprocess output without the trailing newline.
type LineFunc func(line string)

// Output routes the stdout and stderr line streams. Nil funcs discard.
type Output struct {
	Stdout LineFunc
	Stderr LineFunc
	// Panic receives a panic raised by Stdout or Stderr. The stream keeps
	// draining. When nil the panic propagates.
	Panic func(v any)
}

// Exit describes how a subprocess ended.
type Exit struct {
	Code      int       `json:"code"`             // -1 when terminated by a signal
	Signal    string    `json:"signal,omitempty"` // e.g. "killed"
	Err       error     `json:"-"`                // wait failure unrelated to the exit status
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`
}

// Success reports a clean zero exit.
func (e Exit) Success() bool { return e.Err == nil && e.Signal == "" && e.Code == 0 }

// Uptime is how long the process ran.
func (e Exit) Uptime() time.Duration { return e.ExitedAt.Sub(e.StartedAt) }

func (e Exit) String() string {
	s := "code " + strconv.Itoa(e.Code)
	if e.Signal != "" {
		s += " (signal: " + e.Signal + ")"
	}
	if e.Err != nil {
		s += " (" + e.Err.Error() + ")"
	}
	return s
}

// Handle is a running (or finished) subprocess. Only its owner may signal it.
type Handle interface {
	PID() int
	StartedAt() time.Time
	// Done is closed once the process has exited and its output is fully drained.
	Done() <-chan struct{}
	// Exit is valid after Done is closed.
	Exit() Exit
	// Terminate asks the process group to stop and kills it after wait.
	Terminate(wait time.Duration) error
}

// Launcher starts subprocesses. Tests substitute a fake.
type Launcher interface {
	Launch(spec Spec, out Output) (Handle, error)
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct {
	// WaitDelay bounds how long output pipes are drained after the process
	// exits (grandchildren may keep them open). Default 2s.
	WaitDelay time.Duration
}

const maxLineSize = 1 << 20

func (l ExecLauncher) Launch(spec Spec, out Output) (Handle, error) {
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	h := &execHandle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(outR, out.Stdout, out.Panic, &wg)
	go scanLines(errR, out.Stderr, out.Panic, &wg)

	go func() {
		err := cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		wg.Wait()
		h.exit = exitFrom(cmd, err, h.started)
		close(h.done)
	}()
	return h, nil
}

func scanLines(r io.Reader, fn LineFunc, onPanic func(any), wg *sync.WaitGroup) {
	defer wg.Done()
	// keep draining so the writer never blocks after a scan error
	defer func() { _, _ = io.Copy(io.Discard, r) }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if fn != nil {
			deliver(fn, sc.Text(), onPanic)
		}
	}
}

func deliver(fn LineFunc, line string, onPanic func(any)) {
	if onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				onPanic(r)
			}
		}()
	}
	fn(line)
}

func exitFrom(cmd *exec.Cmd, err error, started time.Time) Exit {
	e := Exit{StartedAt: started, ExitedAt: time.Now()}
	ps := cmd.ProcessState
	if ps == nil {
		e.Code = -1
		e.Err = err
		return e
	}
	e.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		e.Signal = ws.Signal().String()
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) && !errors.Is(err, exec.ErrWaitDelay) {
		e.Err = err
	}
	return e
}

type execHandle struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
	exit    Exit
}

func (h *execHandle) PID() int              { return h.pid }
func (h *execHandle) StartedAt() time.Time  { return h.started }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Exit() Exit {
	<-h.done
	return h.exit
}

func (h *execHandle) Terminate(wait time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := terminateGroup(h.cmd); err != nil {
		return fmt.Errorf("terminate pid %d: %w", h.pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(wait):
	}
	if err := killGroup(h.cmd); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.pid, err)
	}
	<-h.done
	return nil
}

// Run launches spec and waits for it to finish. When ctx ends first the process
// is terminated (killed after stopWait) and ctx's error is returned with the exit.
func Run(ctx context.Context, l Launcher, spec Spec, out Output, stopWait time.Duration) (Exit, error) {
	h, err := l.Launch(spec, out)
	if err != nil {
		return Exit{}, err
	}
	select {
	case <-h.Done():
		return h.Exit(), nil
	case <-ctx.Done():
		_ = h.Terminate(stopWait)
		return h.Exit(), ctx.Err()
	}
}
