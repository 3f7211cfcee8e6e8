package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Func is the body of a scheduled job. ctx is cancelled when the scheduler stops.
type Func func(ctx context.Context) error

// Job is one registered timer: either a repeating interval or a one-shot delay.
// Runs of the same job never overlap; a tick that finds the previous run still
// active is skipped.
type Job struct {
	Name   string
	Period time.Duration
	Once   bool
	// Spec is the cron expression of jobs added with Cron.
	Spec string

	sched   robfig.Schedule
	fn      Func
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs is the number of completed executions.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped counts ticks dropped because of overlap or the guard.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

var specParser = robfig.NewParser(robfig.SecondOptional | robfig.Minute | robfig.Hour |
	robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// ParseSchedule accepts standard five-field cron expressions, an optional
// leading seconds field, and descriptors such as @hourly or @every 30m.
func ParseSchedule(expr string) (robfig.Schedule, error) {
	sched, err := specParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return sched, nil
}

// delay is the wait from now until the job's next run.
func (j *Job) delay(now time.Time) time.Duration {
	if j.sched == nil {
		return j.Period
	}
	return j.sched.Next(now).Sub(now)
}

// Scheduler is the registry of every timer the supervisor owns. Stop cancels
// all of them at once.
type Scheduler struct {
	log   *slog.Logger
	guard func() bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	jobs    map[*Job]*time.Timer
	onPanic func(job string, v any)
	wg      sync.WaitGroup
}

// NewScheduler returns a running scheduler. guard is consulted before every
// run; a false result skips the run. A nil guard always allows.
func NewScheduler(logger *slog.Logger, guard func() bool) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:    logger.With("component", "cron"),
		guard:  guard,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[*Job]*time.Timer),
	}
}

// SetPanicHandler installs the callback invoked when a job panics.
// Without one the panic is logged and the job continues on its schedule.
func (s *Scheduler) SetPanicHandler(fn func(job string, v any)) {
	s.mu.Lock()
	s.onPanic = fn
	s.mu.Unlock()
}

// Every runs fn every d until Stop.
func (s *Scheduler) Every(name string, d time.Duration, fn Func) (*Job, error) {
	if d <= 0 {
		return nil, fmt.Errorf("job %s: interval must be > 0", name)
	}
	return s.add(&Job{Name: name, Period: d, fn: fn})
}

// Cron runs fn at the times described by expr until Stop.
func (s *Scheduler) Cron(name, expr string, fn Func) (*Job, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	return s.add(&Job{Name: name, Spec: expr, sched: sched, fn: fn})
}

// After runs fn once after d unless cancelled first.
func (s *Scheduler) After(name string, d time.Duration, fn Func) (*Job, error) {
	if d < 0 {
		d = 0
	}
	return s.add(&Job{Name: name, Period: d, Once: true, fn: fn})
}

func (s *Scheduler) add(j *Job) (*Job, error) {
	if j.Name == "" {
		return nil, errors.New("cron job requires a name")
	}
	if j.fn == nil {
		return nil, fmt.Errorf("job %s: nil func", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("job %s: %w", j.Name, ErrStopped)
	}
	s.jobs[j] = time.AfterFunc(j.delay(time.Now()), func() { s.fire(j) })
	return j, nil
}

// Cancel stops a pending or repeating job. A run already in progress finishes.
func (s *Scheduler) Cancel(j *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.jobs[j]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.jobs, j)
	return true
}

// Len is the number of registered timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) fire(j *Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if _, ok := s.jobs[j]; !ok {
		s.mu.Unlock()
		return
	}
	if j.Once {
		delete(s.jobs, j)
	} else {
		// rearm before running so a slow run does not shift the cadence
		s.jobs[j].Reset(j.delay(time.Now()))
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if s.guard != nil && !s.guard() {
		j.skipped.Add(1)
		s.log.Debug("job skipped by guard", "job", j.Name)
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job still running, tick skipped", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	s.run(j)
}

func (s *Scheduler) run(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", j.Name, "panic", r, "stack", string(debug.Stack()))
			s.mu.Lock()
			h := s.onPanic
			s.mu.Unlock()
			if h != nil {
				h(j.Name, r)
			}
		}
	}()
	defer j.runs.Add(1)
	if err := j.fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("job failed", "job", j.Name, "error", err)
	}
}

// Stop cancels every timer, cancels the context handed to running jobs and
// waits for them to return. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		for j, t := range s.jobs {
			t.Stop()
			delete(s.jobs, j)
		}
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
