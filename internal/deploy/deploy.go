// Package deploy runs the contract deployment script once per node start,
// after the node answers RPC with the expected chain id.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/goatfundr/goatnode/internal/cron"
	"github.com/goatfundr/goatnode/internal/history"
	"github.com/goatfundr/goatnode/internal/metrics"
	"github.com/goatfundr/goatnode/internal/process"
)

var (
	// ErrNotReady means the node did not answer the readiness probe in time.
	ErrNotReady = errors.New("node not ready")
	// ErrChainIDMismatch means the node runs a different chain than configured.
	ErrChainIDMismatch = errors.New("chain id mismatch")
)

// Prober answers the readiness probe with the node's chain id.
type Prober interface {
	ChainID(ctx context.Context) (uint64, error)
}

// Options configure a Trigger.
type Options struct {
	Spec     process.Spec
	Launcher process.Launcher
	Prober   Prober
	// ChainID is the chain the node must report.
	ChainID uint64
	// Delay is the warm-up wait after a node start before probing begins.
	Delay         time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// StopWait bounds how long a cancelled deployment gets before it is killed.
	StopWait  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Registry
	Scheduler *cron.Scheduler
	Active    func() bool
	History   *history.Publisher
	// OnSuccess runs after the script exits 0.
	OnSuccess func(ctx context.Context)
	// OnPanic receives a panic raised while forwarding script output.
	OnPanic func(v any)
}

// Trigger fires the deployment at most once per node start cycle.
type Trigger struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	latest  uint64
	fired   uint64
	pending *cron.Job
}

func New(opts Options) *Trigger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = process.ExecLauncher{}
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Minute
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 5 * time.Second
	}
	if opts.Spec.Name == "" {
		opts.Spec.Name = "deploy"
	}
	return &Trigger{opts: opts, log: opts.Logger}
}

// Schedule registers the deployment for start cycle. A newer cycle replaces a
// pending older one.
func (t *Trigger) Schedule(cycle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cycle <= t.latest {
		return nil
	}
	t.latest = cycle
	if t.pending != nil && t.opts.Scheduler != nil {
		t.opts.Scheduler.Cancel(t.pending)
		t.pending = nil
	}
	if t.opts.Scheduler == nil {
		return errors.New("deploy: no scheduler")
	}
	job, err := t.opts.Scheduler.After("deploy-contracts", t.opts.Delay, func(ctx context.Context) error {
		// outcome is logged by FireOnce
		_ = t.FireOnce(ctx, cycle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule deployment: %w", err)
	}
	t.pending = job
	return nil
}

// claim marks cycle as fired. It fails for stale or repeated cycles.
func (t *Trigger) claim(cycle uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cycle < t.latest || cycle <= t.fired {
		return false
	}
	t.latest = cycle
	t.fired = cycle
	t.pending = nil
	return true
}

func (t *Trigger) stale(cycle uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cycle != t.latest
}

func (t *Trigger) active() bool { return t.opts.Active == nil || t.opts.Active() }

// FireOnce probes the node and runs the deployment script for cycle. Repeated
// or stale calls return nil without doing anything.
func (t *Trigger) FireOnce(ctx context.Context, cycle uint64) error {
	if !t.active() || !t.claim(cycle) {
		return nil
	}
	log := t.log.With("cycle", cycle)

	id, err := t.WaitReady(ctx)
	if err != nil {
		return t.fail(ctx, log, "not_ready", fmt.Errorf("readiness probe: %w", err))
	}
	if id != t.opts.ChainID {
		return t.fail(ctx, log, "chain_id_mismatch",
			fmt.Errorf("%w: node reports %d, configured %d", ErrChainIDMismatch, id, t.opts.ChainID))
	}
	if !t.active() || t.stale(cycle) {
		log.Info("deployment superseded before launch")
		return nil
	}

	log.Info("Deploying production contracts...", "cmd", t.opts.Spec.String())
	out := process.Output{
		Stdout: func(line string) { t.log.Info("Deploy: " + line) },
		Stderr: func(line string) { t.log.Error("Deploy Error: " + line) },
		Panic:  t.opts.OnPanic,
	}
	exit, err := process.Run(ctx, t.opts.Launcher, t.opts.Spec, out, t.opts.StopWait)
	if err != nil {
		return t.fail(ctx, log, "failed", fmt.Errorf("deployment: %w", err))
	}
	if !exit.Success() {
		log.Error(fmt.Sprintf("Contract deployment failed with code %d", exit.Code), "exit", exit.String())
		t.opts.Metrics.ObserveDeploy("failed")
		t.publish(ctx, "failed", exit.Code, exit.String())
		return fmt.Errorf("deployment exited with %s", exit)
	}

	log.Info("Production contracts deployed successfully!")
	t.opts.Metrics.ObserveDeploy("success")
	t.publish(ctx, "success", 0, "")
	if t.opts.OnSuccess != nil {
		t.opts.OnSuccess(ctx)
	}
	return nil
}

func (t *Trigger) fail(ctx context.Context, log *slog.Logger, result string, err error) error {
	if errors.Is(err, context.Canceled) {
		log.Warn("deployment cancelled", "error", err)
		t.opts.Metrics.ObserveDeploy("cancelled")
		return err
	}
	log.Error("Contract deployment aborted", "error", err)
	t.opts.Metrics.ObserveDeploy(result)
	t.publish(ctx, result, -1, err.Error())
	return err
}

func (t *Trigger) publish(ctx context.Context, status string, code int, detail string) {
	t.opts.History.Publish(ctx, history.Event{
		Type:   history.EventDeploy,
		Record: history.Record{Name: t.opts.Spec.Name, Status: status, ExitCode: code, Detail: detail},
	})
}

// WaitReady polls the node until it answers with a chain id, every
// ProbeInterval for at most ProbeTimeout.
func (t *Trigger) WaitReady(ctx context.Context) (uint64, error) {
	if t.opts.Prober == nil {
		return t.opts.ChainID, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.ProbeTimeout)
	defer cancel()

	var (
		id      uint64
		lastErr error
	)
	op := func() error {
		v, err := t.opts.Prober.ChainID(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		id = v
		return nil
	}
	notify := func(err error, next time.Duration) {
		t.log.Debug("node not ready yet", "error", err, "retry_in", next)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(t.opts.ProbeInterval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		if lastErr == nil {
			lastErr = err
		}
		return 0, fmt.Errorf("%w after %s: %v", ErrNotReady, t.opts.ProbeTimeout, lastErr)
	}
	return id, nil
}
