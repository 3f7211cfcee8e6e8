// Package supervisor wires the node manager, deployment trigger, backups,
// metrics, HTTP server and shutdown coordinator into one process.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/goatfundr/goatnode/internal/backup"
	"github.com/goatfundr/goatnode/internal/chain"
	"github.com/goatfundr/goatnode/internal/config"
	"github.com/goatfundr/goatnode/internal/cron"
	"github.com/goatfundr/goatnode/internal/deploy"
	"github.com/goatfundr/goatnode/internal/env"
	"github.com/goatfundr/goatnode/internal/history"
	"github.com/goatfundr/goatnode/internal/history/factory"
	"github.com/goatfundr/goatnode/internal/logger"
	"github.com/goatfundr/goatnode/internal/manager"
	"github.com/goatfundr/goatnode/internal/metrics"
	"github.com/goatfundr/goatnode/internal/process"
	"github.com/goatfundr/goatnode/internal/server"
	"github.com/goatfundr/goatnode/internal/shutdown"
	gtls "github.com/goatfundr/goatnode/internal/tls"
)

// Version is reported on /health and /info.
const Version = "1.0.0"

// Chain is the node RPC surface the supervisor needs.
type Chain interface {
	deploy.Prober
	metrics.NodeStats
	Close()
}

type deps struct {
	launcher process.Launcher
	chain    Chain
	console  io.Writer
	errOut   io.Writer
}

// Option overrides a collaborator, mostly for tests.
type Option func(*deps)

func WithLauncher(l process.Launcher) Option { return func(d *deps) { d.launcher = l } }
func WithChain(c Chain) Option               { return func(d *deps) { d.chain = c } }
func WithConsole(w io.Writer) Option         { return func(d *deps) { d.console = w } }
func WithErrorConsole(w io.Writer) Option    { return func(d *deps) { d.errOut = w } }

// Supervisor owns every long-lived component.
type Supervisor struct {
	cfg *config.Config
	log *logger.Logger

	metrics  *metrics.Registry
	history  *history.Publisher
	sched    *cron.Scheduler
	coord    *shutdown.Coordinator
	chain    Chain
	node     *manager.Manager
	deployer *deploy.Trigger
	backups  *backup.Manager
	updater  *metrics.Updater
	server   *server.Server
}

func newLogger(cfg *config.Config, console, errOut io.Writer) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Dir:        cfg.Path(cfg.LogDir),
		Level:      cfg.LogLevel,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    console,
		ErrConsole: errOut,
		NoColor:    cfg.Log.NoColor,
	})
}

func childEnv() []string {
	return env.FromOS().
		Set("NODE_ENV", "production").
		Set("HARDHAT_NETWORK", "localhost").
		List()
}

func newBackups(cfg *config.Config, log *slog.Logger, launcher process.Launcher, reg *metrics.Registry, pub *history.Publisher, enabled bool) *backup.Manager {
	var arch backup.Archiver = backup.TarArchiver{Launcher: launcher, Dir: cfg.WorkDir, Logger: log}
	if cfg.BackupArchiver == "native" {
		arch = backup.NativeArchiver{Dir: cfg.WorkDir}
	}
	return backup.New(backup.Options{
		Enabled:   enabled,
		Dir:       cfg.Path(cfg.BackupDir),
		Sources:   cfg.BackupSources,
		Retention: cfg.BackupRetention,
		Archiver:  arch,
		Logger:    log,
		Metrics:   reg,
		History:   pub,
	})
}

// New builds the supervisor. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	d := deps{launcher: process.ExecLauncher{}}
	for _, o := range opts {
		o(&d)
	}
	lg, err := newLogger(cfg, d.console, d.errOut)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{cfg: cfg, log: lg, metrics: metrics.New()}
	log := lg.Logger

	var sinks []history.Sink
	if cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
		if err != nil {
			_ = lg.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	s.history = history.NewPublisher(log, sinks...)

	s.coord = shutdown.New(shutdown.Options{
		Logger:      log,
		Metrics:     s.metrics,
		History:     s.history,
		GracePeriod: cfg.GracePeriod,
	})
	s.sched = cron.NewScheduler(log, s.coord.Active)
	s.sched.SetPanicHandler(func(job string, v any) {
		s.coord.Fatal(fmt.Errorf("job %s panicked: %v", job, v))
	})

	s.chain = d.chain
	if s.chain == nil {
		s.chain = chain.New(cfg.Node.RPCURL, cfg.Node.RPCTimeout)
	}
	s.updater = metrics.NewUpdater(s.metrics, s.chain, log)
	s.backups = newBackups(cfg, log, d.launcher, s.metrics, s.history, cfg.BackupEnabled)

	childVars := childEnv()
	if cfg.Deploy.Enabled {
		s.deployer = deploy.New(deploy.Options{
			Spec: process.Spec{
				Name:    "deploy",
				Command: cfg.Node.Command,
				Args:    cfg.DeployArgs(),
				Dir:     cfg.WorkDir,
				Env:     childVars,
			},
			Launcher:      d.launcher,
			Prober:        s.chain,
			ChainID:       cfg.ChainID,
			Delay:         cfg.Deploy.Delay,
			ProbeInterval: cfg.Deploy.ProbeInterval,
			ProbeTimeout:  cfg.Deploy.ProbeTimeout,
			Logger:        log,
			Metrics:       s.metrics,
			Scheduler:     s.sched,
			Active:        s.coord.Active,
			History:       s.history,
			OnSuccess:     s.updateMetrics,
			OnPanic: func(v any) {
				s.coord.Fatal(fmt.Errorf("deploy output panicked: %v", v))
			},
		})
	}

	s.node = manager.New(manager.Options{
		Spec: process.Spec{
			Name:    "hardhat",
			Command: cfg.Node.Command,
			Args:    cfg.NodeArgs(),
			Dir:     cfg.WorkDir,
			Env:     childVars,
		},
		Launcher: d.launcher,
		Policy: manager.Policy{
			InitialInterval: cfg.Restart.InitialInterval,
			Multiplier:      cfg.Restart.Multiplier,
			MaxInterval:     cfg.Restart.MaxInterval,
			MaxRetries:      cfg.Restart.MaxRetries,
			StableAfter:     cfg.Restart.StableAfter,
		},
		Logger:    log,
		Metrics:   s.metrics,
		Scheduler: s.sched,
		Active:    s.coord.Active,
		OnStarted: s.nodeStarted,
		History:   s.history,
		OnPanic: func(where string, v any) {
			s.coord.Fatal(fmt.Errorf("node manager %s panicked: %v", where, v))
		},
	})
	if err := s.metrics.Register(metrics.NewNodeProcessCollector(s.node.PID)); err != nil {
		log.Warn("node process collector not registered", "error", err)
	}

	if cfg.HealthCheckEnabled {
		tlsCfg, err := gtls.Setup(gtls.Options{
			Enabled:      cfg.SSLEnabled,
			CertFile:     pathOrEmpty(cfg, cfg.TLS.CertFile),
			KeyFile:      pathOrEmpty(cfg, cfg.TLS.KeyFile),
			Dir:          cfg.Path(cfg.TLS.Dir),
			AutoGenerate: cfg.TLS.AutoGenerate,
			MinVersion:   cfg.TLS.MinVersion,
			CommonName:   "localhost",
			DNSNames:     []string{"localhost"},
			ValidDays:    365,
		})
		if err != nil {
			s.node.Close()
			_ = lg.Close()
			return nil, fmt.Errorf("tls: %w", err)
		}
		s.server, err = server.New(server.Options{
			Addr:              cfg.Listen,
			Version:           Version,
			ChainID:           cfg.ChainID,
			Network:           cfg.NetworkName,
			Environment:       cfg.NodeEnv,
			AllowedOrigins:    cfg.AllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			BackupsEnabled:    cfg.BackupEnabled,
			Node:              s.node,
			Lifecycle:         s.coord,
			Chain:             s.chain,
			Metrics:           s.metrics,
			Logger:            log,
			TLS:               tlsCfg,
			OnError:           s.coord.Fatal,
			Go:                s.coord.Go,
		})
		if err != nil {
			s.node.Close()
			_ = lg.Close()
			return nil, err
		}
	}

	s.coord.SetHooks(s.hooks())
	return s, nil
}

func pathOrEmpty(cfg *config.Config, p string) string {
	if p == "" {
		return ""
	}
	return cfg.Path(p)
}

// hooks lists the drain steps: timers first, then the node, then the final
// backup of its quiesced data.
func (s *Supervisor) hooks() shutdown.Hooks {
	h := shutdown.Hooks{
		CancelTimers: func() {
			s.log.Info("Cancelling scheduled timers", "pending", s.sched.Len())
			s.sched.Stop()
		},
		Quiesce: func(ctx context.Context) error {
			return s.node.Stop(ctx, s.cfg.QuiesceTimeout)
		},
	}
	if s.backups.Enabled() {
		h.FinalBackup = func(ctx context.Context) error {
			_, err := s.backups.CreateBackup(ctx)
			return err
		}
	}
	if s.server != nil {
		h.Closers = append(h.Closers, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return s.server.Shutdown(ctx)
		})
	}
	h.Closers = append(h.Closers,
		func(context.Context) error { s.node.Close(); return nil },
		func(context.Context) error { s.chain.Close(); return nil },
		func(context.Context) error { return s.history.Close() },
		func(context.Context) error { return s.log.Close() },
	)
	return h
}

// nodeStarted runs on the manager goroutine and must not block.
func (s *Supervisor) nodeStarted(mp manager.ManagedProcess) {
	if s.deployer == nil {
		return
	}
	if err := s.deployer.Schedule(mp.Cycle); err != nil && !errors.Is(err, cron.ErrStopped) {
		s.log.Warn("deployment not scheduled", "cycle", mp.Cycle, "error", err)
	}
}

func (s *Supervisor) updateMetrics(ctx context.Context) {
	if err := s.updater.Update(ctx); err != nil {
		s.log.Error("Failed to update metrics", "error", err)
	}
}

// Logger is the supervisor's logger.
func (s *Supervisor) Logger() *slog.Logger { return s.log.Logger }

// Coordinator exposes the shutdown state machine.
func (s *Supervisor) Coordinator() *shutdown.Coordinator { return s.coord }

// Node exposes the node manager.
func (s *Supervisor) Node() *manager.Manager { return s.node }

// Server is nil when the health check is disabled.
func (s *Supervisor) Server() *server.Server { return s.server }

// Run starts everything and blocks until shutdown completes. It returns the
// process exit code: 0 after a signal or ctx cancellation, 1 after a fatal
// error or panic. A startup failure is returned as well.
func (s *Supervisor) Run(ctx context.Context) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.coord.Recovered(r)
			code = s.coord.Wait()
		}
	}()
	log := s.log.Logger
	log.Info("Starting GoatChain Production Node...", "version", Version)
	if b, err := json.MarshalIndent(s.cfg.Redacted(), "", "  "); err == nil {
		log.Info("Configuration: " + string(b))
	}

	stopSignals := s.coord.HandleSignals()
	defer stopSignals()
	s.coord.Go(func() {
		select {
		case <-ctx.Done():
			_ = s.coord.Trigger("context cancellation", false)
		case <-s.coord.Done():
		}
	})

	if err := s.start(ctx); err != nil {
		log.Error("Failed to start GoatChain Production Node", "error", err)
		s.coord.Fatal(err)
		return s.coord.Wait(), err
	}

	log.Info("GoatChain Production Node started successfully!")
	log.Info("RPC Endpoint: http://localhost:8545")
	log.Info("WebSocket Endpoint: ws://localhost:8546")
	if s.server != nil {
		log.Info("Health Check: http://localhost:8080/health")
		log.Info("Metrics: http://localhost:8080/metrics")
		log.Info("Node Info: http://localhost:8080/info")
	}
	return s.coord.Wait(), nil
}

func (s *Supervisor) start(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Start(); err != nil {
			return err
		}
	}
	if err := s.node.Start(ctx); err != nil {
		// launch failures are retried by the manager
		s.log.Error("Failed to start blockchain node", "error", err)
	}
	if s.cfg.BackupEnabled {
		var err error
		if s.cfg.BackupSchedule != "" {
			_, err = s.sched.Cron("backup", s.cfg.BackupSchedule, s.periodicBackup)
		} else {
			_, err = s.sched.Every("backup", s.cfg.BackupInterval, s.periodicBackup)
		}
		if err != nil {
			return err
		}
	}
	if s.cfg.MetricsEnabled {
		if _, err := s.sched.Every("metrics", s.cfg.MetricsInterval, func(ctx context.Context) error {
			s.updateMetrics(ctx)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) periodicBackup(ctx context.Context) error {
	_, err := s.backups.TryCreateBackup(ctx)
	if errors.Is(err, backup.ErrBackupInProgress) {
		return nil
	}
	return err
}

// Backup runs one backup outside a supervised run, regardless of BACKUP_ENABLED.
func Backup(ctx context.Context, cfg *config.Config, opts ...Option) (backup.Record, error) {
	d := deps{launcher: process.ExecLauncher{}}
	for _, o := range opts {
		o(&d)
	}
	lg, err := newLogger(cfg, d.console, d.errOut)
	if err != nil {
		return backup.Record{}, err
	}
	defer lg.Close()
	m := newBackups(cfg, lg.Logger, d.launcher, nil, nil, true)
	return m.CreateBackup(ctx)
}
