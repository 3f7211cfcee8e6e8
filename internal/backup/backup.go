// Package backup archives the node's data, logs and artifacts into
// timestamped tarballs and keeps a fixed number of the most recent ones.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goatfundr/goatnode/internal/history"
	"github.com/goatfundr/goatnode/internal/metrics"
)

const (
	Prefix = "goatchain-backup-"
	Suffix = ".tar.gz"
	// stampLayout is an ISO-8601 UTC time with ':' and '.' replaced by '-'.
	stampLayout      = "2006-01-02T15-04-05-000Z"
	DefaultRetention = 10
)

// ErrBackupInProgress is returned by TryCreateBackup when another backup runs.
var ErrBackupInProgress = errors.New("backup already in progress")

// Record is one archive on disk.
type Record struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Options configure a Manager.
type Options struct {
	Enabled bool
	// Dir receives the archives.
	Dir string
	// Sources are archived relative to the archiver's working directory.
	Sources   []string
	Retention int
	Archiver  Archiver
	Logger    *slog.Logger
	Metrics   *metrics.Registry
	History   *history.Publisher
	// Now is the clock used for archive names. Defaults to time.Now.
	Now func() time.Time
}

// Manager creates and prunes backups. At most one backup runs at a time.
type Manager struct {
	opts Options
	log  *slog.Logger

	run  sync.Mutex
	mu   sync.Mutex
	last time.Time
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Archiver == nil {
		opts.Archiver = TarArchiver{Logger: opts.Logger}
	}
	return &Manager{opts: opts, log: opts.Logger}
}

// Enabled reports whether backups are configured on.
func (m *Manager) Enabled() bool { return m.opts.Enabled }

// ArchiveName is the file name of an archive taken at t.
func ArchiveName(t time.Time) string {
	return Prefix + t.UTC().Format(stampLayout) + Suffix
}

// nextStamp returns a timestamp strictly after the previous one, at
// millisecond resolution.
func (m *Manager) nextStamp() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.opts.Now().UTC().Truncate(time.Millisecond)
	if !t.After(m.last) {
		t = m.last.Add(time.Millisecond)
	}
	m.last = t
	return t
}

// CreateBackup archives the sources, waiting for a running backup to finish
// first. It is a no-op when backups are disabled.
func (m *Manager) CreateBackup(ctx context.Context) (Record, error) {
	if !m.opts.Enabled {
		return Record{}, nil
	}
	m.run.Lock()
	defer m.run.Unlock()
	return m.create(ctx)
}

// TryCreateBackup is CreateBackup for periodic ticks: it returns
// ErrBackupInProgress instead of waiting.
func (m *Manager) TryCreateBackup(ctx context.Context) (Record, error) {
	if !m.opts.Enabled {
		return Record{}, nil
	}
	if !m.run.TryLock() {
		m.log.Info("Backup skipped, previous backup still running")
		return Record{}, ErrBackupInProgress
	}
	defer m.run.Unlock()
	return m.create(ctx)
}

func (m *Manager) create(ctx context.Context) (Record, error) {
	m.log.Info("Creating blockchain backup...")
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return Record{}, m.failed(ctx, "", fmt.Errorf("create backup dir: %w", err))
	}
	stamp := m.nextStamp()
	name := ArchiveName(stamp)
	dest := filepath.Join(m.opts.Dir, name)
	if !filepath.IsAbs(dest) {
		if abs, err := filepath.Abs(dest); err == nil {
			dest = abs
		}
	}

	if err := m.opts.Archiver.Archive(ctx, dest, m.opts.Sources); err != nil {
		_ = os.Remove(dest)
		return Record{}, m.failed(ctx, name, err)
	}
	// the archive's mtime is its name's timestamp so pruning order matches names
	if err := os.Chtimes(dest, stamp, stamp); err != nil {
		m.log.Warn("set backup mtime", "file", dest, "error", err)
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return Record{}, m.failed(ctx, name, fmt.Errorf("stat archive: %w", err))
	}
	rec := Record{Name: name, Path: dest, ModTime: fi.ModTime(), Size: fi.Size()}
	m.log.Info("Backup created: "+dest, "size", fi.Size())
	m.opts.Metrics.ObserveBackup(true, stamp)
	m.opts.History.Publish(ctx, history.Event{
		Type:   history.EventBackup,
		Record: history.Record{Name: name, Status: "success"},
	})

	if _, err := m.Prune(); err != nil {
		m.log.Error("Backup pruning failed", "error", err)
	}
	return rec, nil
}

func (m *Manager) failed(ctx context.Context, name string, err error) error {
	if errors.Is(err, context.Canceled) {
		m.log.Warn("Backup cancelled", "file", name)
	} else {
		m.log.Error("Backup failed", "file", name, "error", err)
	}
	m.opts.Metrics.ObserveBackup(false, time.Time{})
	m.opts.History.Publish(ctx, history.Event{
		Type:   history.EventBackup,
		Record: history.Record{Name: name, Status: "failed", ExitCode: -1, Detail: err.Error()},
	})
	return err
}

// List returns the archives in the backup directory, newest first.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, Prefix) || !strings.HasSuffix(name, Suffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		out = append(out, Record{Name: name, Path: filepath.Join(m.opts.Dir, name), ModTime: fi.ModTime(), Size: fi.Size()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Prune deletes all but the Retention most recently modified archives and
// returns the removed names.
func (m *Manager) Prune() ([]string, error) {
	recs, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for i := m.opts.Retention; i < len(recs); i++ {
		if err := os.Remove(recs[i].Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		m.log.Info("Removed old backup: " + recs[i].Name)
		removed = append(removed, recs[i].Name)
	}
	kept := len(recs) - len(removed)
	m.opts.Metrics.SetBackupsRetained(kept)
	return removed, errors.Join(errs...)
}
