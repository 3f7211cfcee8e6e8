package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the supervisor log files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	InfoFile  = "goatchain.log"
	ErrorFile = "error.log"
)

// Config describes where supervisor logs go.
// Records below error level are written to Dir/goatchain.log, error records to
// Dir/error.log, and everything is mirrored to Console.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string    // base directory for log files; empty disables file output
	Level      string    // debug, info, warn, error
	MaxSizeMB  int       // megabytes before rotation (default 10)
	MaxBackups int       // number of backups to keep (default 3)
	MaxAgeDays int       // days to keep (default 7)
	Compress   bool      // gzip rotated files
	Console    io.Writer // defaults to os.Stdout
	// ErrConsole receives error records instead of Console. It defaults to
	// os.Stderr when Console is unset, and to Console otherwise.
	ErrConsole io.Writer
	NoColor    bool
}

// Logger is the process-wide structured logger plus the file handles behind it.
type Logger struct {
	*slog.Logger
	closers []io.Closer
}

// New builds the supervisor logger. Each sink serializes its own writes, so
// the returned logger is safe for concurrent use.
func New(cfg Config) (*Logger, error) {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	consoleHandler := func(w io.Writer) slog.Handler {
		if cfg.NoColor {
			return slog.NewTextHandler(w, opts)
		}
		return NewColorTextHandler(w, opts, true)
	}
	console, errConsole := cfg.Console, cfg.ErrConsole
	split := errConsole != nil || console == nil
	if console == nil {
		console = os.Stdout
	}
	if errConsole == nil {
		errConsole = os.Stderr
	}
	var handlers []slog.Handler
	if split {
		handlers = append(handlers,
			levelRange{Handler: consoleHandler(console), min: level, max: slog.LevelError},
			levelRange{Handler: consoleHandler(errConsole), min: slog.LevelError, max: maxLevel},
		)
	} else {
		handlers = append(handlers, consoleHandler(console))
	}

	l := &Logger{}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		infoW := cfg.rotating(filepath.Join(cfg.Dir, InfoFile))
		errW := cfg.rotating(filepath.Join(cfg.Dir, ErrorFile))
		l.closers = append(l.closers, infoW, errW)
		handlers = append(handlers,
			levelRange{Handler: slog.NewTextHandler(infoW, opts), min: level, max: slog.LevelError},
			levelRange{Handler: slog.NewTextHandler(errW, opts), min: slog.LevelError, max: maxLevel},
		)
	}
	l.Logger = slog.New(fanout(handlers))
	return l, nil
}

// Discard returns a logger that drops everything. Useful in tests and for
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: maxLevel}))
}

// Close flushes and closes the rotating files.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

const maxLevel = slog.Level(1 << 10)

// levelRange passes records with min <= level < max to the wrapped handler.
type levelRange struct {
	slog.Handler
	min, max slog.Level
}

func (h levelRange) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && l < h.max && h.Handler.Enabled(ctx, l)
}

func (h levelRange) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelRange{Handler: h.Handler.WithAttrs(attrs), min: h.min, max: h.max}
}

func (h levelRange) WithGroup(name string) slog.Handler {
	return levelRange{Handler: h.Handler.WithGroup(name), min: h.min, max: h.max}
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
