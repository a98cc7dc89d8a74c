package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the marketplace daemon logs.
type Config struct {
	// Level is one of debug/info/warn/error; anything else falls back to info.
	Level  string
	Format string
	// OutputPaths lists sinks: "stdout", "stderr" or file paths. Empty means stdout.
	OutputPaths []string
	// Service is stamped onto every record so multi-process deployments can
	// tell marketd apart from sidecars sharing the same sink.
	Service string
	Audit   AuditConfig
}

// AuditConfig controls the append-only audit trail.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init configures the process-wide loggers. It is safe to call more than once;
// only the first call takes effect.
func Init(cfg Config) error {
	once.Do(func() {
		defaultLogger, auditLogger, initErr = build(cfg)
	})
	if initErr != nil {
		return initErr
	}
	if defaultLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func build(cfg Config) (*slog.Logger, *slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: true}

	handler, err := newHandler(cfg.Format, cfg.OutputPaths, opts)
	if err != nil {
		return nil, nil, err
	}
	base := slog.New(handler)
	if cfg.Service != "" {
		base = base.With(slog.String("service", cfg.Service))
	}

	audit := base
	if cfg.Audit.Enabled {
		audit, err = newAuditLogger(cfg.Audit)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Service != "" {
			audit = audit.With(slog.String("service", cfg.Service))
		}
	}
	return base, audit, nil
}

func newHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openOutput(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func newAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}

	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	// The audit trail is always JSON at info level so downstream ingestion
	// never depends on the application log settings.
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), nil
}

func openOutput(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	if defaultLogger == nil {
		_ = Init(Config{})
	}
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Sync flushes and closes every file-backed sink.
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named returns a child logger scoped to the given component.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}
