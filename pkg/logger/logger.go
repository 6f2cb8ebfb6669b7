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

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level  string
	Format string
	// Dir, when set, adds ivis.log to the outputs and places the audit log next to it.
	Dir         string
	OutputPaths []string
	// Rotation applies to every file output, including the audit log unless it sets its own.
	Rotation Rotation
	Audit    AuditConfig
}

// Rotation limits the size and retention of log files. Zero values take the defaults
// of 100 MB per file, 7 backups and 30 days.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled  bool
	Path     string
	Rotation *Rotation
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Calling Init again replaces
// the previous configuration and closes files opened by it.
func Init(cfg Config) error {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var opened []io.Closer
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	if cfg.Dir != "" {
		outputs = append(outputs, filepath.Join(cfg.Dir, "ivis.log"))
	}
	handler, fileClosers, err := buildHandler(cfg.Format, outputs, cfg.Rotation, opts)
	if err != nil {
		return err
	}
	opened = append(opened, fileClosers...)
	base := slog.New(handler)

	audit := base
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" && cfg.Dir != "" {
			cfg.Audit.Path = filepath.Join(cfg.Dir, "audit.log")
		}
		rotation := cfg.Rotation
		if cfg.Audit.Rotation != nil {
			rotation = *cfg.Audit.Rotation
		}
		auditWriter, err := buildAuditWriter(cfg.Audit.Path, rotation)
		if err != nil {
			closeAll(opened)
			return err
		}
		opened = append(opened, auditWriter)
		audit = slog.New(slog.NewJSONHandler(auditWriter, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}

	mu.Lock()
	previous := closers
	defaultLogger = base
	auditLogger = audit
	closers = opened
	mu.Unlock()
	closeAll(previous)
	return nil
}

func buildHandler(format string, outputs []string, rotation Rotation, opts *slog.HandlerOptions) (slog.Handler, []io.Closer, error) {
	writers := make([]io.Writer, 0, len(outputs))
	var opened []io.Closer
	for _, out := range outputs {
		writer, closer, err := openWriter(out, rotation)
		if err != nil {
			closeAll(opened)
			return nil, nil, err
		}
		if closer != nil {
			opened = append(opened, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(writer, opts), opened, nil
	}
	return slog.NewTextHandler(writer, opts), opened, nil
}

func buildAuditWriter(path string, rotation Rotation) (*lumberjack.Logger, error) {
	if path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	return newFileWriter(path, rotation)
}

func openWriter(path string, rotation Rotation) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	}
	w, err := newFileWriter(path, rotation)
	if err != nil {
		return nil, nil, err
	}
	return w, w, nil
}

// newFileWriter creates the parent directory; lumberjack opens the file on first write.
func newFileWriter(path string, rotation Rotation) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotation = rotation.withDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}, nil
}

// ParseLevel maps a textual level to slog.Level; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Audit returns the audit logger. Without a dedicated audit file it is the default logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync closes the files opened by Init.
func Sync() error {
	mu.Lock()
	previous := closers
	closers = nil
	mu.Unlock()
	return closeAll(previous)
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// ForPlugin returns a child logger tagged with the plugin name.
func ForPlugin(name string) *slog.Logger {
	return L().With(slog.String("plugin", name))
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}
