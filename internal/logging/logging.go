// Package logging is the daemon's slog setup: leveled text or JSON
// records to stderr, stdout, or a size-rotated log file, plus crash
// dumps for panics in long-lived goroutines.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level aliases slog.Level so callers configure the logger without
// importing slog themselves.
type Level = slog.Level

// Levels accepted by Config and ParseLevel.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the record encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config describes one logger.
type Config struct {
	Level    Level
	Format   Format
	Output   string // stderr, stdout, file, or both
	FilePath string // required when Output includes file

	// Rotation policy for file output.
	MaxBytes int64 // rotate once the live file would exceed this
	Keep     int   // rotated files to retain
	KeepDays int   // drop rotated files older than this
	Compress bool  // gzip rotated files
}

// DefaultConfig returns stderr text logging at info level, with a
// 20 MiB rotation policy should the caller switch to file output.
func DefaultConfig() Config {
	return Config{
		Level:    LevelInfo,
		Format:   FormatText,
		Output:   "stderr",
		MaxBytes: 20 << 20,
		Keep:     4,
		KeepDays: 14,
		Compress: true,
	}
}

// Logger is a slog.Logger bound to its output file, if any.
type Logger struct {
	*slog.Logger
	rot *rotator
}

// New builds a logger for cfg. File outputs rotate by size per the
// Config rotation fields.
func New(cfg Config) (*Logger, error) {
	var (
		sinks []io.Writer
		rot   *rotator
	)
	out := strings.ToLower(cfg.Output)
	if out == "" {
		out = "stderr"
	}
	switch out {
	case "stdout":
		sinks = append(sinks, os.Stdout)
	case "stderr":
		sinks = append(sinks, os.Stderr)
	case "file", "both":
		if out == "both" {
			sinks = append(sinks, os.Stderr)
		}
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging: file output needs a path")
		}
		r, err := newRotator(cfg)
		if err != nil {
			return nil, err
		}
		rot = r
		sinks = append(sinks, r)
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}

	w := sinks[0]
	if len(sinks) > 1 {
		w = io.MultiWriter(sinks...)
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h), rot: rot}, nil
}

// Close releases the log file, if one is open.
func (l *Logger) Close() error {
	if l.rot != nil {
		return l.rot.Close()
	}
	return nil
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process logger, lazily bound to stderr until
// SetDefault installs the configured one.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default()}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process logger and as slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Debug logs through the process logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs through the process logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs through the process logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs through the process logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel maps a config string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}
