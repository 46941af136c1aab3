package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether this finding is advisory only.
func (e ValidationError) IsWarning() bool {
	return strings.HasPrefix(e.Message, "warning:")
}

// ValidationErrors is the collection of findings from one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Warnings returns only the advisory findings.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only the hard errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors reports whether any non-warning finding exists.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks every section and returns all findings, warnings
// included. Use Config.Validate when only pass or fail matters.
func ValidateConfig(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateData(&c.Data)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateBatcher(&c.Batcher)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateSnapshot(&c.Snapshot)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	return errs
}

func validateData(d *DataConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "data.dir",
			Message: "data directory is required",
		})
	}
	if d.StateFile == "" {
		errs = append(errs, ValidationError{
			Field:   "data.state_file",
			Message: "state file path is required",
		})
	}
	if d.HistoryDB == "" {
		errs = append(errs, ValidationError{
			Field:   "data.history_db",
			Message: "history database path is required",
		})
	}

	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	if c.MouseSuppressMs < 0 || c.MouseSuppressMs > 5000 {
		errs = append(errs, ValidationError{
			Field:   "capture.mouse_suppress_ms",
			Message: "must be between 0 and 5000",
		})
	}

	return errs
}

func validateBatcher(b *BatcherConfig) ValidationErrors {
	var errs ValidationErrors

	if b.QueueSize < 0 || b.QueueSize > 1<<20 {
		errs = append(errs, ValidationError{
			Field:   "batcher.queue_size",
			Message: fmt.Sprintf("must be between 0 and %d", 1<<20),
		})
	}
	if b.AnimIntervalMs < 0 || b.AnimIntervalMs > 10000 {
		errs = append(errs, ValidationError{
			Field:   "batcher.anim_interval_ms",
			Message: "must be between 0 and 10000",
		})
	}
	if b.StatsIntervalMs < 0 || b.StatsIntervalMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "batcher.stats_interval_ms",
			Message: "must be between 0 and 60000",
		})
	} else if b.StatsIntervalMs > 10000 {
		errs = append(errs, ValidationError{
			Field:   "batcher.stats_interval_ms",
			Message: "warning: stats intervals above 10s delay persistence and risk losing counts on crash",
		})
	}
	if b.IdleEvictMs < 0 || b.IdleEvictMs > 600000 {
		errs = append(errs, ValidationError{
			Field:   "batcher.idle_evict_ms",
			Message: "must be between 0 and 600000",
		})
	}

	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	if h.FlushIntervalMs < 0 || h.FlushIntervalMs > 600000 {
		errs = append(errs, ValidationError{
			Field:   "history.flush_interval_ms",
			Message: "must be between 0 and 600000",
		})
	}
	if h.FlushCellThreshold < 0 || h.FlushCellThreshold > 1<<20 {
		errs = append(errs, ValidationError{
			Field:   "history.flush_cell_threshold",
			Message: fmt.Sprintf("must be between 0 and %d", 1<<20),
		})
	}

	return errs
}

func validateSnapshot(s *SnapshotConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DebounceMs < 0 || s.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "snapshot.debounce_ms",
			Message: "must be between 0 and 60000",
		})
	}

	return errs
}

// Unix socket paths are copied into a fixed sun_path buffer; 104 bytes is
// the smallest limit across the supported platforms.
const maxSocketPathLen = 104

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required",
		})
		return errs
	}
	if !isWindowsPipe(i.SocketPath) && len(i.SocketPath) > maxSocketPathLen {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: fmt.Sprintf("exceeds the %d byte unix socket path limit", maxSocketPathLen),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
		if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	return errs
}
