// Package config handles configuration loading and validation for meritd.
//
// The daemon config is distinct from the runtime Settings carried in the
// state snapshot: this file decides where data lives and how the pipeline
// is tuned, while Settings decide how counting behaves and belong to the
// user.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Version is the current configuration schema version.
// Version 2 added the [history] section and the click echo suppression
// window.
const Version = 2

// Config is the daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Data     DataConfig     `toml:"data" json:"data" yaml:"data"`
	Capture  CaptureConfig  `toml:"capture" json:"capture" yaml:"capture"`
	Batcher  BatcherConfig  `toml:"batcher" json:"batcher" yaml:"batcher"`
	History  HistoryConfig  `toml:"history" json:"history" yaml:"history"`
	Snapshot SnapshotConfig `toml:"snapshot" json:"snapshot" yaml:"snapshot"`
	IPC      IPCConfig      `toml:"ipc" json:"ipc" yaml:"ipc"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
}

// DataConfig locates the daemon's on-disk state.
type DataConfig struct {
	// Dir is the base data directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// StateFile is the JSON state snapshot (stats, settings, recent
	// heatmap).
	StateFile string `toml:"state_file" json:"state_file" yaml:"state_file"`

	// HistoryDB is the SQLite day archive.
	HistoryDB string `toml:"history_db" json:"history_db" yaml:"history_db"`
}

// CaptureConfig controls the input capture source.
type CaptureConfig struct {
	// Enabled starts capture when the daemon boots. The runtime listening
	// toggle still turns counting on and off while the daemon runs.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// MouseSuppressMs is how long the global tap ignores clicks after a
	// client-reported click was counted, so its echo is not counted twice.
	MouseSuppressMs int `toml:"mouse_suppress_ms" json:"mouse_suppress_ms" yaml:"mouse_suppress_ms"`
}

// BatcherConfig tunes the trigger batching worker. Zero values fall back
// to the batcher's built-in defaults.
type BatcherConfig struct {
	AnimIntervalMs  int `toml:"anim_interval_ms" json:"anim_interval_ms" yaml:"anim_interval_ms"`
	StatsIntervalMs int `toml:"stats_interval_ms" json:"stats_interval_ms" yaml:"stats_interval_ms"`
	IdleEvictMs     int `toml:"idle_evict_ms" json:"idle_evict_ms" yaml:"idle_evict_ms"`
	QueueSize       int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// HistoryConfig tunes the SQLite heatmap flusher. Zero values fall back
// to the archive's built-in defaults.
type HistoryConfig struct {
	FlushIntervalMs    int `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`
	FlushCellThreshold int `toml:"flush_cell_threshold" json:"flush_cell_threshold" yaml:"flush_cell_threshold"`
}

// SnapshotConfig tunes the debounced state snapshot writer.
type SnapshotConfig struct {
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// IPCConfig configures the local control endpoint.
type IPCConfig struct {
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
}

// LoggingConfig configures operational logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stderr, stdout, file, or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// MouseSuppress returns the suppression window as a duration.
func (c CaptureConfig) MouseSuppress() time.Duration {
	return time.Duration(c.MouseSuppressMs) * time.Millisecond
}

// AnimInterval returns the animation pop spacing as a duration.
func (c BatcherConfig) AnimInterval() time.Duration {
	return time.Duration(c.AnimIntervalMs) * time.Millisecond
}

// StatsInterval returns the stats broadcast coalescing window as a duration.
func (c BatcherConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMs) * time.Millisecond
}

// IdleEvict returns the animation accumulator eviction age as a duration.
func (c BatcherConfig) IdleEvict() time.Duration {
	return time.Duration(c.IdleEvictMs) * time.Millisecond
}

// FlushInterval returns the heatmap flush interval as a duration.
func (c HistoryConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// Debounce returns the snapshot write debounce as a duration.
func (c SnapshotConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// DefaultConfig returns the default configuration for this platform.
func DefaultConfig() *Config {
	dir := MeritdDir()
	return &Config{
		Version: Version,
		Data: DataConfig{
			Dir:       dir,
			StateFile: filepath.Join(dir, "state.json"),
			HistoryDB: filepath.Join(dir, "history.db"),
		},
		Capture: CaptureConfig{
			Enabled:         true,
			MouseSuppressMs: 180,
		},
		Batcher: BatcherConfig{
			AnimIntervalMs:  120,
			StatsIntervalMs: 200,
			IdleEvictMs:     2000,
			QueueSize:       4096,
		},
		History: HistoryConfig{
			FlushIntervalMs:    650,
			FlushCellThreshold: 1200,
		},
		Snapshot: SnapshotConfig{
			DebounceMs: 650,
		},
		IPC: IPCConfig{
			SocketPath: DefaultSocketPath(),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(LogDir(), "meritd.log"),
		},
	}
}

// MeritdDir returns the daemon data directory. MERITD_DATA_DIR overrides
// the platform default.
func MeritdDir() string {
	if dir := os.Getenv("MERITD_DATA_DIR"); dir != "" {
		return dir
	}
	return DataDir()
}

// ConfigPath returns the default configuration file location.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the configuration from path, applying environment overrides,
// path expansion, and validation. A missing file yields the defaults; an
// empty path uses ConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns the hard errors found, or
// nil. Warnings do not fail validation; use ValidateConfig to see them.
func (c *Config) Validate() error {
	if errs := ValidateConfig(c); errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// ApplyEnvOverrides applies MERITD_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MERITD_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("MERITD_STATE_FILE"); v != "" {
		c.Data.StateFile = v
	}
	if v := os.Getenv("MERITD_HISTORY_DB"); v != "" {
		c.Data.HistoryDB = v
	}
	if v := os.Getenv("MERITD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("MERITD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MERITD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MERITD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("MERITD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("MERITD_CAPTURE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Capture.Enabled = b
		}
	}
}

// ExpandPaths expands a leading ~ in every configured path.
func (c *Config) ExpandPaths() {
	c.Data.Dir = expandPath(c.Data.Dir)
	c.Data.StateFile = expandPath(c.Data.StateFile)
	c.Data.HistoryDB = expandPath(c.Data.HistoryDB)
	c.IPC.SocketPath = expandPath(c.IPC.SocketPath)
	c.Logging.FilePath = expandPath(c.Logging.FilePath)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := make([]string, 0, 5)
	if c.Data.Dir != "" {
		dirs = append(dirs, c.Data.Dir)
	}
	for _, p := range []string{c.Data.StateFile, c.Data.HistoryDB, c.Logging.FilePath} {
		if p != "" {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	if c.IPC.SocketPath != "" && !isWindowsPipe(c.IPC.SocketPath) {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a copy of the configuration. Every field is a value type,
// so the struct copy is a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
