package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult records one upgrade pass over a config file.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// migrations upgrade a config one version forward. Each entry bumps
// from its key version to key+1.
var migrations = map[int]func(*Config) (changes, warnings []string){
	1: migrateV1ToV2,
}

// MigrateConfig walks cfg forward to the current version, backing the
// file up first. A nil result means the config was already current.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}
	if configPath != "" {
		backup, err := backupConfig(configPath, cfg.Version)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		step := migrations[cfg.Version]
		if step == nil {
			return result, fmt.Errorf("no migration from config version %d", cfg.Version)
		}
		changes, warnings := step(cfg)
		cfg.Version++
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

// migrateV1ToV2 migrates from version 1 to version 2. V1 predates the
// SQLite day archive and the click echo suppression window.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if cfg.Data.HistoryDB == "" {
		dir := cfg.Data.Dir
		if dir == "" {
			dir = MeritdDir()
		}
		cfg.Data.HistoryDB = filepath.Join(dir, "history.db")
		changes = append(changes, "set default data.history_db")
	}

	if cfg.History.FlushIntervalMs == 0 {
		cfg.History.FlushIntervalMs = 650
		changes = append(changes, "set history.flush_interval_ms to 650")
	}
	if cfg.History.FlushCellThreshold == 0 {
		cfg.History.FlushCellThreshold = 1200
		changes = append(changes, "set history.flush_cell_threshold to 1200")
	}

	if cfg.Capture.MouseSuppressMs == 0 {
		cfg.Capture.MouseSuppressMs = 180
		changes = append(changes, "set capture.mouse_suppress_ms to 180")
	}

	return changes, warnings
}

// backupConfig copies the config aside before migration touches it.
// The name carries the version being left behind.
func backupConfig(configPath string, fromVersion int) (string, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	backup := fmt.Sprintf("%s.v%d-%s.bak", configPath, fromVersion, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backup, nil
}

// SaveConfig writes cfg to path, TOML unless the extension says JSON or
// YAML. The write stages through a temp file and rename, so the config
// watcher and concurrent readers never see a partial file.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data = []byte(generateTOML(cfg))
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("stage config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("stage config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("stage config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// generateTOML generates a commented TOML configuration file. Paths go
// through %q so Windows separators survive the round trip.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# meritd configuration
# Version %d

version = %d

[data]
dir = %q
state_file = %q
history_db = %q

[capture]
enabled = %t
mouse_suppress_ms = %d

[batcher]
anim_interval_ms = %d
stats_interval_ms = %d
idle_evict_ms = %d
queue_size = %d

[history]
flush_interval_ms = %d
flush_cell_threshold = %d

[snapshot]
debounce_ms = %d

[ipc]
socket_path = %q

[logging]
level = %q
format = %q
output = %q
file_path = %q
`,
		Version,
		cfg.Version,
		cfg.Data.Dir,
		cfg.Data.StateFile,
		cfg.Data.HistoryDB,
		cfg.Capture.Enabled,
		cfg.Capture.MouseSuppressMs,
		cfg.Batcher.AnimIntervalMs,
		cfg.Batcher.StatsIntervalMs,
		cfg.Batcher.IdleEvictMs,
		cfg.Batcher.QueueSize,
		cfg.History.FlushIntervalMs,
		cfg.History.FlushCellThreshold,
		cfg.Snapshot.DebounceMs,
		cfg.IPC.SocketPath,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
	)
}

// migrationHistoryPath is where past migration results accumulate.
func migrationHistoryPath() string {
	return filepath.Join(MeritdDir(), "migration_history.json")
}

func readMigrationHistory() []MigrationResult {
	data, err := os.ReadFile(migrationHistoryPath())
	if err != nil {
		return nil
	}
	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil
	}
	return history
}

// SaveMigrationHistory appends a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	history := append(readMigrationHistory(), *result)
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	path := migrationHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
