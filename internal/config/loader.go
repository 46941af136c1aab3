package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// decodeInto parses data over cfg by file extension. Unrecognized
// extensions fall through TOML, JSON, then YAML.
func decodeInto(cfg *Config, data []byte, ext string) error {
	switch ext {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".json":
		return json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	}
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if json.Unmarshal(data, cfg) == nil {
		return nil
	}
	if yaml.Unmarshal(data, cfg) == nil {
		return nil
	}
	return errors.New("unrecognized config format (tried TOML, JSON, YAML)")
}

// loadConfigFromFile reads path over a fresh default config, so absent
// keys keep their defaults. A missing file yields the defaults
// untouched.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := decodeInto(cfg, data, filepath.Ext(path)); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing a default config file first when
// none exists. The bool reports whether a file was created. An empty
// path uses ConfigPath.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("write default config: %w", err)
		}
		// The file keeps the pristine defaults; the returned config gets
		// the same overrides a loaded one would.
		cfg.ApplyEnvOverrides()
		cfg.ExpandPaths()
		if err := cfg.Validate(); err != nil {
			return nil, false, err
		}
		return cfg, true, nil
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, false, err
	}
	// Migrate before validating, so an old-version file is judged by
	// the rules of the version it is brought up to.
	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, path)
		if err != nil {
			return nil, false, fmt.Errorf("migrate config: %w", err)
		}
		if result != nil {
			_ = SaveMigrationHistory(result)
		}
	}
	cfg.ApplyEnvOverrides()
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// reloadDebounce coalesces the event bursts editors and atomic saves
// produce into one reload.
const reloadDebounce = 100 * time.Millisecond

// ConfigWatcher reloads the config file when it changes on disk and
// hands callbacks the previous and new versions. A file that fails to
// parse or validate leaves the current config in place and surfaces on
// Errors.
type ConfigWatcher struct {
	path string

	mu      sync.RWMutex
	current *Config

	callbacks []func(old, next *Config)
	fsw       *fsnotify.Watcher
	errs      chan error
	stop      chan struct{}
	done      chan struct{}
}

// NewConfigWatcher loads path immediately and prepares a watcher for
// it. An empty path uses ConfigPath.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		path:    path,
		current: cfg,
		errs:    make(chan error, 4),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// OnChange registers a callback receiving the previous and new
// configurations. Register before calling Start.
func (w *ConfigWatcher) OnChange(cb func(old, next *Config)) {
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the most recently loaded configuration.
func (w *ConfigWatcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Errors reports reload failures. The channel never closes while the
// watcher runs; failed sends are dropped rather than blocking.
func (w *ConfigWatcher) Errors() <-chan error {
	return w.errs
}

// Start begins the watch. It watches the file's directory, since
// editors and SaveConfig replace the file instead of writing in place.
func (w *ConfigWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("config watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	go w.run()
	return nil
}

// run serializes reloads on the watch goroutine. The debounce timer
// only signals; the reload itself never races a callback.
func (w *ConfigWatcher) run() {
	defer close(w.done)
	var pending *time.Timer
	settled := make(chan struct{}, 1)
	for {
		select {
		case <-w.stop:
			return

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != filepath.Base(w.path) {
				continue
			}
			if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(reloadDebounce, func() {
					select {
					case settled <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(reloadDebounce)
			}

		case <-settled:
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.report(err)
		return
	}
	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()
	for _, cb := range w.callbacks {
		cb(prev, next)
	}
}

func (w *ConfigWatcher) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// Stop ends the watch. Safe to call whether or not Start succeeded.
func (w *ConfigWatcher) Stop() error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}
