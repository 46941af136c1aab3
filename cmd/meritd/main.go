// meritd - desktop merit counter daemon
//
// meritd watches OS keyboard and mouse input, counts every press as
// merit, and serves live totals, day history, and click heatmaps to
// local clients over a unix socket:
//
//	meritd run       Run the capture pipeline in the foreground
//	meritd status    Query a running daemon
//	meritd version   Print the build version
//
// Queries and administration go through meritctl.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"meritd/internal/activeapp"
	"meritd/internal/batcher"
	"meritd/internal/capture"
	"meritd/internal/config"
	"meritd/internal/display"
	"meritd/internal/distance"
	"meritd/internal/events"
	"meritd/internal/history"
	"meritd/internal/ipc"
	"meritd/internal/listener"
	"meritd/internal/logging"
	"meritd/internal/merit"
	"meritd/internal/metrics"
	"meritd/internal/snapshot"
)

// version is stamped by the release build.
var version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "version":
		fmt.Printf("meritd %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`meritd - desktop merit counter daemon

USAGE:
    meritd <command> [options]

COMMANDS:
    run        Run the capture pipeline in the foreground
    status     Query a running daemon
    version    Print the build version
    help       Show this help message

The daemon counts keyboard and mouse input at the OS level and serves
totals, day history, and click heatmaps over a local socket. Use
meritctl to query and administer a running daemon.

ENVIRONMENT:
    MERITD_CONFIG        Config file (default for -config)
    MERITD_DATA_DIR      Data directory override
    MERITD_SOCKET_PATH   Control socket override
    MERITD_DISPLAYS      Monitor geometry for click attribution:
                         id=x,y,width,height[,scale] entries joined
                         with ';'
    MERITD_LOG_LEVEL     debug, info, warn, or error

PRIVACY NOTE:
    Counts never leave this machine. State lives in your own data
    directory and is served only over a local socket restricted to
    your user; the daemon has no network code.`)
}

// cmdRun loads the config, sets up logging, and hands off to runDaemon.
// The split keeps os.Exit out of the function that owns the defers.
func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MERITD_CONFIG"), "config file path (default: the per-user config dir)")
	displaysSpec := fs.String("displays", "", "monitor geometry, id=x,y,width,height[,scale] joined with ';'")
	noCapture := fs.Bool("no-capture", false, "defer OS input capture until a client starts listening")
	fs.Parse(os.Args[2:])

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		logging.Error("data directories", "error", err)
		os.Exit(1)
	}
	if created {
		logging.Info("wrote default config", "path", resolveConfigPath(*configPath))
	}

	if err := runDaemon(cfg, resolveConfigPath(*configPath), *displaysSpec, *noCapture); err != nil {
		logging.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func runDaemon(cfg *config.Config, configPath, displaysSpec string, noCapture bool) error {
	logging.Info("meritd starting", "version", version, "data_dir", cfg.Data.Dir)
	logging.SetCrashInfo(filepath.Join(cfg.Data.Dir, "crashes"), version)
	pm := metrics.GetMetrics()

	pidPath := filepath.Join(cfg.Data.Dir, "meritd.pid")
	if err := writePIDFile(pidPath); err != nil {
		logging.Warn("pid file write failed", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live counting state, restored from the last snapshot. A rejected
	// file is treated as lost wholesale rather than half-applied.
	storage := merit.NewStorage()
	if state, err := snapshot.Load(cfg.Data.StateFile); err != nil {
		logging.Error("state file rejected, starting from defaults", "path", cfg.Data.StateFile, "error", err)
	} else if state != nil {
		storage.SetStats(state.Stats)
		storage.SetSettings(state.Settings)
		storage.SetAchievements(state.Achievements)
		storage.SetWindowPlacements(state.WindowPlacements)
		storage.SetHeatmap(state.ClickHeatmap)
		logging.Info("state restored", "total_merit", state.Stats.TotalMerit)
	}
	storage.NormalizeLoaded()

	// Day archive. The daemon keeps counting without it; history queries
	// answer ErrNotInitialized until the next restart finds the DB again.
	db, err := history.Open(cfg.Data.HistoryDB, history.Config{
		FlushInterval:      cfg.History.FlushInterval(),
		FlushCellThreshold: cfg.History.FlushCellThreshold,
	})
	if err != nil {
		logging.Error("history database unavailable, day archive disabled", "path", cfg.Data.HistoryDB, "error", err)
		db = nil
	} else {
		defer db.Close()
		if err := db.ImportHeatmap(storage.HeatmapCopy()); err != nil {
			logging.Warn("heatmap import failed", "error", err)
		}
		// Catch the archive up with days counted while it was absent.
		stats := storage.Stats()
		db.UpsertDays(append(stats.History, stats.Today))
	}

	bus := events.NewBus()
	saver := snapshot.NewSaver(storage, cfg.Data.StateFile, cfg.Snapshot.Debounce())
	batch := batcher.New(batcher.Config{
		QueueSize:     cfg.Batcher.QueueSize,
		AnimInterval:  cfg.Batcher.AnimInterval(),
		StatsInterval: cfg.Batcher.StatsInterval(),
		IdleEvict:     cfg.Batcher.IdleEvict(),
	}, storage, bus, saver.RequestSave)

	displays := display.NewCache(display.StaticProvider{List: monitorList(displaysSpec)})
	if err := displays.Refresh(); err != nil {
		logging.Warn("display refresh failed", "error", err)
	}

	dist := distance.NewTracker(storage, displays, saver.RequestSave)
	dist.Start()

	source := capture.New()
	if setter, ok := source.(capture.PointerBoundsSetter); ok {
		if mons, _ := displays.Snapshot(); len(mons) > 0 {
			setter.SetPointerBounds(monitorBounds(mons))
		}
	}

	lst := listener.New(listener.Config{
		Source:      source,
		Storage:     storage,
		Batcher:     batch,
		Displays:    displays,
		History:     db,
		Distance:    dist,
		Apps:        activeapp.NewTracker(),
		Bus:         bus,
		RequestSave: saver.RequestSave,
	})

	var server *ipc.Server
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:     version,
		Storage:     storage,
		History:     db,
		Batcher:     batch,
		Listener:    lst,
		Displays:    displays,
		Bus:         bus,
		StatePath:   saver.Path(),
		RequestSave: saver.RequestSave,
		StartCapture: func() error {
			return lst.Start(ctx)
		},
		ClientCount: func() int {
			if server == nil {
				return 0
			}
			return server.ClientCount()
		},
		MouseSuppress: cfg.Capture.MouseSuppress(),
	})

	serverCfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
	serverCfg.Version = version
	server, err = ipc.NewServer(serverCfg, handler)
	if err != nil {
		return fmt.Errorf("ipc server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("ipc server: %w", err)
	}

	// Forward pipeline events to subscribed clients and note stats
	// changes so the ticker below archives today's row.
	var statsDirty atomic.Bool
	busCh, cancelSub := bus.Subscribe(64)
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		defer logging.CrashGuard("event bridge")
		for evt := range busCh {
			if evt.Kind == events.KindStatsUpdated {
				statsDirty.Store(true)
			}
			eventType, ok := eventTypeForKind(evt.Kind)
			if !ok {
				continue
			}
			ipcEvent, err := ipc.NewEvent(eventType, evt.Payload)
			if err != nil {
				logging.Warn("event encode failed", "kind", string(evt.Kind), "error", err)
				continue
			}
			server.Broadcast(ipcEvent)
		}
	}()

	if cfg.Capture.Enabled && !noCapture {
		if err := lst.Start(ctx); err != nil {
			// Keep serving; clients surface the error and retry the
			// start over IPC once the OS permission is granted.
			logging.Error("input capture unavailable", "error", err)
		}
	}

	if watcher := startConfigWatch(configPath); watcher != nil {
		defer watcher.Stop()
	}

	logging.Info("meritd ready", "socket", cfg.IPC.SocketPath, "capture", lst.Running())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	ticks := 0
	for {
		select {
		case sig := <-sigChan:
			logging.Info("shutting down", "signal", sig.String())
			if err := lst.Stop(); err != nil {
				logging.Warn("capture stop failed", "error", err)
			}
			if err := server.Stop(); err != nil {
				logging.Warn("ipc stop failed", "error", err)
			}
			cancelSub()
			<-bridgeDone
			dist.Stop()
			batch.Close()
			if db != nil {
				db.UpsertDays([]merit.DailyStats{storage.Today()})
			}
			if err := saver.Close(); err != nil {
				logging.Warn("final snapshot failed", "error", err)
			}
			logging.Info("meritd stopped", "total_merit", storage.StatsLite().TotalMerit)
			return nil

		case <-ticker.C:
			pm.UpdateUptime()
			if db != nil && statsDirty.Swap(false) {
				db.UpsertDays([]merit.DailyStats{storage.Today()})
			}
			ticks++
			if ticks%15 == 0 {
				if info, err := os.Stat(cfg.Data.HistoryDB); err == nil {
					pm.SetDatabaseSize(info.Size())
				}
			}
		}
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("MERITD_CONFIG"), "config file path")
	socketPath := fs.String("socket", "", "daemon socket (default: from config)")
	asJSON := fs.Bool("json", false, "print the raw status response as JSON")
	fs.Parse(os.Args[2:])

	socket := *socketPath
	if socket == "" {
		socket = socketFromConfig(*configPath)
	}

	clientCfg := ipc.DefaultClientConfig(socket)
	clientCfg.ClientName = "meritd-status"
	clientCfg.AutoReconnect = false
	client := ipc.NewClient(clientCfg)
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "meritd is not running")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		}
		os.Exit(1)
	}
	defer client.Close()

	status, err := client.Status(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status request failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode status: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("meritd %s\n", status.Version)
	fmt.Printf("  Started:      %s (up %s)\n", status.StartedAt.Format(time.RFC3339), status.Uptime.Round(time.Second))
	fmt.Printf("  Listening:    %v\n", status.Listening)
	fmt.Printf("  Capture:      %v\n", status.CaptureActive)
	if status.ListenerError != nil {
		fmt.Printf("  Capture error: %s (%s)\n", status.ListenerError.Message, status.ListenerError.Code)
	}
	fmt.Printf("  Clients:      %d\n", status.ClientCount)
	fmt.Printf("  Total merit:  %d\n", status.TotalMerit)
	fmt.Printf("  Today:        %d\n", status.TodayTotal)
	fmt.Printf("  State file:   %s\n", status.StatePath)
	if status.HistoryPath != "" {
		fmt.Printf("  History DB:   %s (%s)\n", status.HistoryPath, formatBytes(status.DatabaseSizeBytes))
	}
}

// buildLogger maps the daemon config onto the logging stack.
func buildLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	lcfg := logging.DefaultConfig()
	if cfg.Level != "" {
		level, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		lcfg.Level = level
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		lcfg.Format = logging.FormatText
	case "json":
		lcfg.Format = logging.FormatJSON
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if cfg.Output != "" {
		lcfg.Output = cfg.Output
	}
	if cfg.FilePath != "" {
		lcfg.FilePath = cfg.FilePath
	}
	return logging.New(lcfg)
}

// resolveConfigPath mirrors the default the config loader applies to an
// empty path.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return config.ConfigPath()
}

// socketFromConfig resolves the daemon socket the way the daemon does:
// the config file when present, else the platform default, with the
// MERITD_* environment applied on top.
func socketFromConfig(configPath string) string {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		cfg.ExpandPaths()
	}
	return cfg.IPC.SocketPath
}

// startConfigWatch reloads the config on file changes. Returns nil when
// watching is unavailable; the daemon then runs with the boot config.
func startConfigWatch(path string) *config.ConfigWatcher {
	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		logging.Warn("config watch unavailable", "path", path, "error", err)
		return nil
	}
	watcher.OnChange(applyConfigChange)
	if err := watcher.Start(); err != nil {
		logging.Warn("config watch unavailable", "path", path, "error", err)
		watcher.Stop()
		return nil
	}
	go func() {
		for err := range watcher.Errors() {
			logging.Warn("config reload failed", "error", err)
		}
	}()
	return watcher
}

// applyConfigChange applies what can change live and names what cannot.
// Only the logging section is safe to swap under a running pipeline.
func applyConfigChange(prev, next *config.Config) {
	if prev == nil || next == nil {
		return
	}
	if prev.Logging != next.Logging {
		if logger, err := buildLogger(next.Logging); err != nil {
			logging.Warn("new log settings rejected", "error", err)
		} else {
			logging.SetDefault(logger)
			logging.Info("log settings applied", "level", next.Logging.Level, "output", next.Logging.Output)
		}
	}
	sections := []struct {
		name    string
		changed bool
	}{
		{"data", prev.Data != next.Data},
		{"capture", prev.Capture != next.Capture},
		{"batcher", prev.Batcher != next.Batcher},
		{"history", prev.History != next.History},
		{"snapshot", prev.Snapshot != next.Snapshot},
		{"ipc", prev.IPC != next.IPC},
	}
	for _, s := range sections {
		if s.changed {
			logging.Warn("config change needs a restart", "section", s.name)
		}
	}
}

// eventTypeForKind maps bus event kinds onto the wire event types.
func eventTypeForKind(kind events.Kind) (ipc.EventType, bool) {
	switch kind {
	case events.KindStatsUpdated:
		return ipc.EventStatsUpdated, true
	case events.KindInputPop:
		return ipc.EventInputPop, true
	case events.KindHeatmapUpdated:
		return ipc.EventHeatmapUpdated, true
	case events.KindListeningChanged:
		return ipc.EventListeningChanged, true
	case events.KindListenerError:
		return ipc.EventListenerError, true
	case events.KindSettingsUpdated:
		return ipc.EventSettingsUpdated, true
	}
	return 0, false
}

// monitorList resolves monitor geometry for click attribution: the
// -displays flag, then MERITD_DISPLAYS, then a single default monitor.
func monitorList(spec string) []display.Monitor {
	if spec == "" {
		spec = os.Getenv("MERITD_DISPLAYS")
	}
	if spec != "" {
		mons, err := parseDisplays(spec)
		if err == nil && len(mons) > 0 {
			return mons
		}
		logging.Warn("display spec rejected, using the default monitor", "spec", spec, "error", err)
	}
	return []display.Monitor{{ID: "main", Width: 1920, Height: 1080, ScaleFactor: 1}}
}

// parseDisplays parses "id=x,y,width,height[,scale]" entries joined with
// semicolons, e.g. "eDP-1=0,0,1920,1080;HDMI-1=1920,0,2560,1440,2.0".
// Positions and sizes are physical pixels.
func parseDisplays(spec string) ([]display.Monitor, error) {
	var mons []display.Monitor
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("entry %q: want id=x,y,width,height[,scale]", entry)
		}
		parts := strings.Split(rest, ",")
		if len(parts) != 4 && len(parts) != 5 {
			return nil, fmt.Errorf("entry %q: want 4 or 5 fields after %q", entry, "=")
		}
		nums := make([]float64, len(parts))
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %v", entry, err)
			}
			nums[i] = v
		}
		scale := 1.0
		if len(nums) == 5 {
			scale = nums[4]
		}
		mons = append(mons, display.Monitor{
			ID:          id,
			X:           int(nums[0]),
			Y:           int(nums[1]),
			Width:       uint32(nums[2]),
			Height:      uint32(nums[3]),
			ScaleFactor: scale,
		})
	}
	return mons, nil
}

// monitorBounds is the union rectangle of the monitor list in physical
// pixels, for clamping a relatively-tracked cursor.
func monitorBounds(mons []display.Monitor) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, m := range mons {
		minX = math.Min(minX, float64(m.X))
		minY = math.Min(minY, float64(m.Y))
		maxX = math.Max(maxX, float64(m.X)+float64(m.Width))
		maxY = math.Max(maxY, float64(m.Y)+float64(m.Height))
	}
	return minX, minY, maxX, maxY
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
