//go:build integration

// Package integration provides end-to-end integration tests for meritd.
//
// These tests wire the real counting pipeline together: a simulated
// capture source feeds the listener, triggers flow through the batcher
// into the merit store, clicks land in the heatmap and the day archive,
// and snapshots round-trip through the state file. Only the OS capture
// layer and the display provider are simulated.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meritd/internal/batcher"
	"meritd/internal/capture"
	"meritd/internal/display"
	"meritd/internal/distance"
	"meritd/internal/events"
	"meritd/internal/heatmap"
	"meritd/internal/history"
	"meritd/internal/ipc"
	"meritd/internal/listener"
	"meritd/internal/merit"
	"meritd/internal/snapshot"
)

// TestEnv holds one daemon's worth of wired pipeline components.
type TestEnv struct {
	T           *testing.T
	DataDir     string
	StatePath   string
	HistoryPath string
	SocketPath  string

	Storage  *merit.Storage
	Bus      *events.Bus
	Saver    *snapshot.Saver
	Batcher  *batcher.Batcher
	Displays *display.Cache
	Distance *distance.Tracker
	History  *history.DB
	Source   *capture.SimulatedSource
	Listener *listener.Listener

	Handler *ipc.DaemonHandler
	Server  *ipc.Server
	Client  *ipc.IPCClient

	Ctx    context.Context
	Cancel context.CancelFunc

	bridgeStop func()
	bridgeDone chan struct{}
}

// NewTestEnv creates an environment rooted in a fresh temp directory.
// Nothing is wired yet; call the Init methods or InitAll.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	return NewTestEnvAt(t, t.TempDir())
}

// NewTestEnvAt roots an environment in an existing data directory, so a
// second environment can play the part of a restarted daemon.
func NewTestEnvAt(t *testing.T, dataDir string) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	require.NoError(t, os.MkdirAll(dataDir, 0700))

	return &TestEnv{
		T:           t,
		DataDir:     dataDir,
		StatePath:   filepath.Join(dataDir, "state.json"),
		HistoryPath: filepath.Join(dataDir, "history.db"),
		Ctx:         ctx,
		Cancel:      cancel,
	}
}

// InitCore wires everything below the listener: store, bus, saver,
// batcher, displays, distance tracker, and the day archive. Intervals
// are tightened so tests settle in milliseconds.
func (env *TestEnv) InitCore() {
	env.T.Helper()

	env.Storage = merit.NewStorage()
	env.Bus = events.NewBus()
	env.Saver = snapshot.NewSaver(env.Storage, env.StatePath, 30*time.Millisecond)
	env.Batcher = batcher.New(batcher.Config{
		QueueSize:     256,
		AnimInterval:  5 * time.Millisecond,
		StatsInterval: 5 * time.Millisecond,
		IdleEvict:     50 * time.Millisecond,
	}, env.Storage, env.Bus, env.Saver.RequestSave)

	env.Displays = display.NewCache(display.StaticProvider{List: []display.Monitor{
		{ID: "main", X: 0, Y: 0, Width: 1920, Height: 1080, ScaleFactor: 1},
		{ID: "side", X: 1920, Y: 0, Width: 1280, Height: 1024, ScaleFactor: 1},
	}})
	require.NoError(env.T, env.Displays.Refresh())

	env.Distance = distance.NewTracker(env.Storage, env.Displays, env.Saver.RequestSave)
	env.Distance.Start()

	db, err := history.Open(env.HistoryPath, history.Config{
		FlushInterval:      20 * time.Millisecond,
		FlushCellThreshold: 1200,
	})
	require.NoError(env.T, err)
	env.History = db
}

// InitListener attaches a simulated capture source and starts the
// classification worker.
func (env *TestEnv) InitListener() {
	env.T.Helper()

	env.Source = capture.NewSimulated()
	env.Listener = listener.New(listener.Config{
		Source:      env.Source,
		Storage:     env.Storage,
		Batcher:     env.Batcher,
		Displays:    env.Displays,
		History:     env.History,
		Distance:    env.Distance,
		Bus:         env.Bus,
		RequestSave: env.Saver.RequestSave,
	})
	require.NoError(env.T, env.Listener.Start(env.Ctx))
}

// InitIPC starts a daemon handler and server on a temp socket, bridges
// bus events to connected clients, and connects one client.
func (env *TestEnv) InitIPC() {
	env.T.Helper()

	env.SocketPath = tempSocketPath(env.T)
	env.Handler = ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:     "integration-test",
		Storage:     env.Storage,
		History:     env.History,
		Batcher:     env.Batcher,
		Listener:    env.Listener,
		Displays:    env.Displays,
		Bus:         env.Bus,
		StatePath:   env.StatePath,
		RequestSave: env.Saver.RequestSave,
		StartCapture: func() error {
			return env.Listener.Start(env.Ctx)
		},
		ClientCount: func() int {
			if env.Server == nil {
				return 0
			}
			return env.Server.ClientCount()
		},
		MouseSuppress: 50 * time.Millisecond,
	})

	srv, err := ipc.NewServer(ipc.DefaultServerConfig(env.SocketPath), env.Handler)
	require.NoError(env.T, err)
	require.NoError(env.T, srv.Start())
	env.Server = srv
	env.startBridge()

	cfg := ipc.DefaultClientConfig(env.SocketPath)
	cfg.ClientName = "integration-test"
	cfg.AutoReconnect = false
	env.Client = ipc.NewClient(cfg)
	require.NoError(env.T, env.Client.Connect())
}

// InitAll wires the full daemon: pipeline, listener, and IPC surface.
func (env *TestEnv) InitAll() {
	env.InitCore()
	env.InitListener()
	env.InitIPC()
}

// startBridge forwards bus events to connected IPC clients the same way
// the daemon's main loop does.
func (env *TestEnv) startBridge() {
	busCh, cancel := env.Bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range busCh {
			et, ok := bridgeEventType(evt.Kind)
			if !ok {
				continue
			}
			wire, err := ipc.NewEvent(et, evt.Payload)
			if err != nil {
				continue
			}
			env.Server.Broadcast(wire)
		}
	}()
	env.bridgeStop = cancel
	env.bridgeDone = done
}

func bridgeEventType(kind events.Kind) (ipc.EventType, bool) {
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

// Cleanup tears the environment down in the daemon's shutdown order, so
// the final day upsert and snapshot write land before handles close.
func (env *TestEnv) Cleanup() {
	if env.Client != nil {
		env.Client.Close()
	}
	if env.Listener != nil {
		_ = env.Listener.Stop()
	}
	if env.Server != nil {
		env.Server.Stop()
	}
	if env.bridgeStop != nil {
		env.bridgeStop()
		<-env.bridgeDone
	}
	if env.Distance != nil {
		env.Distance.Stop()
	}
	if env.Batcher != nil {
		env.Batcher.Close()
	}
	if env.History != nil && env.Storage != nil {
		env.History.UpsertDays([]merit.DailyStats{env.Storage.Today()})
	}
	if env.Saver != nil {
		env.Saver.Close()
	}
	if env.History != nil {
		_ = env.History.Close()
	}
	env.Cancel()
}

// RestoreState loads the state file into the store the way the daemon
// does at boot, then backfills the day archive from it.
func (env *TestEnv) RestoreState() {
	env.T.Helper()

	st, err := snapshot.Load(env.StatePath)
	require.NoError(env.T, err)
	if st != nil {
		env.Storage.SetStats(st.Stats)
		env.Storage.SetSettings(st.Settings)
		env.Storage.SetAchievements(st.Achievements)
		env.Storage.SetWindowPlacements(st.WindowPlacements)
		if st.ClickHeatmap != nil {
			env.Storage.SetHeatmap(st.ClickHeatmap)
		}
	}
	env.Storage.NormalizeLoaded()

	if env.History != nil {
		env.History.ImportHeatmap(env.Storage.HeatmapCopy())
		stats := env.Storage.Stats()
		env.History.UpsertDays(append(stats.History, stats.Today))
	}
}

// TypeKeys simulates one key-down per code.
func (env *TestEnv) TypeKeys(codes ...uint16) {
	env.T.Helper()
	for _, code := range codes {
		require.True(env.T, env.Source.SimulateKeyDown(code, 0), "key event dropped")
	}
}

// Click simulates a left button press at the given point.
func (env *TestEnv) Click(x, y float64) {
	env.T.Helper()
	require.True(env.T, env.Source.SimulateMouseDown(capture.ButtonLeft, x, y), "mouse event dropped")
}

// MoveCursor simulates a cursor move to the given point.
func (env *TestEnv) MoveCursor(x, y float64) {
	env.T.Helper()
	require.True(env.T, env.Source.SimulateMouseMove(x, y), "move event dropped")
}

// WaitTotal blocks until the running total reaches want.
func (env *TestEnv) WaitTotal(want uint64) {
	env.T.Helper()
	require.Eventually(env.T, func() bool {
		return env.Storage.Stats().TotalMerit == want
	}, 2*time.Second, 5*time.Millisecond, "total never reached %d", want)
}

// WaitHeatmapTotal blocks until today's heatmap for a display has seen
// want clicks.
func (env *TestEnv) WaitHeatmapTotal(displayID string, want uint64) {
	env.T.Helper()
	require.Eventually(env.T, func() bool {
		grid := env.Storage.HeatmapGridCopy(displayID, merit.DateKey(time.Now()))
		return grid != nil && grid.TotalClicks == want
	}, 2*time.Second, 5*time.Millisecond, "heatmap for %s never reached %d clicks", displayID, want)
}

// waitForEvent drains a bus subscription until an event of the wanted
// kind arrives.
func waitForEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", kind)
		}
	}
}

// waitForWireEvent drains a client event stream until an event of the
// wanted type arrives.
func waitForWireEvent(t *testing.T, ch <-chan *ipc.Event, et ipc.EventType) *ipc.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed before %s arrived", ipc.EventName(et))
			}
			if ev.Type == et {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", ipc.EventName(et))
		}
	}
}

// tempSocketPath keeps the unix socket path short; t.TempDir can exceed
// the sun_path limit on darwin.
func tempSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "meritd-it-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "meritd.sock")
}

// baseCellOf maps a point on a monitor to its base-grid cell index, for
// asserting where a simulated click should have landed.
func baseCellOf(mon display.Monitor, x, y float64) int {
	cx := int((x - float64(mon.X)) * heatmap.BaseCols / float64(mon.Width))
	cy := int((y - float64(mon.Y)) * heatmap.BaseRows / float64(mon.Height))
	return cy*heatmap.BaseCols + cx
}
