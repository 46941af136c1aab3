package ipc

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meritd/internal/batcher"
	"meritd/internal/display"
	"meritd/internal/events"
	"meritd/internal/heatmap"
	"meritd/internal/history"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// testEnv bundles a handler with the real pipeline pieces it drives.
type testEnv struct {
	handler *DaemonHandler
	storage *merit.Storage
	history *history.DB
	batch   *batcher.Batcher
	bus     *events.Bus
	saves   *atomic.Int64
}

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()

	storage := merit.NewStorage()
	bus := events.NewBus()
	var saves atomic.Int64

	var db *history.DB
	if withHistory {
		var err error
		db, err = history.Open(filepath.Join(t.TempDir(), "history.db"), history.Config{
			FlushInterval:      20 * time.Millisecond,
			FlushCellThreshold: 4,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
	}

	batch := batcher.New(batcher.Config{
		QueueSize:     64,
		AnimInterval:  10 * time.Millisecond,
		StatsInterval: 10 * time.Millisecond,
		IdleEvict:     100 * time.Millisecond,
	}, storage, bus, func() { saves.Add(1) })
	t.Cleanup(batch.Close)

	handler := NewDaemonHandler(DaemonHandlerConfig{
		Version:     "test",
		Storage:     storage,
		History:     db,
		Batcher:     batch,
		Bus:         bus,
		RequestSave: func() { saves.Add(1) },
		ClientCount: func() int { return 1 },
	})

	return &testEnv{
		handler: handler,
		storage: storage,
		history: db,
		batch:   batch,
		bus:     bus,
		saves:   &saves,
	}
}

func rwClient() *Client {
	return &Client{
		ID:            "conn-test-rw",
		Permission:    PermReadWrite,
		Authenticated: true,
		Name:          "Test UI",
		AppID:         "com.example.testui",
	}
}

func fullClient() *Client {
	c := rwClient()
	c.ID = "conn-test-full"
	c.Permission = PermFullControl
	return c
}

func roClient() *Client {
	c := rwClient()
	c.ID = "conn-test-ro"
	c.Permission = PermReadOnly
	return c
}

// call runs one request through the handler and returns the reply frame.
func call(t *testing.T, h *DaemonHandler, client *Client, msgType MessageType, payload any) *Message {
	t.Helper()
	data, err := Encode(payload)
	require.NoError(t, err)
	resp, err := h.HandleMessage(context.Background(), client, NewMessage(msgType, 1, data))
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func decodeErr(t *testing.T, resp *Message) ErrorResponse {
	t.Helper()
	require.Equal(t, MsgError, resp.Header.Type)
	var er ErrorResponse
	require.NoError(t, Decode(resp.Payload, &er))
	return er
}

func testDay(key string, total uint64) merit.DailyStats {
	day := merit.NewDailyStats(key)
	day.Total = total
	day.Keyboard = total
	day.KeyCounts["a"] = total
	return day
}

func TestStatsReflectsLiveStorage(t *testing.T) {
	env := newTestEnv(t, false)
	env.storage.AddMeritSilent(merit.OriginGlobal, merit.SourceKeyboard, 3, nil, nil)

	resp := call(t, env.handler, roClient(), MsgStatsRequest, nil)

	var result StatsResponse
	require.NoError(t, decodeResponse(resp, MsgStatsResponse, &result))
	assert.Equal(t, uint64(3), result.Stats.TotalMerit)
	assert.Equal(t, uint64(3), result.Stats.Today.Total)
}

func TestStatusIncludesCountsOnRequest(t *testing.T) {
	env := newTestEnv(t, true)
	env.storage.AddMeritSilent(merit.OriginGlobal, merit.SourceMouseSingle, 2, nil, nil)

	resp := call(t, env.handler, roClient(), MsgStatusRequest, &StatusRequest{IncludeCounts: true})

	var status StatusResponse
	require.NoError(t, decodeResponse(resp, MsgStatusResponse, &status))
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, uint64(2), status.TotalMerit)
	assert.Equal(t, uint64(2), status.TodayTotal)
	assert.Equal(t, 1, status.ClientCount)
	assert.False(t, status.Listening)
	assert.NotEmpty(t, status.HistoryPath)
}

func TestRecentDaysLiveTodayWinsOverStoredToday(t *testing.T) {
	env := newTestEnv(t, true)
	env.storage.AddMeritSilent(merit.OriginGlobal, merit.SourceKeyboard, 7, nil, nil)
	todayKey := env.storage.Today().Date

	// A stale row for today must lose to the live version.
	env.history.UpsertDays([]merit.DailyStats{
		testDay(todayKey, 1),
		testDay("2020-01-02", 5),
	})
	require.Eventually(t, func() bool {
		days, err := env.history.RecentDays(10)
		return err == nil && len(days) == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp := call(t, env.handler, roClient(), MsgRecentDays, &RecentDaysRequest{Days: 5})

	var result RecentDaysResponse
	require.NoError(t, decodeResponse(resp, MsgRecentDaysResp, &result))
	require.Len(t, result.Days, 2)
	assert.Equal(t, todayKey, result.Days[0].Date)
	assert.Equal(t, uint64(7), result.Days[0].Total, "live today must win")
	assert.Equal(t, "2020-01-02", result.Days[1].Date)
	assert.Equal(t, uint64(5), result.Days[1].Total)
}

func TestRecentDaysZeroIsEmpty(t *testing.T) {
	env := newTestEnv(t, true)

	for _, days := range []int{0, -3} {
		resp := call(t, env.handler, roClient(), MsgRecentDays, &RecentDaysRequest{Days: days})

		var result RecentDaysResponse
		require.NoError(t, decodeResponse(resp, MsgRecentDaysResp, &result))
		assert.Empty(t, result.Days)
	}
}

func TestRecentDaysLiteSingleDayNeedsNoHistory(t *testing.T) {
	env := newTestEnv(t, false)
	env.storage.AddMeritSilent(merit.OriginGlobal, merit.SourceKeyboard, 4, nil, nil)

	resp := call(t, env.handler, roClient(), MsgRecentDaysLite, &RecentDaysRequest{Days: 1})

	var result RecentDaysLiteResponse
	require.NoError(t, decodeResponse(resp, MsgRecentDaysLiteResp, &result))
	require.Len(t, result.Days, 1)
	assert.Equal(t, uint64(4), result.Days[0].Total)
}

func TestRecentDaysWithoutHistoryErrors(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgRecentDays, &RecentDaysRequest{Days: 7})

	er := decodeErr(t, resp)
	assert.Equal(t, ErrNotInitialized, er.Code)
}

func TestAggregatesRejectsInvertedRange(t *testing.T) {
	env := newTestEnv(t, true)

	resp := call(t, env.handler, roClient(), MsgAggregates, &AggregatesRequest{
		StartKey: "2026-02-01",
		EndKey:   "2026-01-01",
	})

	er := decodeErr(t, resp)
	assert.Equal(t, ErrInvalidRequest, er.Code)
	assert.Contains(t, er.Message, "invalid date range")
}

func TestAggregatesSumsStoredDays(t *testing.T) {
	env := newTestEnv(t, true)
	env.history.UpsertDays([]merit.DailyStats{
		testDay("2026-01-01", 2),
		testDay("2026-01-02", 3),
	})
	require.Eventually(t, func() bool {
		days, err := env.history.RecentDays(10)
		return err == nil && len(days) == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp := call(t, env.handler, roClient(), MsgAggregates, &AggregatesRequest{})

	var result AggregatesResponse
	require.NoError(t, decodeResponse(resp, MsgAggregatesResp, &result))
	require.NotNil(t, result.Aggregates)
	assert.Equal(t, uint64(5), result.Aggregates.KeyCountsAll["a"])
}

func TestHeatmapGridFallbackDimsAndCounts(t *testing.T) {
	env := newTestEnv(t, false)
	env.storage.RecordHeatmapCell("display-1", 0)
	env.storage.RecordHeatmapCell("display-1", 0)
	env.storage.RecordHeatmapCell("display-1", heatmap.BaseLen-1)

	resp := call(t, env.handler, roClient(), MsgHeatmapGrid, &HeatmapGridRequest{DisplayID: "display-1"})

	var result HeatmapGridResponse
	require.NoError(t, decodeResponse(resp, MsgHeatmapGridResp, &result))
	assert.Equal(t, heatmap.FallbackCols, result.Cols)
	assert.Equal(t, heatmap.FallbackRows, result.Rows)
	require.Len(t, result.Counts, heatmap.FallbackCols*heatmap.FallbackRows)
	assert.Equal(t, uint64(3), result.TotalClicks)
	assert.Equal(t, uint64(2), result.Max)
	assert.Equal(t, uint64(2), result.Counts[0], "top-left clicks land in the first output cell")
}

func TestHeatmapGridClampsRequestedDims(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgHeatmapGrid, &HeatmapGridRequest{
		DisplayID: "display-1",
		Cols:      100000,
		Rows:      -5,
	})

	var result HeatmapGridResponse
	require.NoError(t, decodeResponse(resp, MsgHeatmapGridResp, &result))
	assert.Equal(t, heatmap.MaxCols, result.Cols)
	assert.Equal(t, heatmap.MinRows, result.Rows)
	assert.Len(t, result.Counts, heatmap.MaxCols*heatmap.MinRows)
	assert.Zero(t, result.TotalClicks)
}

func TestHeatmapGridRequiresDisplay(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgHeatmapGrid, &HeatmapGridRequest{})

	er := decodeErr(t, resp)
	assert.Equal(t, ErrInvalidRequest, er.Code)
}

func TestClearHeatmapClearsAndNotifies(t *testing.T) {
	env := newTestEnv(t, true)
	env.storage.RecordHeatmapCell("display-1", 42)

	ch, cancel := env.bus.Subscribe(8)
	defer cancel()

	resp := call(t, env.handler, rwClient(), MsgClearHeatmap, &ClearHeatmapRequest{DisplayID: "display-1"})

	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgClearHeatmapResp, &ack))
	assert.True(t, ack.Success)

	grid := env.storage.HeatmapGridCopy("display-1", "")
	if grid != nil {
		assert.Zero(t, grid.TotalClicks)
	}

	select {
	case evt := <-ch:
		assert.Equal(t, events.KindHeatmapUpdated, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no heatmap-updated event")
	}

	assert.Positive(t, env.saves.Load())
}

func TestClearHeatmapRequiresWrite(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgClearHeatmap, nil)

	er := decodeErr(t, resp)
	assert.Equal(t, ErrPermissionDenied, er.Code)
}

func TestAddMeritAttributesToClientApp(t *testing.T) {
	env := newTestEnv(t, false)
	client := rwClient()

	resp := call(t, env.handler, client, MsgAddMerit, &AddMeritRequest{
		Source: merit.SourceMouseSingle,
		Count:  3,
	})

	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgAddMeritResp, &ack))
	assert.True(t, ack.Success)

	env.batch.Close() // flush

	stats := env.storage.Stats()
	assert.Equal(t, uint64(3), stats.TotalMerit)

	app, ok := stats.Today.AppInputCounts["com.example.testui"]
	require.True(t, ok, "merit should be attributed to the client's app id")
	assert.Equal(t, uint64(3), app.Total)
	assert.Equal(t, uint64(3), app.MouseSingle)
	require.NotNil(t, app.Name)
	assert.Equal(t, "Test UI", *app.Name)
}

func TestAddMeritZeroCountMeansOne(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, rwClient(), MsgAddMerit, &AddMeritRequest{Source: merit.SourceKeyboard})

	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgAddMeritResp, &ack))
	assert.True(t, ack.Success)

	env.batch.Close()
	assert.Equal(t, uint64(1), env.storage.StatsLite().TotalMerit)
}

func TestAddMeritRequiresWrite(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgAddMerit, &AddMeritRequest{Source: merit.SourceKeyboard, Count: 1})

	er := decodeErr(t, resp)
	assert.Equal(t, ErrPermissionDenied, er.Code)
}

func TestClearHistoryKeepsToday(t *testing.T) {
	env := newTestEnv(t, true)
	env.storage.AddMeritSilent(merit.OriginGlobal, merit.SourceKeyboard, 5, nil, nil)
	env.history.UpsertDays([]merit.DailyStats{testDay("2020-01-02", 9)})

	require.Eventually(t, func() bool {
		days, err := env.history.RecentDays(10)
		return err == nil && len(days) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := call(t, env.handler, rwClient(), MsgClearHistory, nil)

	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgClearHistoryResp, &ack))
	assert.True(t, ack.Success)

	days, err := env.history.RecentDays(10)
	require.NoError(t, err)
	assert.Empty(t, days, "stored days should be gone")

	stats := env.storage.StatsLite()
	assert.Equal(t, uint64(5), stats.Today.Total, "today survives a history clear")
	assert.Equal(t, uint64(5), stats.TotalMerit, "total recomputed from today")
}

func TestResetAllNeedsFullControl(t *testing.T) {
	env := newTestEnv(t, false)
	env.storage.AddMeritSilent(merit.OriginGlobal, merit.SourceKeyboard, 5, nil, nil)

	resp := call(t, env.handler, rwClient(), MsgResetAll, nil)
	er := decodeErr(t, resp)
	assert.Equal(t, ErrPermissionDenied, er.Code)

	resp = call(t, env.handler, fullClient(), MsgResetAll, nil)
	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgResetAllResp, &ack))
	assert.True(t, ack.Success)

	stats := env.storage.StatsLite()
	assert.Zero(t, stats.TotalMerit)
	assert.Zero(t, stats.Today.Total)
}

func TestVacuumWithoutHistoryErrors(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, rwClient(), MsgVacuum, nil)

	er := decodeErr(t, resp)
	assert.Equal(t, ErrNotInitialized, er.Code)
}

func TestGetSettingsDefaults(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgGetSettings, nil)

	var result SettingsResponse
	require.NoError(t, decodeResponse(resp, MsgGetSettingsResp, &result))
	assert.Equal(t, "rosewood", result.Settings.WoodenFishSkin)
	assert.Equal(t, "tkl_80", result.Settings.KeyboardLayout)
	assert.True(t, result.Settings.EnableKeyboard)
}

func TestUpdateSettingsNormalizes(t *testing.T) {
	env := newTestEnv(t, false)

	ch, cancel := env.bus.Subscribe(8)
	defer cancel()

	in := merit.DefaultSettings()
	in.WindowScale = 93
	in.KeyboardLayout = "bogus_layout"
	in.HeatmapLevels = 99

	resp := call(t, env.handler, rwClient(), MsgUpdateSettings, &UpdateSettingsRequest{Settings: in})

	var result SettingsResponse
	require.NoError(t, decodeResponse(resp, MsgUpdateSettingsResp, &result))
	assert.Equal(t, uint32(100), result.Settings.WindowScale)
	assert.Equal(t, "tkl_80", result.Settings.KeyboardLayout)
	assert.Equal(t, uint8(15), result.Settings.HeatmapLevels)

	stored := env.storage.SettingsCopy()
	assert.Equal(t, result.Settings.WindowScale, stored.WindowScale)

	select {
	case evt := <-ch:
		assert.Equal(t, events.KindSettingsUpdated, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no settings-updated event")
	}

	assert.Positive(t, env.saves.Load())
}

func TestUpdateSettingsLegacyLayoutMapsForward(t *testing.T) {
	env := newTestEnv(t, false)

	in := merit.DefaultSettings()
	in.KeyboardLayout = "full_100"
	in.HeatmapLevels = 1

	resp := call(t, env.handler, rwClient(), MsgUpdateSettings, &UpdateSettingsRequest{Settings: in})

	var result SettingsResponse
	require.NoError(t, decodeResponse(resp, MsgUpdateSettingsResp, &result))
	assert.Equal(t, "full_104", result.Settings.KeyboardLayout)
	assert.Equal(t, uint8(5), result.Settings.HeatmapLevels)
}

func TestListeningWithoutCapture(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgListeningStatus, nil)
	var result ListeningResponse
	require.NoError(t, decodeResponse(resp, MsgListeningResp, &result))
	assert.False(t, result.Listening)

	resp = call(t, env.handler, rwClient(), MsgListeningStart, nil)
	er := decodeErr(t, resp)
	assert.Equal(t, ErrNotInitialized, er.Code)
}

func TestListenerErrorNilWithoutCapture(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgListenerError, nil)

	var result ListenerErrorResponse
	require.NoError(t, decodeResponse(resp, MsgListenerErrorResp, &result))
	assert.Nil(t, result.Error)
}

func TestMonitorsFromDisplayCache(t *testing.T) {
	cache := display.NewCache(display.StaticProvider{List: []display.Monitor{
		{ID: "display-1", X: 0, Y: 0, Width: 1920, Height: 1080, ScaleFactor: 1.0},
		{ID: "display-2", X: 1920, Y: 0, Width: 2560, Height: 1440, ScaleFactor: 2.0},
	}})
	require.NoError(t, cache.Refresh())

	env := newTestEnv(t, false)
	env.handler.displays = cache

	resp := call(t, env.handler, roClient(), MsgMonitors, nil)

	var result MonitorsResponse
	require.NoError(t, decodeResponse(resp, MsgMonitorsResp, &result))
	require.Len(t, result.Monitors, 2)
	assert.Equal(t, "display-1", result.Monitors[0].ID)
	assert.Equal(t, uint32(2560), result.Monitors[1].Width)
	assert.Equal(t, 2.0, result.Monitors[1].ScaleFactor)
	assert.Positive(t, result.Version)
}

func TestWindowBoundsOwnershipClearedOnDisconnect(t *testing.T) {
	env := newTestEnv(t, false)
	client := rwClient()

	resp := call(t, env.handler, client, MsgSetWindowBounds, &WindowBoundsRequest{
		X: 100, Y: 200, Width: 300, Height: 400,
	})
	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgSetWindowBoundsResp, &ack))
	assert.True(t, ack.Success)

	placement, ok := env.storage.WindowPlacements()["main"]
	require.True(t, ok)
	assert.Equal(t, int32(100), placement.X)
	assert.Equal(t, uint32(300), placement.Width)

	env.handler.mu.RLock()
	owner := env.handler.boundsOwner
	env.handler.mu.RUnlock()
	assert.Equal(t, client.ID, owner)

	env.handler.HandleDisconnect(client.ID)

	env.handler.mu.RLock()
	owner = env.handler.boundsOwner
	env.handler.mu.RUnlock()
	assert.Empty(t, owner)
}

func TestWindowBoundsPlacementResolvesDisplay(t *testing.T) {
	cache := display.NewCache(display.StaticProvider{List: []display.Monitor{
		{ID: "display-1", X: 0, Y: 0, Width: 1920, Height: 1080, ScaleFactor: 1.0},
		{ID: "display-2", X: 1920, Y: 0, Width: 1920, Height: 1080, ScaleFactor: 1.0},
	}})
	require.NoError(t, cache.Refresh())

	env := newTestEnv(t, false)
	env.handler.displays = cache

	call(t, env.handler, rwClient(), MsgSetWindowBounds, &WindowBoundsRequest{
		X: 2000, Y: 100, Width: 300, Height: 400,
	})

	placement := env.storage.WindowPlacements()["main"]
	require.NotNil(t, placement.DisplayName)
	assert.Equal(t, "display-2", *placement.DisplayName)
	assert.Equal(t, int32(80), placement.RelX)
	assert.Equal(t, int32(100), placement.RelY)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, fullClient(), MessageType(0x7777), nil)

	er := decodeErr(t, resp)
	assert.Equal(t, ErrInvalidRequest, er.Code)
	assert.Contains(t, er.Message, "unknown message type")
}

func TestPerfSnapshotNotEmpty(t *testing.T) {
	env := newTestEnv(t, false)

	resp := call(t, env.handler, roClient(), MsgPerfRequest, nil)

	var perf map[string]any
	require.NoError(t, decodeResponse(resp, MsgPerfResponse, &perf))
	assert.NotEmpty(t, perf)
}

func TestSetPerfEnabledTogglesRecording(t *testing.T) {
	env := newTestEnv(t, false)
	t.Cleanup(func() { metrics.GetMetrics().SetEnabled(true) })

	resp := call(t, env.handler, roClient(), MsgSetPerfEnabled, &SetPerfEnabledRequest{Enabled: false})
	er := decodeErr(t, resp)
	assert.Equal(t, ErrPermissionDenied, er.Code)

	resp = call(t, env.handler, rwClient(), MsgSetPerfEnabled, &SetPerfEnabledRequest{Enabled: false})
	var ack AckResponse
	require.NoError(t, decodeResponse(resp, MsgSetPerfEnabledResp, &ack))
	assert.True(t, ack.Success)

	resp = call(t, env.handler, roClient(), MsgPerfRequest, nil)
	var perf map[string]any
	require.NoError(t, decodeResponse(resp, MsgPerfResponse, &perf))
	assert.Equal(t, false, perf["enabled"])

	resp = call(t, env.handler, rwClient(), MsgSetPerfEnabled, &SetPerfEnabledRequest{Enabled: true})
	require.NoError(t, decodeResponse(resp, MsgSetPerfEnabledResp, &ack))

	resp = call(t, env.handler, roClient(), MsgPerfRequest, nil)
	require.NoError(t, decodeResponse(resp, MsgPerfResponse, &perf))
	assert.Equal(t, true, perf["enabled"])
}
