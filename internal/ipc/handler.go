package ipc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"meritd/internal/batcher"
	"meritd/internal/display"
	"meritd/internal/events"
	"meritd/internal/heatmap"
	"meritd/internal/history"
	"meritd/internal/listener"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// DaemonHandler implements Handler for the meritd daemon. It translates
// IPC requests into operations on the counter pipeline: live storage, the
// history database, the input listener, and the batcher.
type DaemonHandler struct {
	mu        sync.RWMutex
	version   string
	startedAt time.Time

	storage  *merit.Storage
	history  *history.DB
	batch    *batcher.Batcher
	capture  *listener.Listener
	displays *display.Cache
	bus      *events.Bus

	statePath string

	requestSave  func()
	startCapture func() error
	clientCount  func() int

	mouseSuppress time.Duration

	// Connection that last reported window bounds; cleared on disconnect.
	boundsOwner string
}

// DaemonHandlerConfig configures the daemon handler.
type DaemonHandlerConfig struct {
	Version   string
	Storage   *merit.Storage
	History   *history.DB
	Batcher   *batcher.Batcher
	Listener  *listener.Listener
	Displays  *display.Cache
	Bus       *events.Bus
	StatePath string

	// RequestSave asks the snapshot saver for a debounced write.
	RequestSave func()

	// StartCapture starts the capture worker under the daemon's lifetime
	// context. Without it the handler starts the listener detached.
	StartCapture func() error

	// ClientCount reports connected IPC clients for status responses.
	ClientCount func() int

	// MouseSuppress is how long OS click capture is muted after an
	// app-origin click, so the same press is not counted twice.
	MouseSuppress time.Duration
}

// NewDaemonHandler creates a new daemon handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.MouseSuppress <= 0 {
		cfg.MouseSuppress = 180 * time.Millisecond
	}
	return &DaemonHandler{
		version:       cfg.Version,
		startedAt:     time.Now(),
		storage:       cfg.Storage,
		history:       cfg.History,
		batch:         cfg.Batcher,
		capture:       cfg.Listener,
		displays:      cfg.Displays,
		bus:           cfg.Bus,
		statePath:     cfg.StatePath,
		requestSave:   cfg.RequestSave,
		startCapture:  cfg.StartCapture,
		clientCount:   cfg.ClientCount,
		mouseSuppress: cfg.MouseSuppress,
	}
}

// HandleMessage processes an IPC message.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)

	case MsgPerfRequest:
		return h.handlePerf(ctx, client, msg)

	case MsgSetPerfEnabled:
		return h.handleSetPerfEnabled(ctx, client, msg)

	case MsgStatsRequest:
		return h.handleStats(ctx, client, msg)

	case MsgRecentDays:
		return h.handleRecentDays(ctx, client, msg)

	case MsgRecentDaysLite:
		return h.handleRecentDaysLite(ctx, client, msg)

	case MsgAggregates:
		return h.handleAggregates(ctx, client, msg)

	case MsgMonitors:
		return h.handleMonitors(ctx, client, msg)

	case MsgHeatmapGrid:
		return h.handleHeatmapGrid(ctx, client, msg)

	case MsgClearHeatmap:
		return h.handleClearHeatmap(ctx, client, msg)

	case MsgAddMerit:
		return h.handleAddMerit(ctx, client, msg)

	case MsgClearHistory:
		return h.handleClearHistory(ctx, client, msg)

	case MsgResetAll:
		return h.handleResetAll(ctx, client, msg)

	case MsgVacuum:
		return h.handleVacuum(ctx, client, msg)

	case MsgGetSettings:
		return h.handleGetSettings(ctx, client, msg)

	case MsgUpdateSettings:
		return h.handleUpdateSettings(ctx, client, msg)

	case MsgListeningStart:
		return h.handleListeningStart(ctx, client, msg)

	case MsgListeningStop:
		return h.handleListeningStop(ctx, client, msg)

	case MsgListeningToggle:
		return h.handleListeningToggle(ctx, client, msg)

	case MsgListeningStatus:
		return h.handleListeningStatus(ctx, client, msg)

	case MsgListenerError:
		return h.handleListenerError(ctx, client, msg)

	case MsgSetWindowBounds:
		return h.handleSetWindowBounds(ctx, client, msg)

	case MsgClearWindowBounds:
		return h.handleClearWindowBounds(ctx, client, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

// HandleDisconnect clears per-connection state when a client goes away.
// Stale window bounds would keep filtering clicks for a window that no
// longer exists.
func (h *DaemonHandler) HandleDisconnect(clientID string) {
	h.mu.Lock()
	owner := h.boundsOwner == clientID
	if owner {
		h.boundsOwner = ""
	}
	h.mu.Unlock()

	if owner && h.capture != nil {
		h.capture.ClearOwnWindowBounds()
	}
}

// handleStatus handles status requests. Available without authentication
// so health checks can probe a running daemon.
func (h *DaemonHandler) handleStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt),
		StatePath: h.statePath,
	}

	if h.capture != nil {
		resp.Listening = h.capture.Enabled()
		resp.CaptureActive = h.capture.Running()
		resp.ListenerError = listenerErrorInfo(h.capture.LastError())
	}

	if h.history != nil {
		resp.HistoryPath = h.history.Path()
		if fi, err := os.Stat(h.history.Path()); err == nil {
			resp.DatabaseSizeBytes = fi.Size()
		}
	}

	if h.clientCount != nil {
		resp.ClientCount = h.clientCount()
	}

	if req.IncludeCounts && h.storage != nil {
		stats := h.storage.StatsLite()
		resp.TotalMerit = stats.TotalMerit
		resp.TodayTotal = stats.Today.Total
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// handlePerf handles pipeline metrics requests
func (h *DaemonHandler) handlePerf(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	m := metrics.GetMetrics()
	if h.history != nil {
		if fi, err := os.Stat(h.history.Path()); err == nil {
			m.SetDatabaseSize(fi.Size())
		}
	}
	return NewResponse(MsgPerfResponse, msg.Header.RequestID, m.Snapshot())
}

// handleSetPerfEnabled switches pipeline metrics recording on or off.
// Disabled metrics freeze in place; nothing resets.
func (h *DaemonHandler) handleSetPerfEnabled(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req SetPerfEnabledRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	metrics.GetMetrics().SetEnabled(req.Enabled)

	return NewResponse(MsgSetPerfEnabledResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// handleStats handles live counter requests
func (h *DaemonHandler) handleStats(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	resp := &StatsResponse{Stats: h.storage.StatsLite()}
	return NewResponse(MsgStatsResponse, msg.Header.RequestID, resp)
}

// maxRecentDays bounds history queries; ~11 years of days.
const maxRecentDays = 4000

// handleRecentDays handles hydrated recent-day queries. Today comes from
// live storage; earlier days come from the history database. A history row
// for today's date is skipped so the live version wins.
func (h *DaemonHandler) handleRecentDays(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	days, errMsg := h.decodeRecentDays(msg)
	if errMsg != nil {
		return errMsg, nil
	}

	out := make([]merit.DailyStats, 0, days)
	if days == 0 {
		return NewResponse(MsgRecentDaysResp, msg.Header.RequestID, &RecentDaysResponse{Days: out})
	}

	today := h.storage.Today()
	out = append(out, today)

	if days > 1 {
		if h.history == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "history not available"), nil
		}
		rows, err := h.history.RecentDays(days - 1)
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
		for _, d := range rows {
			if d.Date == today.Date {
				continue
			}
			out = append(out, d)
			if len(out) >= days {
				break
			}
		}
	}

	return NewResponse(MsgRecentDaysResp, msg.Header.RequestID, &RecentDaysResponse{Days: out})
}

// handleRecentDaysLite handles the lite variant of recent-day queries
func (h *DaemonHandler) handleRecentDaysLite(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	days, errMsg := h.decodeRecentDays(msg)
	if errMsg != nil {
		return errMsg, nil
	}

	out := make([]merit.DailyStatsLite, 0, days)
	if days == 0 {
		return NewResponse(MsgRecentDaysLiteResp, msg.Header.RequestID, &RecentDaysLiteResponse{Days: out})
	}

	today := h.storage.Today()
	out = append(out, today.Lite())

	if days > 1 {
		if h.history == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "history not available"), nil
		}
		rows, err := h.history.RecentDaysLite(days - 1)
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
		for _, d := range rows {
			if d.Date == today.Date {
				continue
			}
			out = append(out, d)
			if len(out) >= days {
				break
			}
		}
	}

	return NewResponse(MsgRecentDaysLiteResp, msg.Header.RequestID, &RecentDaysLiteResponse{Days: out})
}

// decodeRecentDays validates a recent-days request and clamps the count.
func (h *DaemonHandler) decodeRecentDays(msg *Message) (int, *Message) {
	var req RecentDaysRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return 0, NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request")
	}
	if h.storage == nil {
		return 0, NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized")
	}

	days := req.Days
	if days < 0 {
		days = 0
	}
	if days > maxRecentDays {
		days = maxRecentDays
	}
	return days, nil
}

// handleAggregates handles date-range aggregate queries
func (h *DaemonHandler) handleAggregates(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req AggregatesRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	if h.history == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "history not available"), nil
	}

	start := strings.TrimSpace(req.StartKey)
	end := strings.TrimSpace(req.EndKey)
	if start != "" && end != "" && start > end {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid date range: start_key > end_key"), nil
	}

	agg, err := h.history.StatsAggregates(start, end)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	return NewResponse(MsgAggregatesResp, msg.Header.RequestID, &AggregatesResponse{Aggregates: agg})
}

// handleMonitors handles display list requests
func (h *DaemonHandler) handleMonitors(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	resp := &MonitorsResponse{Monitors: []MonitorInfo{}}

	if h.displays != nil {
		mons, version := h.displays.Snapshot()
		resp.Version = version
		for _, m := range mons {
			resp.Monitors = append(resp.Monitors, MonitorInfo{
				ID:          m.ID,
				X:           m.X,
				Y:           m.Y,
				Width:       m.Width,
				Height:      m.Height,
				ScaleFactor: m.ScaleFactor,
			})
		}
	}

	return NewResponse(MsgMonitorsResp, msg.Header.RequestID, resp)
}

// handleHeatmapGrid handles click-grid queries. The stored 256x256 grid is
// resampled to the requested output resolution; out-of-range dimensions
// are clamped rather than rejected.
func (h *DaemonHandler) handleHeatmapGrid(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req HeatmapGridRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if req.DisplayID == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "display_id required"), nil
	}
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	cols := heatmap.ClampDim(req.Cols, heatmap.MinCols, heatmap.MaxCols, heatmap.FallbackCols)
	rows := heatmap.ClampDim(req.Rows, heatmap.MinRows, heatmap.MaxRows, heatmap.FallbackRows)

	resp := &HeatmapGridResponse{
		DisplayID: req.DisplayID,
		Cols:      cols,
		Rows:      rows,
	}

	grid := h.storage.HeatmapGridCopy(req.DisplayID, req.DateKey)
	if grid == nil {
		resp.Counts = make([]uint64, cols*rows)
	} else {
		resp.Counts, resp.Max = heatmap.Resample(grid.Grid, cols, rows)
		resp.TotalClicks = grid.TotalClicks
	}

	return NewResponse(MsgHeatmapGridResp, msg.Header.RequestID, resp)
}

// handleClearHeatmap handles heatmap clear requests
func (h *DaemonHandler) handleClearHeatmap(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req ClearHeatmapRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	if h.history != nil {
		if err := h.history.ClearHeatmap(req.DisplayID, req.DateKey); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
	}
	h.storage.ClearHeatmap(req.DisplayID, req.DateKey)

	h.publish(events.Event{Kind: events.KindHeatmapUpdated, Payload: req.DisplayID})
	h.save()

	return NewResponse(MsgClearHeatmapResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// handleAddMerit handles explicit in-app merit. App-origin clicks mute OS
// mouse capture briefly so the same press is not counted twice.
func (h *DaemonHandler) handleAddMerit(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req AddMeritRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if h.batch == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "pipeline not running"), nil
	}

	count := req.Count
	if count == 0 {
		count = 1
	}

	if req.Source == merit.SourceMouseSingle && h.capture != nil {
		h.capture.SuppressMouseFor(h.mouseSuppress)
	}

	client.mu.Lock()
	appID := client.AppID
	appName := client.Name
	client.mu.Unlock()
	if appID == "" {
		appID = appName
	}

	app := &merit.AppContext{ID: appID}
	if appName != "" {
		app.Name = &appName
	}

	ok := h.batch.Enqueue(merit.Trigger{
		Origin: merit.OriginApp,
		Source: req.Source,
		Count:  count,
		App:    app,
	})

	resp := &AckResponse{Success: ok}
	if !ok {
		resp.Error = "input queue full"
	}
	return NewResponse(MsgAddMeritResp, msg.Header.RequestID, resp)
}

// handleClearHistory clears daily history while keeping the running total
// and heatmaps. The database clears first so a failure cannot leave rows
// that would resurrect cleared days.
func (h *DaemonHandler) handleClearHistory(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	if h.history != nil {
		if err := h.history.ClearDaily(); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
	}
	h.storage.ClearHistory()
	h.markStatsDirty()

	return NewResponse(MsgClearHistoryResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// handleResetAll zeroes every counter including the running total.
// Heatmaps and settings survive; they have their own clear paths.
func (h *DaemonHandler) handleResetAll(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermFullControl {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "full control required"), nil
	}
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	if h.history != nil {
		if err := h.history.ClearDaily(); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
	}
	h.storage.ResetAll()
	h.markStatsDirty()

	return NewResponse(MsgResetAllResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// handleVacuum handles database compaction requests
func (h *DaemonHandler) handleVacuum(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}
	if h.history == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "history not available"), nil
	}

	h.history.Vacuum()
	return NewResponse(MsgVacuumResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// handleGetSettings handles settings read requests
func (h *DaemonHandler) handleGetSettings(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	resp := &SettingsResponse{Settings: h.storage.SettingsCopy()}
	return NewResponse(MsgGetSettingsResp, msg.Header.RequestID, resp)
}

// handleUpdateSettings replaces the settings wholesale. Out-of-range
// values are normalized, not rejected, and the applied settings go back
// to the client.
func (h *DaemonHandler) handleUpdateSettings(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req UpdateSettingsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if h.storage == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "storage not initialized"), nil
	}

	settings := req.Settings
	normalizeSettings(&settings)
	h.storage.SetSettings(settings)

	h.publish(events.Event{Kind: events.KindSettingsUpdated, Payload: settings})
	h.save()

	return NewResponse(MsgUpdateSettingsResp, msg.Header.RequestID, &SettingsResponse{Settings: settings})
}

// handleListeningStart handles listening start requests. A listener that
// failed to start earlier is retried, so a permission grant takes effect
// without restarting the daemon.
func (h *DaemonHandler) handleListeningStart(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}
	if h.capture == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "input capture not available"), nil
	}

	if err := h.ensureCaptureStarted(); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}
	h.capture.SetEnabled(true)

	return NewResponse(MsgListeningResp, msg.Header.RequestID, &ListeningResponse{Listening: h.capture.Enabled()})
}

// handleListeningStop handles listening stop requests
func (h *DaemonHandler) handleListeningStop(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}
	if h.capture == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "input capture not available"), nil
	}

	h.capture.SetEnabled(false)

	return NewResponse(MsgListeningResp, msg.Header.RequestID, &ListeningResponse{Listening: false})
}

// handleListeningToggle handles listening toggle requests
func (h *DaemonHandler) handleListeningToggle(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}
	if h.capture == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "input capture not available"), nil
	}

	if h.capture.Enabled() {
		h.capture.SetEnabled(false)
	} else {
		if err := h.ensureCaptureStarted(); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
		h.capture.SetEnabled(true)
	}

	return NewResponse(MsgListeningResp, msg.Header.RequestID, &ListeningResponse{Listening: h.capture.Enabled()})
}

// handleListeningStatus handles listening status requests
func (h *DaemonHandler) handleListeningStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	listening := h.capture != nil && h.capture.Enabled()
	return NewResponse(MsgListeningResp, msg.Header.RequestID, &ListeningResponse{Listening: listening})
}

// handleListenerError reports the last capture failure
func (h *DaemonHandler) handleListenerError(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	resp := &ListenerErrorResponse{}
	if h.capture != nil {
		resp.Error = listenerErrorInfo(h.capture.LastError())
	}
	return NewResponse(MsgListenerErrorResp, msg.Header.RequestID, resp)
}

// handleSetWindowBounds records where the companion window sits. The
// listener uses the bounds to ignore OS clicks on the window itself, and
// the placement is remembered for the next launch.
func (h *DaemonHandler) handleSetWindowBounds(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	var req WindowBoundsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if h.capture != nil {
		h.capture.SetOwnWindowBounds(req.X, req.Y, req.Width, req.Height)
	}

	h.mu.Lock()
	h.boundsOwner = client.ID
	h.mu.Unlock()

	h.recordPlacement(req.X, req.Y, req.Width, req.Height)

	return NewResponse(MsgSetWindowBoundsResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// handleClearWindowBounds drops the recorded window bounds
func (h *DaemonHandler) handleClearWindowBounds(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	if h.capture != nil {
		h.capture.ClearOwnWindowBounds()
	}

	h.mu.Lock()
	h.boundsOwner = ""
	h.mu.Unlock()

	return NewResponse(MsgClearWindowBoundsResp, msg.Header.RequestID, &AckResponse{Success: true})
}

// ensureCaptureStarted starts the capture worker if it is not running.
func (h *DaemonHandler) ensureCaptureStarted() error {
	if h.capture.Running() {
		return nil
	}
	if h.startCapture != nil {
		return h.startCapture()
	}
	return h.capture.Start(context.Background())
}

// recordPlacement persists the window position, resolved against the
// current display layout so a display-relative restore is possible.
func (h *DaemonHandler) recordPlacement(x, y, w, height float64) {
	if h.storage == nil {
		return
	}

	placement := merit.WindowPlacement{
		X:      int32(x),
		Y:      int32(y),
		Width:  uint32(w),
		Height: uint32(height),
	}

	if h.displays != nil {
		mons, _ := h.displays.Snapshot()
		if mon, _, ok := display.Resolve(mons, display.Physical, x, y); ok {
			name := mon.ID
			placement.DisplayName = &name
			placement.RelX = placement.X - int32(mon.X)
			placement.RelY = placement.Y - int32(mon.Y)
		}
	}

	h.storage.UpdateWindowPlacement("main", placement)
	h.save()
}

// markStatsDirty schedules a stats broadcast and save through the batcher.
func (h *DaemonHandler) markStatsDirty() {
	if h.batch != nil {
		h.batch.MarkStatsDirty()
		return
	}
	if h.storage != nil {
		h.publish(events.Event{Kind: events.KindStatsUpdated, Payload: h.storage.StatsLite()})
	}
	h.save()
}

func (h *DaemonHandler) publish(evt events.Event) {
	if h.bus != nil {
		h.bus.Publish(evt)
	}
}

func (h *DaemonHandler) save() {
	if h.requestSave != nil {
		h.requestSave()
	}
}

// listenerErrorInfo converts a capture error for the wire.
func listenerErrorInfo(e *listener.Error) *ListenerErrorInfo {
	if e == nil {
		return nil
	}
	return &ListenerErrorInfo{
		Code:    string(e.Code),
		Message: e.Message,
	}
}

// allowedScales are the window scale stops the UI offers.
var allowedScales = [...]uint32{50, 75, 100, 125, 150}

// normalizeSettings clamps out-of-range values to the nearest supported
// ones instead of rejecting the update.
func normalizeSettings(s *merit.Settings) {
	s.WindowScale = normalizeScale(s.WindowScale)
	s.KeyboardLayout = normalizeKeyboardLayout(s.KeyboardLayout)

	if s.HeatmapLevels < 5 {
		s.HeatmapLevels = 5
	} else if s.HeatmapLevels > 15 {
		s.HeatmapLevels = 15
	}
}

// normalizeScale snaps to the nearest allowed scale stop.
func normalizeScale(v uint32) uint32 {
	best := allowedScales[0]
	bestDiff := int64(-1)
	for _, s := range allowedScales {
		diff := int64(v) - int64(s)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = s
			bestDiff = diff
		}
	}
	return best
}

// normalizeKeyboardLayout maps legacy names and rejects unknown layouts.
func normalizeKeyboardLayout(layout string) string {
	switch layout {
	case "full_100", "full_104":
		return "full_104"
	case "full_108", "compact_98", "compact_96", "tkl_80",
		"compact_75", "compact_65", "compact_60", "hhkb", "macbook_pro":
		return layout
	default:
		return "tkl_80"
	}
}
