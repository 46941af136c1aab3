// Package listener turns raw capture events into countable triggers.
//
// One worker goroutine drains the capture source. A key press becomes a
// keyboard trigger carrying the canonical key name, shift state, and
// shortcut identity; a button press seeds the click heatmap and becomes a
// mouse trigger; a cursor move feeds the distance tracker. The worker owns
// all classification state, so nothing here needs a lock except the two
// values other goroutines push in: the last capture error and the
// companion window's bounds.
package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"meritd/internal/activeapp"
	"meritd/internal/batcher"
	"meritd/internal/capture"
	"meritd/internal/display"
	"meritd/internal/distance"
	"meritd/internal/events"
	"meritd/internal/heatmap"
	"meritd/internal/history"
	"meritd/internal/keycode"
	"meritd/internal/logging"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// ErrorCode names a capture failure in the vocabulary the query surface
// serializes.
type ErrorCode string

const (
	// CodePermissionRequired means the OS denied input monitoring and a
	// human has to grant it before capture can work.
	CodePermissionRequired ErrorCode = "permission_required"
	// CodeListenFailed covers every other capture startup failure.
	CodeListenFailed ErrorCode = "listen_failed"
)

// Error is the capture failure clients render to the user.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// AppResolver names the frontmost application a trigger is attributed to.
// *activeapp.Tracker satisfies it.
type AppResolver interface {
	CurrentOrUnknown() activeapp.Context
}

// Config wires a Listener. Source, Storage, Batcher, and Displays are
// required; the rest degrade to no-ops when nil.
type Config struct {
	Source   capture.Source
	Storage  *merit.Storage
	Batcher  *batcher.Batcher
	Displays *display.Cache

	// History receives per-click heatmap deltas alongside the in-memory
	// grid, so the database stays current without replaying snapshots.
	History *history.DB
	// Distance accumulates cursor travel from move events.
	Distance *distance.Tracker
	// Apps attributes triggers to the frontmost application; nil
	// attributes everything to the unknown bucket.
	Apps AppResolver
	// Bus receives heatmap, listening-state, and capture-error events.
	Bus *events.Bus
	// RequestSave schedules a state snapshot after a heatmap change.
	RequestSave func()
}

// Listener owns the classification worker between the capture source and
// the batcher.
type Listener struct {
	source      capture.Source
	storage     *merit.Storage
	batcher     *batcher.Batcher
	history     *history.DB
	mapper      *heatmap.Mapper
	distance    *distance.Tracker
	apps        AppResolver
	bus         *events.Bus
	requestSave func()

	// space is the coordinate space the platform source reports cursor
	// positions in; mapCode translates its keycodes to canonical names.
	space   display.Space
	mapCode func(uint16) (string, bool)

	enabled       atomic.Bool
	suppressUntil atomic.Int64 // unix ms; mouse counting resumes after

	errMu   sync.Mutex
	lastErr *Error

	boundsMu sync.Mutex
	bounds   *windowBounds

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type unknownApps struct{}

func (unknownApps) CurrentOrUnknown() activeapp.Context {
	return activeapp.Unknown()
}

// New creates a listener. Counting starts enabled.
func New(cfg Config) *Listener {
	apps := cfg.Apps
	if apps == nil {
		apps = unknownApps{}
	}
	save := cfg.RequestSave
	if save == nil {
		save = func() {}
	}

	l := &Listener{
		source:      cfg.Source,
		storage:     cfg.Storage,
		batcher:     cfg.Batcher,
		history:     cfg.History,
		mapper:      heatmap.NewMapper(cfg.Displays),
		distance:    cfg.Distance,
		apps:        apps,
		bus:         cfg.Bus,
		requestSave: save,
		space:       platformSpace(),
		mapCode:     platformMapCode,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	l.enabled.Store(true)
	return l
}

// Start begins capture and launches the classification worker. A failure
// is recorded as the listener's last error and published on the bus; Start
// may be called again after a failed attempt.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.source.Start(ctx); err != nil {
		lerr := classifyStartError(err)
		l.setError(lerr)
		l.publish(events.Event{Kind: events.KindListenerError, Payload: lerr})
		metrics.GetMetrics().RecordError()
		logging.Error("input capture start failed", "code", lerr.Code, "error", err)
		return err
	}

	l.clearError()
	l.started.Store(true)
	go l.run(ctx)
	logging.Info("input listener started", "space", l.space.String())
	return nil
}

// Stop ends capture and waits for the worker to drain.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		err = l.source.Stop()
		if l.started.Load() {
			<-l.done
		}
	})
	return err
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	evs := l.source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case ev := <-evs:
			l.handle(ev)
		}
	}
}

func (l *Listener) handle(ev capture.RawEvent) {
	m := metrics.GetMetrics()
	switch ev.Kind {
	case capture.KindKeyDown:
		m.RecordKeyEvent()
		if !l.enabled.Load() {
			return
		}
		l.handleKey(ev)
	case capture.KindMouseDown:
		m.RecordClickEvent()
		if !l.enabled.Load() {
			return
		}
		l.handleClick(ev)
	case capture.KindMouseMove:
		m.RecordMoveEvent()
		if !l.enabled.Load() {
			return
		}
		if l.distance != nil {
			l.distance.RecordMove(l.space, ev.X, ev.Y)
		}
	}
}

func (l *Listener) handleKey(ev capture.RawEvent) {
	// Unmapped keycodes still count; they just carry no per-key detail.
	code, _ := l.mapCode(ev.Keycode)

	shift := ev.Flags&capture.FlagShift != 0
	caps := ev.Flags&capture.FlagAlphaShift != 0
	ctrl := ev.Flags&capture.FlagControl != 0
	alt := ev.Flags&capture.FlagAlternate != 0
	meta := ev.Flags&capture.FlagCommand != 0

	tr := merit.Trigger{
		Origin:    merit.OriginGlobal,
		Source:    merit.SourceKeyboard,
		Count:     1,
		KeyCode:   code,
		IsShifted: keycode.EffectiveShifted(code, shift, caps),
		App:       l.currentApp(),
	}
	if code != "" && !keycode.IsModifier(code) && (ctrl || alt || meta) {
		// Shortcut identity uses the raw shift state, not the effective
		// one: CapsLock must not turn Meta+KeyS into a different chord.
		tr.ShortcutID = keycode.ShortcutID(meta, ctrl, alt, shift, code)
	}
	l.batcher.Enqueue(tr)
}

func (l *Listener) handleClick(ev capture.RawEvent) {
	// The heatmap sees every click, including the ones counting ignores
	// below: it answers "where do clicks land", not "what earned merit".
	l.recordHeatmap(ev.X, ev.Y)

	if time.Now().UnixMilli() < l.suppressUntil.Load() {
		return
	}
	if l.clickOnOwnWindow(ev.X, ev.Y) {
		return
	}

	var code string
	switch ev.Button {
	case capture.ButtonLeft:
		code = "MouseLeft"
	case capture.ButtonRight:
		code = "MouseRight"
	}
	l.batcher.Enqueue(merit.Trigger{
		Origin:  merit.OriginGlobal,
		Source:  merit.SourceMouseSingle,
		Count:   1,
		KeyCode: code,
		App:     l.currentApp(),
	})
}

func (l *Listener) recordHeatmap(x, y float64) {
	displayID, idx, ok := l.mapper.Map(l.space, x, y)
	if !ok {
		return
	}
	if !l.storage.RecordHeatmapCell(displayID, idx) {
		return
	}
	metrics.GetMetrics().RecordHeatmapClick()
	if l.history != nil {
		l.history.RecordClick(displayID, idx)
	}
	l.publish(events.Event{Kind: events.KindHeatmapUpdated, Payload: displayID})
	l.requestSave()
}

func (l *Listener) currentApp() *merit.AppContext {
	app := l.apps.CurrentOrUnknown()
	return &merit.AppContext{ID: app.ID, Name: app.Name}
}

// SetEnabled flips the counting gate. The capture source keeps running
// either way; disabled events are drained and dropped so re-enabling is
// instant. Enabling clears the last capture error.
func (l *Listener) SetEnabled(enabled bool) {
	if enabled {
		l.clearError()
	}
	if l.enabled.Swap(enabled) == enabled {
		return
	}
	l.publish(events.Event{Kind: events.KindListeningChanged, Payload: enabled})
	logging.Info("listening state changed", "enabled", enabled)
}

// Enabled reports whether events currently count.
func (l *Listener) Enabled() bool {
	return l.enabled.Load()
}

// Running reports whether capture is active. False after a failed Start,
// in which case Start may be retried once the cause is fixed.
func (l *Listener) Running() bool {
	return l.started.Load()
}

// SuppressMouseFor pauses global mouse counting for the given window.
// In-app taps call this so the physical click behind them is not counted
// twice. A shorter window never truncates a longer one already running.
func (l *Listener) SuppressMouseFor(d time.Duration) {
	until := time.Now().Add(d).UnixMilli()
	for {
		cur := l.suppressUntil.Load()
		if until <= cur || l.suppressUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

// windowBounds is the companion window's rectangle in the capture
// source's coordinate space.
type windowBounds struct {
	x, y, width, height float64
}

func (b windowBounds) contains(x, y float64) bool {
	return x >= b.x && x < b.x+b.width && y >= b.y && y < b.y+b.height
}

// SetOwnWindowBounds records where the companion window sits; clicks
// inside it stop counting. The companion pushes fresh bounds whenever its
// window moves or resizes.
func (l *Listener) SetOwnWindowBounds(x, y, width, height float64) {
	l.boundsMu.Lock()
	l.bounds = &windowBounds{x: x, y: y, width: width, height: height}
	l.boundsMu.Unlock()
}

// ClearOwnWindowBounds forgets the companion window, typically when it
// disconnects. Every click counts again.
func (l *Listener) ClearOwnWindowBounds() {
	l.boundsMu.Lock()
	l.bounds = nil
	l.boundsMu.Unlock()
}

func (l *Listener) clickOnOwnWindow(x, y float64) bool {
	if l.storage.SettingsCopy().WindowPassThrough {
		// Pass-through windows forward clicks to whatever is beneath
		// them, so those clicks are real and count.
		return false
	}
	l.boundsMu.Lock()
	b := l.bounds
	l.boundsMu.Unlock()
	return b != nil && b.contains(x, y)
}

// LastError returns the most recent capture failure, or nil.
func (l *Listener) LastError() *Error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.lastErr == nil {
		return nil
	}
	e := *l.lastErr
	return &e
}

func (l *Listener) setError(e *Error) {
	l.errMu.Lock()
	l.lastErr = e
	l.errMu.Unlock()
}

func (l *Listener) clearError() {
	l.errMu.Lock()
	l.lastErr = nil
	l.errMu.Unlock()
}

func (l *Listener) publish(evt events.Event) {
	if l.bus != nil {
		l.bus.Publish(evt)
	}
}

func classifyStartError(err error) *Error {
	code := CodeListenFailed
	if errors.Is(err, capture.ErrPermissionRequired) {
		code = CodePermissionRequired
	}
	return &Error{Code: code, Message: err.Error()}
}
