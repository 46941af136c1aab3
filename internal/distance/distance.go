// Package distance accumulates cursor travel per display and applies it to
// the merit store in whole pixels.
//
// Travel is summed in fixed-point millipixels so sub-pixel movement between
// flushes is not lost; the remainder is carried to the next flush while
// tracking stays enabled. Monitor resolution reuses one cached monitor per
// tracker, revalidated against the display cache version, because the vast
// majority of consecutive samples land on the same screen.
package distance

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"meritd/internal/display"
	"meritd/internal/logging"
	"meritd/internal/merit"
)

const (
	// milliPerPixel is the fixed-point scale for sub-pixel accumulation.
	milliPerPixel = 1000

	// maxJumpPx is the largest per-axis delta accepted as real movement.
	// Larger deltas are cursor warps (display hops, remote control,
	// focus-follows teleports) and only reset the reference position.
	maxJumpPx = 2400.0

	// UnknownDisplay buckets travel that no monitor claims.
	UnknownDisplay = "unknown"

	flushInterval          = 650 * time.Millisecond
	idleFlushInterval      = 2 * time.Second
	monitorRefreshInterval = 30 * time.Second
)

type position struct {
	x, y float64
}

// Tracker turns a stream of absolute cursor positions into per-display
// distance totals. RecordMove is called from the capture thread; the flush
// loop runs on its own goroutine.
type Tracker struct {
	storage  *merit.Storage
	displays *display.Cache
	notify   func()

	enabled atomic.Bool

	mu      sync.Mutex
	last    *position
	pending map[string]int64

	// Single-entry monitor cache, valid while cacheVer matches the display
	// cache version. Worker state, guarded by mu like the rest.
	cacheMon   display.Monitor
	cacheSpace display.Space
	cacheOK    bool
	cacheVer   uint64

	stop chan struct{}
	done chan struct{}
}

// NewTracker creates a tracker that applies flushed pixels to storage.
// notify is invoked after a flush that applied at least one pixel; it may be
// nil.
func NewTracker(storage *merit.Storage, displays *display.Cache, notify func()) *Tracker {
	t := &Tracker{
		storage:  storage,
		displays: displays,
		notify:   notify,
		pending:  make(map[string]int64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

// SetEnabled toggles tracking. Disabling drops the reference position and any
// accumulated millipixels so a later enable starts from a clean slate.
func (t *Tracker) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
	if !enabled {
		t.mu.Lock()
		t.last = nil
		t.pending = make(map[string]int64)
		t.mu.Unlock()
	}
}

// Enabled reports whether the tracker is accepting samples.
func (t *Tracker) Enabled() bool {
	return t.enabled.Load()
}

// RecordMove accumulates travel from the previous cursor sample to (x, y).
// The coordinates are absolute in the given space; non-finite values are
// dropped.
func (t *Tracker) RecordMove(space display.Space, x, y float64) {
	if !t.enabled.Load() {
		return
	}
	if !finite(x) || !finite(y) {
		return
	}

	monitors, version := t.displays.Snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cacheVer != version {
		t.cacheOK = false
		t.cacheVer = version
	}

	id, px, py := t.resolveLocked(monitors, space, x, y)

	if t.last != nil {
		dx := px - t.last.x
		dy := py - t.last.y
		if math.Abs(dx) <= maxJumpPx && math.Abs(dy) <= maxJumpPx {
			if dist := math.Hypot(dx, dy); dist > 0 {
				t.pending[id] += int64(math.Round(dist * milliPerPixel))
			}
		}
	}
	t.last = &position{x: px, y: py}
}

// resolveLocked finds the monitor for (x, y) and returns its ID plus the
// point in absolute physical pixels. Unmatched points keep their raw
// coordinates under the unknown bucket.
func (t *Tracker) resolveLocked(monitors []display.Monitor, space display.Space, x, y float64) (string, float64, float64) {
	if t.cacheOK && t.cacheMon.Contains(t.cacheSpace, x, y) {
		px, py := physical(t.cacheMon, t.cacheSpace, x, y)
		return t.cacheMon.ID, px, py
	}

	mon, matched, ok := display.Resolve(monitors, space, x, y)
	if !ok {
		t.cacheOK = false
		return UnknownDisplay, x, y
	}
	t.cacheMon = mon
	t.cacheSpace = matched
	t.cacheOK = true
	px, py := physical(mon, matched, x, y)
	return mon.ID, px, py
}

func physical(m display.Monitor, space display.Space, x, y float64) (float64, float64) {
	if space == display.Logical {
		return m.PhysicalFromLogical(x, y)
	}
	return x, y
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Start launches the flush loop. It refreshes the display cache once up
// front so the first samples resolve against current geometry.
func (t *Tracker) Start() {
	if err := t.displays.Refresh(); err != nil {
		logging.Warn("initial monitor refresh failed", "error", err)
	}
	go t.run()
}

// Stop terminates the flush loop after a final drain.
func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Tracker) run() {
	defer close(t.done)

	lastRefresh := time.Now()
	timer := time.NewTimer(t.interval())
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			t.Flush()
			return
		case <-timer.C:
			if time.Since(lastRefresh) >= monitorRefreshInterval {
				if err := t.displays.Refresh(); err != nil {
					logging.Warn("monitor refresh failed", "error", err)
				}
				lastRefresh = time.Now()
			}
			t.Flush()
			timer.Reset(t.interval())
		}
	}
}

// interval picks the flush cadence: frequent while enabled, relaxed while
// disabled since pending stays empty then.
func (t *Tracker) interval() time.Duration {
	if t.enabled.Load() {
		return flushInterval
	}
	return idleFlushInterval
}

// Flush drains accumulated travel into the store. Whole pixels are applied
// per display; millipixel remainders are carried forward only while the
// tracker is still enabled, so a disable between flushes discards them.
func (t *Tracker) Flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]int64)
	t.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	applied := false
	remainders := make(map[string]int64, len(pending))
	for id, millis := range pending {
		if millis <= 0 {
			continue
		}
		if px := millis / milliPerPixel; px > 0 {
			if t.storage.AddMouseDistanceSilent(id, uint64(px)) {
				applied = true
			}
		}
		if rem := millis % milliPerPixel; rem > 0 {
			remainders[id] = rem
		}
	}

	if len(remainders) > 0 && t.enabled.Load() {
		t.mu.Lock()
		for id, rem := range remainders {
			t.pending[id] += rem
		}
		t.mu.Unlock()
	}

	if applied && t.notify != nil {
		t.notify()
	}
}
