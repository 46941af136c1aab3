package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meritd/internal/display"
	"meritd/internal/merit"
)

func newTestCache(monitors ...display.Monitor) *display.Cache {
	c := display.NewCache(display.StaticProvider{List: monitors})
	if err := c.Refresh(); err != nil {
		panic(err)
	}
	return c
}

func mainMonitor() display.Monitor {
	return display.Monitor{ID: "main", X: 0, Y: 0, Width: 2560, Height: 1440, ScaleFactor: 1}
}

func TestRecordMoveAccumulates(t *testing.T) {
	storage := merit.NewStorage()
	notified := 0
	tr := NewTracker(storage, newTestCache(mainMonitor()), func() { notified++ })

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 300, 400)
	tr.Flush()

	today := storage.Today()
	assert.Equal(t, uint64(500), today.MouseMoveDistancePx)
	assert.Equal(t, uint64(500), today.MouseMoveDistancePxByDisplay["main"])
	assert.Equal(t, 1, notified)
}

func TestFirstSampleOnlySetsReference(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)

	tr.RecordMove(display.Physical, 1000, 1000)
	tr.Flush()

	assert.Zero(t, storage.Today().MouseMoveDistancePx)
}

func TestSubPixelRemainderCarried(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 0.7, 0)
	tr.Flush()
	assert.Zero(t, storage.Today().MouseMoveDistancePx, "0.7 px is below one whole pixel")

	tr.RecordMove(display.Physical, 1.4, 0)
	tr.Flush()
	assert.Equal(t, uint64(1), storage.Today().MouseMoveDistancePx,
		"carried 0.7 px plus 0.7 px crosses the pixel boundary")
}

func TestWarpJumpRejected(t *testing.T) {
	storage := merit.NewStorage()
	cache := newTestCache(
		mainMonitor(),
		display.Monitor{ID: "far", X: 10000, Y: 0, Width: 1920, Height: 1080, ScaleFactor: 1},
	)
	tr := NewTracker(storage, cache, nil)

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 10100, 0)
	tr.Flush()
	assert.Zero(t, storage.Today().MouseMoveDistancePx, "warp must not count as travel")

	// The warp still moved the reference point.
	tr.RecordMove(display.Physical, 10200, 0)
	tr.Flush()
	today := storage.Today()
	assert.Equal(t, uint64(100), today.MouseMoveDistancePx)
	assert.Equal(t, uint64(100), today.MouseMoveDistancePxByDisplay["far"])
}

func TestUnknownDisplayBucket(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)

	tr.RecordMove(display.Physical, 5000, 5000)
	tr.RecordMove(display.Physical, 5300, 5400)
	tr.Flush()

	today := storage.Today()
	assert.Equal(t, uint64(500), today.MouseMoveDistancePx)
	assert.Equal(t, uint64(500), today.MouseMoveDistancePxByDisplay[UnknownDisplay])
}

func TestLogicalCoordinatesScaled(t *testing.T) {
	storage := merit.NewStorage()
	cache := newTestCache(display.Monitor{
		ID: "retina", X: 0, Y: 0, Width: 3840, Height: 2160, ScaleFactor: 2,
	})
	tr := NewTracker(storage, cache, nil)

	// 100 logical px on a 2x monitor is 200 physical px.
	tr.RecordMove(display.Logical, 0, 0)
	tr.RecordMove(display.Logical, 100, 0)
	tr.Flush()

	assert.Equal(t, uint64(200), storage.Today().MouseMoveDistancePxByDisplay["retina"])
}

func TestNonFiniteDropped(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, math.NaN(), 10)
	tr.RecordMove(display.Physical, math.Inf(1), 10)
	tr.RecordMove(display.Physical, 100, 0)
	tr.Flush()

	assert.Equal(t, uint64(100), storage.Today().MouseMoveDistancePx)
}

func TestDisableClearsState(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 500, 0)
	tr.SetEnabled(false)
	tr.Flush()
	assert.Zero(t, storage.Today().MouseMoveDistancePx, "disable drops pending travel")

	tr.RecordMove(display.Physical, 900, 0)
	tr.Flush()
	assert.Zero(t, storage.Today().MouseMoveDistancePx, "samples ignored while disabled")

	// Re-enabling starts from a fresh reference, not the stale one.
	tr.SetEnabled(true)
	tr.RecordMove(display.Physical, 2000, 0)
	tr.RecordMove(display.Physical, 2050, 0)
	tr.Flush()
	assert.Equal(t, uint64(50), storage.Today().MouseMoveDistancePx)
}

func TestRemainderDiscardedWhenDisabledMidFlush(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 1.5, 0)
	tr.enabled.Store(false) // flip the gate without clearing pending
	tr.Flush()
	assert.Equal(t, uint64(1), storage.Today().MouseMoveDistancePx)

	tr.enabled.Store(true)
	tr.Flush()
	assert.Equal(t, uint64(1), storage.Today().MouseMoveDistancePx,
		"the 0.5 px remainder must not survive the disabled flush")
}

func TestMouseToggleGatesApply(t *testing.T) {
	storage := merit.NewStorage()
	settings := storage.SettingsCopy()
	settings.EnableMouseSingle = false
	storage.SetSettings(settings)

	notified := 0
	tr := NewTracker(storage, newTestCache(mainMonitor()), func() { notified++ })

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 300, 400)
	tr.Flush()

	assert.Zero(t, storage.Today().MouseMoveDistancePx)
	assert.Zero(t, notified, "no notification when nothing was applied")
}

func TestMonitorCacheInvalidatedByRefresh(t *testing.T) {
	storage := merit.NewStorage()
	provider := &display.StaticProvider{List: []display.Monitor{
		{ID: "old", X: 0, Y: 0, Width: 1000, Height: 1000, ScaleFactor: 1},
	}}
	cache := display.NewCache(provider)
	require.NoError(t, cache.Refresh())
	tr := NewTracker(storage, cache, nil)

	tr.RecordMove(display.Physical, 10, 10)
	tr.RecordMove(display.Physical, 20, 10)

	provider.List = []display.Monitor{
		{ID: "new", X: 0, Y: 0, Width: 1000, Height: 1000, ScaleFactor: 1},
	}
	require.NoError(t, cache.Refresh())

	tr.RecordMove(display.Physical, 30, 10)
	tr.Flush()

	today := storage.Today()
	assert.Equal(t, uint64(10), today.MouseMoveDistancePxByDisplay["old"])
	assert.Equal(t, uint64(10), today.MouseMoveDistancePxByDisplay["new"],
		"stale cached monitor must not survive a refresh")
}

func TestStartStopFlushesOnStop(t *testing.T) {
	storage := merit.NewStorage()
	tr := NewTracker(storage, newTestCache(mainMonitor()), nil)
	tr.Start()

	tr.RecordMove(display.Physical, 0, 0)
	tr.RecordMove(display.Physical, 0, 250)
	tr.Stop()

	assert.Equal(t, uint64(250), storage.Today().MouseMoveDistancePx)
}
