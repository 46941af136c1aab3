package heatmap

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meritd/internal/display"
)

func TestRecordCellBothGrids(t *testing.T) {
	s := NewState()
	for i := 0; i < 5; i++ {
		require.True(t, s.RecordCell("main", "2026-08-25", 1234))
	}

	total := s.Display("main")
	require.NotNil(t, total)
	assert.Equal(t, uint32(5), total.Grid[1234])
	assert.Equal(t, uint64(5), total.TotalClicks)

	day := s.DisplayForDate("main", "2026-08-25")
	require.NotNil(t, day)
	assert.Equal(t, uint32(5), day.Grid[1234])
	assert.Equal(t, uint64(5), day.TotalClicks)
}

func TestRecordCellRejectsOutOfRange(t *testing.T) {
	s := NewState()
	assert.False(t, s.RecordCell("main", "2026-08-25", -1))
	assert.False(t, s.RecordCell("main", "2026-08-25", BaseLen))
	assert.Nil(t, s.Display("main"))
}

func TestRecordCellSaturates(t *testing.T) {
	s := NewState()
	require.True(t, s.RecordCell("main", "2026-08-25", 0))
	s.Displays["main"].Grid[0] = ^uint32(0)
	s.Displays["main"].TotalClicks = ^uint64(0)
	require.True(t, s.RecordCell("main", "2026-08-25", 0))
	assert.Equal(t, ^uint32(0), s.Displays["main"].Grid[0])
	assert.Equal(t, ^uint64(0), s.Displays["main"].TotalClicks)
}

func TestDailyCapEvictsOldest(t *testing.T) {
	s := NewState()
	for i := 0; i < MaxDailyDays+10; i++ {
		key := fmt.Sprintf("2026-01-%02d", i+1)
		if i >= 30 {
			key = fmt.Sprintf("2026-02-%02d", i-29)
		}
		require.True(t, s.RecordCell("main", key, 0))
	}
	assert.LessOrEqual(t, len(s.Daily), MaxDailyDays)
	assert.NotContains(t, s.Daily, "2026-01-01")
	keys := s.DailyKeys()
	assert.Equal(t, len(s.Daily), len(keys))
}

func TestClearCombinations(t *testing.T) {
	build := func() *State {
		s := NewState()
		s.RecordCell("a", "2026-08-24", 1)
		s.RecordCell("a", "2026-08-25", 2)
		s.RecordCell("b", "2026-08-25", 3)
		return s
	}

	s := build()
	s.Clear("", "")
	assert.Empty(t, s.Displays)
	assert.Empty(t, s.Daily)

	s = build()
	s.Clear("", "2026-08-25")
	assert.NotNil(t, s.Display("a"))
	assert.Nil(t, s.DisplayForDate("a", "2026-08-25"))
	assert.NotNil(t, s.DisplayForDate("a", "2026-08-24"))

	s = build()
	s.Clear("a", "")
	assert.Nil(t, s.Display("a"))
	assert.NotNil(t, s.Display("b"))
	assert.NotNil(t, s.DisplayForDate("a", "2026-08-25"), "daily history survives an all-time display clear")

	s = build()
	s.Clear("a", "2026-08-25")
	assert.NotNil(t, s.Display("a"))
	assert.Nil(t, s.DisplayForDate("a", "2026-08-25"))
	assert.NotNil(t, s.DisplayForDate("b", "2026-08-25"))

	// Removing the last display of a day drops the day entry.
	s.Clear("b", "2026-08-25")
	assert.NotContains(t, s.Daily, "2026-08-25")
}

func TestSparseRoundTrip(t *testing.T) {
	s := NewState()
	s.RecordCell("main", "2026-08-25", 0)
	s.RecordCell("main", "2026-08-25", 100)
	s.RecordCell("main", "2026-08-25", 100)
	s.RecordCell("main", "2026-08-25", BaseLen-1)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	// Zero cells must not appear in the serialized form.
	assert.Less(t, len(data), 4096, "sparse encoding should stay small")

	var back State
	require.NoError(t, json.Unmarshal(data, &back))
	grid := back.Display("main")
	require.NotNil(t, grid)
	assert.Equal(t, uint32(1), grid.Grid[0])
	assert.Equal(t, uint32(2), grid.Grid[100])
	assert.Equal(t, uint32(1), grid.Grid[BaseLen-1])
	assert.Equal(t, uint64(4), grid.TotalClicks)

	day := back.DisplayForDate("main", "2026-08-25")
	require.NotNil(t, day)
	assert.Equal(t, uint32(2), day.Grid[100])
}

func TestDecodeRejectsOutOfRangeIndex(t *testing.T) {
	payload := fmt.Sprintf(`{"grid":[{"idx":%d,"count":1}],"total_clicks":1}`, BaseLen)
	var g DisplayGrid
	err := json.Unmarshal([]byte(payload), &g)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "out of bounds"))
}

func TestResamplePreservesTotal(t *testing.T) {
	grid := make([]uint32, BaseLen)
	var total uint64
	for i := 0; i < BaseLen; i += 97 {
		grid[i] = uint32(i%13 + 1)
		total += uint64(grid[i])
	}

	for _, dims := range [][2]int{{64, 36}, {8, 6}, {240, 180}, {13, 7}} {
		out, max := Resample(grid, dims[0], dims[1])
		var sum uint64
		var seenMax uint64
		for _, v := range out {
			sum += v
			if v > seenMax {
				seenMax = v
			}
		}
		assert.Equal(t, total, sum, "dims %v", dims)
		assert.Equal(t, seenMax, max, "dims %v", dims)
	}
}

func TestClampDim(t *testing.T) {
	assert.Equal(t, FallbackCols, ClampDim(0, MinCols, MaxCols, FallbackCols))
	assert.Equal(t, MinCols, ClampDim(1, MinCols, MaxCols, FallbackCols))
	assert.Equal(t, MaxCols, ClampDim(999, MinCols, MaxCols, FallbackCols))
	assert.Equal(t, 64, ClampDim(64, MinCols, MaxCols, FallbackCols))
}

func newMapperCache(monitors ...display.Monitor) *display.Cache {
	c := display.NewCache(display.StaticProvider{List: monitors})
	if err := c.Refresh(); err != nil {
		panic(err)
	}
	return c
}

func TestMapperBucketsClicks(t *testing.T) {
	cache := newMapperCache(display.Monitor{
		ID: "main", X: 0, Y: 0, Width: 2560, Height: 1440, ScaleFactor: 1,
	})
	m := NewMapper(cache)

	id, idx, ok := m.Map(display.Physical, 0, 0)
	require.True(t, ok)
	assert.Equal(t, "main", id)
	assert.Equal(t, 0, idx)

	// Bottom-right corner clamps to the last cell.
	id, idx, ok = m.Map(display.Physical, 2559.9, 1439.9)
	require.True(t, ok)
	assert.Equal(t, "main", id)
	assert.Equal(t, BaseLen-1, idx)

	// Off-monitor clicks are dropped, never mis-attributed.
	_, _, ok = m.Map(display.Physical, 5000, 5000)
	assert.False(t, ok)

	_, _, ok = m.Map(display.Physical, -10, 20)
	assert.False(t, ok)
}

func TestMapperScaledMonitorFallback(t *testing.T) {
	cache := newMapperCache(
		display.Monitor{ID: "main", X: 0, Y: 0, Width: 1920, Height: 1080, ScaleFactor: 1},
		display.Monitor{ID: "4k", X: 3840, Y: 0, Width: 3840, Height: 2160, ScaleFactor: 2},
	)
	m := NewMapper(cache)

	// Logical (2000,100) on the scaled monitor: rel physical (160,200).
	id, idx, ok := m.Map(display.Logical, 2000, 100)
	require.True(t, ok)
	assert.Equal(t, "4k", id)
	wantCX := 160 * BaseCols / 3840
	wantCY := 200 * BaseRows / 2160
	assert.Equal(t, wantCY*BaseCols+wantCX, idx)

	// Same coordinates claiming physical space: fallback finds the logical fit.
	id2, idx2, ok := m.Map(display.Physical, 2000, 100)
	require.True(t, ok)
	assert.Equal(t, id, id2)
	assert.Equal(t, idx, idx2)
}

func TestMapperCacheInvalidatedByVersion(t *testing.T) {
	provider := &display.StaticProvider{List: []display.Monitor{
		{ID: "old", X: 0, Y: 0, Width: 1000, Height: 1000, ScaleFactor: 1},
	}}
	cache := display.NewCache(provider)
	require.NoError(t, cache.Refresh())
	m := NewMapper(cache)

	id, _, ok := m.Map(display.Physical, 10, 10)
	require.True(t, ok)
	assert.Equal(t, "old", id)

	provider.List = []display.Monitor{
		{ID: "new", X: 0, Y: 0, Width: 1000, Height: 1000, ScaleFactor: 1},
	}
	require.NoError(t, cache.Refresh())

	id, _, ok = m.Map(display.Physical, 10, 10)
	require.True(t, ok)
	assert.Equal(t, "new", id, "stale cached monitor must not survive a refresh")
}
