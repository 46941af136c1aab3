//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meritd/internal/display"
	"meritd/internal/events"
	"meritd/internal/history"
	"meritd/internal/merit"
	"meritd/internal/snapshot"
)

// TestFullCountingFlow drives the complete counting pipeline:
//  1. Simulated key presses become keyboard merit in the store
//  2. Clicks become mouse merit and seed the per-display heatmaps
//  3. Click deltas reach the day archive's heatmap tables
//  4. Cursor travel accumulates per display
//  5. Pops and coalesced stats broadcasts fire on the bus
//  6. The saver persists a loadable state file
//  7. Today's row round-trips through the day archive
func TestFullCountingFlow(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	env.InitCore()
	env.InitListener()

	t.Run("keys_become_merit", func(t *testing.T) {
		env.TypeKeys(30, 31, 32, 33, 34)
		env.WaitTotal(5)

		day := env.Storage.Today()
		assert.Equal(t, uint64(5), day.Keyboard)
		assert.Zero(t, day.MouseSingle)
		require.NotNil(t, day.FirstEventAtMs)
		require.NotNil(t, day.LastEventAtMs)
	})

	t.Run("clicks_count_and_seed_heatmaps", func(t *testing.T) {
		env.Click(960, 540)
		env.Click(2000, 500)
		env.WaitTotal(7)

		day := env.Storage.Today()
		assert.Equal(t, uint64(2), day.MouseSingle)
		assert.Equal(t, uint64(2), day.MouseButtonCounts["MouseLeft"])

		env.WaitHeatmapTotal("main", 1)
		env.WaitHeatmapTotal("side", 1)
	})

	t.Run("click_deltas_reach_archive", func(t *testing.T) {
		var cells []history.Cell
		var total uint64
		require.Eventually(t, func() bool {
			var err error
			cells, total, err = env.History.HeatmapBase("main", merit.DateKey(time.Now()))
			return err == nil && total == 1
		}, 2*time.Second, 10*time.Millisecond, "click never flushed to the archive")

		require.Len(t, cells, 1)
		assert.Equal(t, uint32(baseCellOf(monitorByID(t, env.Displays, "main"), 960, 540)), cells[0].Idx)
		assert.Equal(t, uint32(1), cells[0].Count)

		// The same click also lands in the all-time tables.
		cells, total, err := env.History.HeatmapBase("main", "")
		require.NoError(t, err)
		require.Len(t, cells, 1)
		assert.Equal(t, uint64(1), total)
	})

	t.Run("cursor_travel_accumulates", func(t *testing.T) {
		env.MoveCursor(0, 0)
		env.MoveCursor(300, 400)

		require.Eventually(t, func() bool {
			env.Distance.Flush()
			return env.Storage.Today().MouseMoveDistancePx == 500
		}, 2*time.Second, 10*time.Millisecond, "cursor travel never applied")

		assert.Equal(t, uint64(500), env.Storage.Today().MouseMoveDistancePxByDisplay["main"])
	})

	t.Run("bus_carries_pops_and_stats", func(t *testing.T) {
		sub, cancel := env.Bus.Subscribe(32)
		defer cancel()

		env.TypeKeys(30)
		env.WaitTotal(8)

		waitForEvent(t, sub, events.KindInputPop)

		// Stats broadcasts coalesce; drain until one reflects the new total.
		deadline := time.After(2 * time.Second)
		for {
			var lite merit.MeritStatsLite
			select {
			case ev := <-sub:
				if ev.Kind != events.KindStatsUpdated {
					continue
				}
				var ok bool
				lite, ok = ev.Payload.(merit.MeritStatsLite)
				require.True(t, ok, "stats event carried %T", ev.Payload)
			case <-deadline:
				t.Fatal("no stats broadcast reached the new total")
			}
			if lite.TotalMerit == 8 {
				assert.Equal(t, uint64(6), lite.Today.Keyboard)
				break
			}
		}
	})

	t.Run("snapshot_persists", func(t *testing.T) {
		env.Saver.RequestSave()

		want := env.Storage.Stats().TotalMerit
		var st *snapshot.State
		require.Eventually(t, func() bool {
			var err error
			st, err = snapshot.Load(env.StatePath)
			return err == nil && st != nil && st.Stats.TotalMerit == want
		}, 2*time.Second, 20*time.Millisecond, "state file never caught up")

		assert.Equal(t, uint32(snapshot.CurrentVersion), st.Version)
		require.NotNil(t, st.ClickHeatmap)
		assert.Equal(t, merit.DefaultSettings(), st.Settings)
	})

	t.Run("today_row_roundtrips", func(t *testing.T) {
		live := env.Storage.Today()
		env.History.UpsertDays([]merit.DailyStats{live})

		var got merit.DailyStats
		require.Eventually(t, func() bool {
			days, err := env.History.RecentDays(5)
			if err != nil || len(days) == 0 {
				return false
			}
			got = days[0]
			return got.Total == live.Total
		}, 2*time.Second, 10*time.Millisecond, "today's row never became readable")

		assert.Equal(t, live.Date, got.Date)
		assert.Equal(t, live.Keyboard, got.Keyboard)
		assert.Equal(t, live.MouseSingle, got.MouseSingle)
		assert.Equal(t, live.FirstEventAtMs, got.FirstEventAtMs)
		assert.Equal(t, live.LastEventAtMs, got.LastEventAtMs)
		assert.Equal(t, live.MouseMoveDistancePx, got.MouseMoveDistancePx)
		assert.Equal(t, live.MouseMoveDistancePxByDisplay, got.MouseMoveDistancePxByDisplay)
		assert.Equal(t, live.MouseButtonCounts, got.MouseButtonCounts)
		assert.Equal(t, live.Hourly, got.Hourly)
		// Key name detail depends on the platform keycode table.
		if len(live.KeyCounts) > 0 {
			assert.Equal(t, live.KeyCounts, got.KeyCounts)
			assert.Equal(t, live.KeyCountsUnshifted, got.KeyCountsUnshifted)
		}
	})
}

func monitorByID(t *testing.T, cache *display.Cache, id string) display.Monitor {
	t.Helper()
	monitors, _ := cache.Snapshot()
	for _, m := range monitors {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("no monitor %q in the display cache", id)
	return display.Monitor{}
}
