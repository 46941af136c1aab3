package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meritd/internal/events"
	"meritd/internal/merit"
)

func fastConfig() Config {
	return Config{
		QueueSize:     64,
		AnimInterval:  20 * time.Millisecond,
		StatsInterval: 50 * time.Millisecond,
		IdleEvict:     200 * time.Millisecond,
	}
}

// collect drains bus events of one kind until deadline.
func collect(ch <-chan events.Event, kind events.Kind, deadline time.Duration) []events.Event {
	var out []events.Event
	timeout := time.After(deadline)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				out = append(out, evt)
			}
		case <-timeout:
			return out
		}
	}
}

func TestEnqueueRejectsZeroCount(t *testing.T) {
	b := New(fastConfig(), merit.NewStorage(), events.NewBus(), nil)
	defer b.Close()

	assert.False(t, b.Enqueue(merit.Trigger{Origin: merit.OriginGlobal, Source: merit.SourceKeyboard}))
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	b := New(fastConfig(), merit.NewStorage(), events.NewBus(), nil)
	b.Close()

	assert.False(t, b.Enqueue(merit.Trigger{
		Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1,
	}))
}

func TestBatchAppliesCountsAndDetails(t *testing.T) {
	storage := merit.NewStorage()
	b := New(fastConfig(), storage, events.NewBus(), nil)
	defer b.Close()

	name := "Editor"
	require.True(t, b.Enqueue(merit.Trigger{
		Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1,
		KeyCode: "a", IsShifted: true,
		App: &merit.AppContext{ID: "com.example.editor", Name: &name},
	}))
	require.True(t, b.Enqueue(merit.Trigger{
		Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1,
		KeyCode: "a",
		App:     &merit.AppContext{ID: "com.example.editor"},
	}))
	require.True(t, b.Enqueue(merit.Trigger{
		Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1,
		KeyCode: "c", ShortcutID: "meta+c",
	}))
	require.True(t, b.Enqueue(merit.Trigger{
		Origin: merit.OriginGlobal, Source: merit.SourceMouseSingle, Count: 2,
		KeyCode: "left",
	}))

	require.Eventually(t, func() bool {
		return storage.Today().Total == 5
	}, time.Second, 5*time.Millisecond)

	today := storage.Today()
	assert.Equal(t, uint64(3), today.Keyboard)
	assert.Equal(t, uint64(2), today.MouseSingle)
	assert.Equal(t, uint64(2), today.KeyCounts["a"])
	assert.Equal(t, uint64(1), today.KeyCountsShifted["a"])
	assert.Equal(t, uint64(1), today.KeyCountsUnshifted["a"])
	assert.Equal(t, uint64(1), today.ShortcutCounts["meta+c"])
	assert.Equal(t, uint64(2), today.MouseButtonCounts["left"])

	app, ok := today.AppInputCounts["com.example.editor"]
	require.True(t, ok)
	assert.Equal(t, uint64(2), app.Total)
	require.NotNil(t, app.Name)
	assert.Equal(t, "Editor", *app.Name)
}

func TestGlobalGatedByToggleAppAlwaysCounts(t *testing.T) {
	storage := merit.NewStorage()
	settings := storage.SettingsCopy()
	settings.EnableKeyboard = false
	storage.SetSettings(settings)

	b := New(fastConfig(), storage, events.NewBus(), nil)
	defer b.Close()

	b.Enqueue(merit.Trigger{Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 5})
	b.Enqueue(merit.Trigger{Origin: merit.OriginApp, Source: merit.SourceKeyboard, Count: 2})

	require.Eventually(t, func() bool {
		return storage.Today().Total == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), storage.Today().Keyboard, "app origin bypasses the global toggle")
}

func TestFirstPopImmediate(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	b := New(fastConfig(), merit.NewStorage(), bus, nil)
	defer b.Close()

	b.Enqueue(merit.Trigger{Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1})

	select {
	case evt := <-ch:
		require.Equal(t, events.KindInputPop, evt.Kind)
		pop := evt.Payload.(events.InputPop)
		assert.Equal(t, merit.OriginGlobal, pop.Origin)
		assert.Equal(t, merit.SourceKeyboard, pop.Source)
		assert.Equal(t, uint64(1), pop.Count)
	case <-time.After(time.Second):
		t.Fatal("no pop within a second of the first trigger")
	}
}

func TestPopsChunkedAndConserved(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	b := New(fastConfig(), merit.NewStorage(), bus, nil)
	defer b.Close()

	b.Enqueue(merit.Trigger{Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 25})

	var sum uint64
	deadline := time.After(3 * time.Second)
	for sum < 25 {
		select {
		case evt := <-ch:
			if evt.Kind != events.KindInputPop {
				continue
			}
			pop := evt.Payload.(events.InputPop)
			require.GreaterOrEqual(t, pop.Count, uint64(1))
			require.LessOrEqual(t, pop.Count, uint64(maxChunk))
			sum += pop.Count
		case <-deadline:
			t.Fatalf("pops stalled at %d of 25 units", sum)
		}
	}
	assert.Equal(t, uint64(25), sum, "every applied unit must eventually pop")
}

func TestAppOriginNeverAnimates(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	storage := merit.NewStorage()
	b := New(fastConfig(), storage, bus, nil)
	defer b.Close()

	b.Enqueue(merit.Trigger{Origin: merit.OriginApp, Source: merit.SourceMouseSingle, Count: 3})

	require.Eventually(t, func() bool {
		return storage.Today().Total == 3
	}, time.Second, 5*time.Millisecond)

	pops := collect(ch, events.KindInputPop, 150*time.Millisecond)
	assert.Empty(t, pops, "app-origin units animate in the caller's UI, not here")
}

func TestStatsBroadcastCoalesced(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	saves := make(chan struct{}, 64)
	storage := merit.NewStorage()
	b := New(fastConfig(), storage, bus, func() { saves <- struct{}{} })
	defer b.Close()

	// Three quick bursts well inside one 50 ms window.
	for i := 0; i < 3; i++ {
		b.Enqueue(merit.Trigger{Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1})
		time.Sleep(5 * time.Millisecond)
	}

	stats := collect(ch, events.KindStatsUpdated, 300*time.Millisecond)
	require.NotEmpty(t, stats, "dirty stats must broadcast")
	assert.LessOrEqual(t, len(stats), 3, "bursts inside one window coalesce")

	lite := stats[len(stats)-1].Payload.(merit.MeritStatsLite)
	assert.Equal(t, uint64(3), lite.TotalMerit)
	assert.NotEmpty(t, saves, "each broadcast requests a save")
}

func TestMarkStatsDirtyWakesIdleConsumer(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	saved := make(chan struct{}, 1)
	b := New(fastConfig(), merit.NewStorage(), bus, func() {
		select {
		case saved <- struct{}{}:
		default:
		}
	})
	defer b.Close()

	// No triggers at all; the mark alone must produce a broadcast.
	b.MarkStatsDirty()

	stats := collect(ch, events.KindStatsUpdated, time.Second)
	require.NotEmpty(t, stats)
	select {
	case <-saved:
	default:
		t.Fatal("stats emit did not request a save")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	storage := merit.NewStorage()
	saves := 0
	b := New(fastConfig(), storage, events.NewBus(), func() { saves++ })

	for i := 0; i < 100; i++ {
		require.True(t, b.Enqueue(merit.Trigger{
			Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1,
		}))
	}
	b.Close()

	assert.Equal(t, uint64(100), storage.Today().Total, "close must apply everything queued")
	assert.Greater(t, saves, 0, "close owes a final save for dirty stats")
}

func TestAccumulatorIdleEvicted(t *testing.T) {
	b := New(fastConfig(), merit.NewStorage(), events.NewBus(), nil)

	b.Enqueue(merit.Trigger{Origin: merit.OriginGlobal, Source: merit.SourceKeyboard, Count: 1})

	// Pop drains within one cadence slot; the 200 ms idle window then
	// evicts the accumulator. Inspect after Close so the consumer is done.
	time.Sleep(400 * time.Millisecond)
	b.Close()

	assert.Empty(t, b.anims, "idle accumulators must be evicted")
}
