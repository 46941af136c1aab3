package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNamespacesNames(t *testing.T) {
	r := NewRegistry("test")
	c := r.RegisterCounter("events_total", "events")
	assert.Equal(t, "test_events_total", c.Name())

	bare := NewRegistry("")
	g := bare.RegisterGauge("depth", "queue depth")
	assert.Equal(t, "depth", g.Name())
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry("test")
	a := r.RegisterCounter("hits", "hits")
	b := r.RegisterCounter("hits", "hits")
	require.Same(t, a, b)

	a.Inc()
	b.Add(2)
	assert.Equal(t, uint64(3), a.Value())
}

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test")

	c := r.RegisterCounter("total", "total")
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())

	g := r.RegisterGauge("level", "level")
	g.Set(10)
	g.Add(-3)
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(7), g.Value())
}

func TestHistogramBucketBoundaries(t *testing.T) {
	r := NewRegistry("test")
	h := r.RegisterHistogram("latency", "latency", []float64{1, 2})

	h.Observe(1)   // equal to a bound lands in that bound's bucket
	h.Observe(1.5) // between bounds lands in the next bucket up
	h.Observe(5)   // above the last bound

	assert.Equal(t, uint64(3), h.Count())
	assert.InDelta(t, 7.5, h.Sum(), 1e-9)
	assert.InDelta(t, 2.5, h.Mean(), 1e-9)

	var b strings.Builder
	require.NoError(t, r.WriteText(&b))
	out := b.String()
	assert.Contains(t, out, `test_latency_bucket{le="1"} 1`)
	assert.Contains(t, out, `test_latency_bucket{le="2"} 2`)
	assert.Contains(t, out, `test_latency_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "test_latency_sum 7.5")
	assert.Contains(t, out, "test_latency_count 3")
}

func TestHistogramDefaultsToDurationBuckets(t *testing.T) {
	r := NewRegistry("test")
	r.RegisterHistogram("flush", "flush", nil)

	var b strings.Builder
	require.NoError(t, r.WriteText(&b))
	bucketLines := strings.Count(b.String(), "test_flush_bucket{")
	assert.Equal(t, len(DurationBuckets)+1, bucketLines)
}

func TestHistogramTimer(t *testing.T) {
	r := NewRegistry("test")
	h := r.RegisterHistogram("op", "op", []float64{10})

	timer := h.Timer()
	time.Sleep(time.Millisecond)
	d := timer.Stop()

	assert.GreaterOrEqual(t, d, time.Millisecond)
	assert.Equal(t, uint64(1), h.Count())
	assert.Greater(t, h.Sum(), 0.0)
}

func TestSnapshotFlattensEveryMetric(t *testing.T) {
	r := NewRegistry("test")
	r.RegisterCounter("hits", "hits").Add(2)
	r.RegisterGauge("depth", "depth").Set(-1)
	r.RegisterHistogram("wait", "wait", []float64{1}).Observe(0.5)

	snap := r.Snapshot()
	assert.Equal(t, uint64(2), snap["test_hits"])
	assert.Equal(t, int64(-1), snap["test_depth"])
	assert.Equal(t, uint64(1), snap["test_wait_count"])
	assert.InDelta(t, 0.5, snap["test_wait_sum"].(float64), 1e-9)
	assert.InDelta(t, 0.5, snap["test_wait_mean"].(float64), 1e-9)
}

func TestWriteTextIsSorted(t *testing.T) {
	r := NewRegistry("test")
	r.RegisterCounter("zebra_total", "z")
	r.RegisterCounter("apple_total", "a")

	var b strings.Builder
	require.NoError(t, r.WriteText(&b))
	out := b.String()
	apple := strings.Index(out, "test_apple_total")
	zebra := strings.Index(out, "test_zebra_total")
	require.NotEqual(t, -1, apple)
	require.NotEqual(t, -1, zebra)
	assert.Less(t, apple, zebra)
	assert.Contains(t, out, "# TYPE test_apple_total counter")
}

func TestPipelineBundle(t *testing.T) {
	m := InitMetrics(NewRegistry("test"))
	require.Same(t, m, GetMetrics())

	m.RecordKeyEvent()
	m.RecordKeyEvent()
	m.RecordClickEvent()
	m.RecordBatch(3, 2*time.Millisecond)
	m.SetQueueDepth(5)

	snap := m.Snapshot()
	assert.Equal(t, true, snap["enabled"])
	assert.Equal(t, uint64(2), snap["key_events_total"])
	assert.Equal(t, uint64(1), snap["click_events_total"])
	assert.Equal(t, uint64(1), snap["batch_calls_total"])
	assert.Equal(t, uint64(3), snap["batch_triggers_total"])
	assert.Equal(t, int64(5), snap["queue_depth"])
	assert.InDelta(t, 0.002, snap["batch_avg_seconds"].(float64), 0.0005)
}

func TestPipelineBundleDisable(t *testing.T) {
	m := NewPipelineMetrics(NewRegistry("test"))
	m.RecordKeyEvent()

	m.SetEnabled(false)
	require.False(t, m.Enabled())

	m.RecordKeyEvent()
	m.RecordBatch(3, 2*time.Millisecond)
	m.SetQueueDepth(9)
	m.StartQueryTimer().Stop()

	snap := m.Snapshot()
	assert.Equal(t, false, snap["enabled"])
	assert.Equal(t, uint64(1), snap["key_events_total"], "recording frozen while disabled")
	assert.Equal(t, uint64(0), snap["batch_calls_total"])
	assert.Equal(t, int64(0), snap["queue_depth"])
	assert.Equal(t, uint64(0), m.QueryDuration.Count())

	m.SetEnabled(true)
	m.RecordKeyEvent()
	assert.Equal(t, uint64(2), m.KeyEventsTotal.Value(), "counts resume, not reset")
}
