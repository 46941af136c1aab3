package metrics

import (
	"sync/atomic"
	"time"
)

// PipelineMetrics holds all meritd-specific metrics, covering the path
// from raw input events through batching to persistence. Recording can
// be switched off at runtime; the registered values then freeze while
// Snapshot keeps serving them.
type PipelineMetrics struct {
	registry *Registry
	enabled  atomic.Bool

	// Counters
	KeyEventsTotal    *Counter
	ClickEventsTotal  *Counter
	MoveEventsTotal   *Counter
	TriggersEnqueued  *Counter
	TriggersDropped   *Counter
	BatchCallsTotal   *Counter
	BatchTriggers     *Counter
	PersistRequests   *Counter
	HeatmapClicks     *Counter
	AnimationEmits    *Counter
	ErrorsTotal       *Counter

	// Gauges
	QueueDepth        *Gauge
	DatabaseSizeBytes *Gauge
	UptimeSeconds     *Gauge

	// Histograms
	BatchDuration   *Histogram
	DBFlushDuration *Histogram
	QueryDuration   *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewPipelineMetrics creates and registers all meritd metrics.
func NewPipelineMetrics(registry *Registry) *PipelineMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &PipelineMetrics{
		registry: registry,

		// Counters
		KeyEventsTotal: registry.RegisterCounter(
			"key_events_total",
			"Total number of key-down events observed",
		),
		ClickEventsTotal: registry.RegisterCounter(
			"click_events_total",
			"Total number of mouse-click events observed",
		),
		MoveEventsTotal: registry.RegisterCounter(
			"move_events_total",
			"Total number of mouse-move events observed",
		),
		TriggersEnqueued: registry.RegisterCounter(
			"triggers_enqueued_total",
			"Total number of triggers enqueued for batching",
		),
		TriggersDropped: registry.RegisterCounter(
			"triggers_dropped_total",
			"Total number of triggers dropped because the queue was full",
		),
		BatchCallsTotal: registry.RegisterCounter(
			"batch_calls_total",
			"Total number of batch passes executed",
		),
		BatchTriggers: registry.RegisterCounter(
			"batch_triggers_total",
			"Total number of triggers processed by batch passes",
		),
		PersistRequests: registry.RegisterCounter(
			"persist_requests_total",
			"Total number of persistence requests issued",
		),
		HeatmapClicks: registry.RegisterCounter(
			"heatmap_clicks_total",
			"Total number of clicks recorded into heatmap cells",
		),
		AnimationEmits: registry.RegisterCounter(
			"animation_emits_total",
			"Total number of animation pop events emitted",
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
		),

		// Gauges
		QueueDepth: registry.RegisterGauge(
			"queue_depth",
			"Number of triggers currently waiting in the batch queue",
		),
		DatabaseSizeBytes: registry.RegisterGauge(
			"database_size_bytes",
			"Size of the history database in bytes",
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
		),

		// Histograms
		BatchDuration: registry.RegisterHistogram(
			"batch_duration_seconds",
			"Duration of batch passes in seconds",
			DurationBuckets,
		),
		DBFlushDuration: registry.RegisterHistogram(
			"db_flush_duration_seconds",
			"Duration of history database flushes in seconds",
			DurationBuckets,
		),
		QueryDuration: registry.RegisterHistogram(
			"query_duration_seconds",
			"Duration of history database queries in seconds",
			DurationBuckets,
		),
	}
	m.enabled.Store(true)

	return m
}

// Enabled reports whether recording is switched on.
func (m *PipelineMetrics) Enabled() bool {
	return m.enabled.Load()
}

// SetEnabled switches recording on or off. Disabling freezes the
// counters and histograms in place; it does not reset them.
func (m *PipelineMetrics) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// RecordKeyEvent records an observed key-down event.
func (m *PipelineMetrics) RecordKeyEvent() {
	if !m.enabled.Load() {
		return
	}
	m.KeyEventsTotal.Inc()
}

// RecordClickEvent records an observed mouse-click event.
func (m *PipelineMetrics) RecordClickEvent() {
	if !m.enabled.Load() {
		return
	}
	m.ClickEventsTotal.Inc()
}

// RecordMoveEvent records an observed mouse-move event.
func (m *PipelineMetrics) RecordMoveEvent() {
	if !m.enabled.Load() {
		return
	}
	m.MoveEventsTotal.Inc()
}

// RecordEnqueue records a trigger accepted into the batch queue.
func (m *PipelineMetrics) RecordEnqueue() {
	if !m.enabled.Load() {
		return
	}
	m.TriggersEnqueued.Inc()
}

// RecordDrop records a trigger dropped because the queue was full.
func (m *PipelineMetrics) RecordDrop() {
	if !m.enabled.Load() {
		return
	}
	m.TriggersDropped.Inc()
}

// RecordBatch records a completed batch pass.
func (m *PipelineMetrics) RecordBatch(triggers int, duration time.Duration) {
	if !m.enabled.Load() {
		return
	}
	m.BatchCallsTotal.Inc()
	m.BatchTriggers.Add(uint64(triggers))
	m.BatchDuration.ObserveDuration(duration)
}

// StartBatchTimer returns a timer for batch passes.
func (m *PipelineMetrics) StartBatchTimer() *HistogramTimer {
	if !m.enabled.Load() {
		return &HistogramTimer{start: time.Now()}
	}
	return m.BatchDuration.Timer()
}

// RecordPersistRequest records a persistence request.
func (m *PipelineMetrics) RecordPersistRequest() {
	if !m.enabled.Load() {
		return
	}
	m.PersistRequests.Inc()
}

// RecordHeatmapClick records a click landing in a heatmap cell.
func (m *PipelineMetrics) RecordHeatmapClick() {
	if !m.enabled.Load() {
		return
	}
	m.HeatmapClicks.Inc()
}

// RecordAnimationEmit records an emitted animation pop event.
func (m *PipelineMetrics) RecordAnimationEmit() {
	if !m.enabled.Load() {
		return
	}
	m.AnimationEmits.Inc()
}

// RecordDBFlush records a history database flush.
func (m *PipelineMetrics) RecordDBFlush(duration time.Duration) {
	if !m.enabled.Load() {
		return
	}
	m.DBFlushDuration.ObserveDuration(duration)
}

// StartDBFlushTimer returns a timer for database flushes.
func (m *PipelineMetrics) StartDBFlushTimer() *HistogramTimer {
	if !m.enabled.Load() {
		return &HistogramTimer{start: time.Now()}
	}
	return m.DBFlushDuration.Timer()
}

// RecordQuery records a history database query.
func (m *PipelineMetrics) RecordQuery(duration time.Duration) {
	if !m.enabled.Load() {
		return
	}
	m.QueryDuration.ObserveDuration(duration)
}

// StartQueryTimer returns a timer for database queries.
func (m *PipelineMetrics) StartQueryTimer() *HistogramTimer {
	if !m.enabled.Load() {
		return &HistogramTimer{start: time.Now()}
	}
	return m.QueryDuration.Timer()
}

// RecordError records an error.
func (m *PipelineMetrics) RecordError() {
	if !m.enabled.Load() {
		return
	}
	m.ErrorsTotal.Inc()
}

// SetQueueDepth sets the current batch queue depth.
func (m *PipelineMetrics) SetQueueDepth(n int64) {
	if !m.enabled.Load() {
		return
	}
	m.QueueDepth.Set(n)
}

// SetDatabaseSize sets the history database size.
func (m *PipelineMetrics) SetDatabaseSize(bytes int64) {
	if !m.enabled.Load() {
		return
	}
	m.DatabaseSizeBytes.Set(bytes)
}

// UpdateUptime updates the uptime metric.
func (m *PipelineMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *PipelineMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return map[string]any{
		"enabled":                 m.Enabled(),
		"key_events_total":        m.KeyEventsTotal.Value(),
		"click_events_total":      m.ClickEventsTotal.Value(),
		"move_events_total":       m.MoveEventsTotal.Value(),
		"triggers_enqueued_total": m.TriggersEnqueued.Value(),
		"triggers_dropped_total":  m.TriggersDropped.Value(),
		"batch_calls_total":       m.BatchCallsTotal.Value(),
		"batch_triggers_total":    m.BatchTriggers.Value(),
		"persist_requests_total":  m.PersistRequests.Value(),
		"heatmap_clicks_total":    m.HeatmapClicks.Value(),
		"animation_emits_total":   m.AnimationEmits.Value(),
		"errors_total":            m.ErrorsTotal.Value(),
		"queue_depth":             m.QueueDepth.Value(),
		"database_size_bytes":     m.DatabaseSizeBytes.Value(),
		"uptime_seconds":          m.UptimeSeconds.Value(),
		"batch_avg_seconds":       m.BatchDuration.Mean(),
		"db_flush_avg_seconds":    m.DBFlushDuration.Mean(),
		"query_avg_seconds":       m.QueryDuration.Mean(),
	}
}

// Global pipeline metrics instance.
var defaultPipelineMetrics *PipelineMetrics

// GetMetrics returns the global pipeline metrics instance.
func GetMetrics() *PipelineMetrics {
	if defaultPipelineMetrics == nil {
		defaultPipelineMetrics = NewPipelineMetrics(Default())
	}
	return defaultPipelineMetrics
}

// InitMetrics initializes the global pipeline metrics with a custom registry.
func InitMetrics(registry *Registry) *PipelineMetrics {
	defaultPipelineMetrics = NewPipelineMetrics(registry)
	return defaultPipelineMetrics
}
