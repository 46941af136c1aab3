// Package metrics instruments the counting pipeline.
//
// The daemon carries a small Prometheus-style registry of its own instead
// of a client library: every metric is an unlabeled process-wide
// singleton, and the perf IPC command scrapes them as a flat snapshot, so
// there is no exporter endpoint to configure. WriteText still emits the
// standard text exposition format for offline inspection.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing count.
type Counter struct {
	name string
	help string
	v    atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Counter) Add(n uint64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.v.Load() }

// Name returns the registered (namespaced) name.
func (c *Counter) Name() string { return c.name }

// Gauge is a value that moves both ways.
type Gauge struct {
	name string
	help string
	v    atomic.Int64
}

// Set replaces the value.
func (g *Gauge) Set(n int64) { g.v.Store(n) }

// Add adds n, which may be negative.
func (g *Gauge) Add(n int64) { g.v.Add(n) }

// Inc adds one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.v.Load() }

// Name returns the registered (namespaced) name.
func (g *Gauge) Name() string { return g.name }

// DurationBuckets covers this pipeline's spread: batch passes run well
// under a millisecond, database flushes and queries up to a few seconds.
// Bounds are seconds.
var DurationBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// Histogram buckets observations by inclusive upper bound, Prometheus
// le-style: a value equal to a bound lands in that bound's bucket.
type Histogram struct {
	name   string
	help   string
	bounds []float64

	mu       sync.Mutex
	counts   []uint64 // one per bound
	overflow uint64   // observations above the last bound
	sum      float64
	n        uint64
}

func newHistogram(name, help string, bounds []float64) *Histogram {
	if len(bounds) == 0 {
		bounds = DurationBuckets
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{
		name:   name,
		help:   help,
		bounds: b,
		counts: make([]uint64, len(b)),
	}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.n++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.counts) {
		h.counts[i]++
	} else {
		h.overflow++
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Timer starts a stopwatch that observes its age when stopped.
func (h *Histogram) Timer() *HistogramTimer {
	return &HistogramTimer{h: h, start: time.Now()}
}

// Name returns the registered (namespaced) name.
func (h *Histogram) Name() string { return h.name }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Sum returns the total of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns the average observed value, zero before any observation.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.sum / float64(h.n)
}

// cumulative returns per-bound running totals plus the +Inf total.
// Caller holds h.mu.
func (h *Histogram) cumulative() ([]uint64, uint64) {
	out := make([]uint64, len(h.counts))
	var run uint64
	for i, c := range h.counts {
		run += c
		out[i] = run
	}
	return out, run + h.overflow
}

// HistogramTimer observes the time between its creation and Stop.
type HistogramTimer struct {
	h     *Histogram
	start time.Time
}

// Stop records the elapsed duration and returns it. A timer without a
// histogram only measures.
func (t *HistogramTimer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.ObserveDuration(d)
	}
	return d
}

// Registry names and owns every metric. Registration is idempotent: a
// second registration under the same name returns the first metric, so
// package-level bundles can be rebuilt without double counting.
type Registry struct {
	namespace string

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry returns an empty registry. A non-empty namespace prefixes
// every metric name, underscore-joined.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) metricName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// RegisterCounter returns the counter registered under name, creating it
// on first use.
func (r *Registry) RegisterCounter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.metricName(name)
	if c, ok := r.counters[full]; ok {
		return c
	}
	c := &Counter{name: full, help: help}
	r.counters[full] = c
	return c
}

// RegisterGauge returns the gauge registered under name, creating it on
// first use.
func (r *Registry) RegisterGauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.metricName(name)
	if g, ok := r.gauges[full]; ok {
		return g
	}
	g := &Gauge{name: full, help: help}
	r.gauges[full] = g
	return g
}

// RegisterHistogram returns the histogram registered under name, creating
// it on first use. Nil or empty bounds fall back to DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, bounds []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := r.metricName(name)
	if h, ok := r.histograms[full]; ok {
		return h
	}
	h := newHistogram(full, help, bounds)
	r.histograms[full] = h
	return h
}

// Snapshot flattens every metric into a name-to-value map. Histograms
// contribute _count, _sum, and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.counters)+len(r.gauges)+3*len(r.histograms))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	for name, g := range r.gauges {
		out[name] = g.Value()
	}
	for name, h := range r.histograms {
		out[name+"_count"] = h.Count()
		out[name+"_sum"] = h.Sum()
		out[name+"_mean"] = h.Mean()
	}
	return out
}

// WriteText writes every metric in the Prometheus text exposition
// format, sorted by name so successive dumps diff cleanly.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
			name, c.help, name, name, c.Value()); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n",
			name, g.help, name, name, g.Value()); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		cum, total := h.cumulative()
		sum, count := h.sum, h.n
		bounds := h.bounds
		h.mu.Unlock()

		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name); err != nil {
			return err
		}
		for i, bound := range bounds {
			if _, err := fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, formatBound(bound), cum[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n%s_sum %v\n%s_count %d\n",
			name, total, name, sum, name, count); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBound renders a bucket bound without trailing zero noise.
func formatBound(b float64) string {
	return fmt.Sprintf("%g", b)
}

// defaultRegistry backs the package-level metric bundle.
var defaultRegistry = NewRegistry("meritd")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
