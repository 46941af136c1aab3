// Package batcher is the counting pipeline's single consumer. Producers
// enqueue triggers without blocking; one goroutine drains the queue in
// micro-batches, groups the drain into per-(origin, source) deltas, applies
// each delta to the merit store under one lock section, and rate-limits the
// outward-facing side effects: animation pops on a ~120 ms cadence and
// coalesced stats broadcasts at most every ~200 ms.
//
// Counting accuracy is synchronous and unbounded; animation and broadcast
// are throttled. The two never trade off against each other.
package batcher

import (
	"math"
	mathrand "math/rand"
	"sync"
	"time"

	"meritd/internal/events"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// maxChunk bounds how many units one animation pop may carry.
const maxChunk = 9

// Config tunes the consumer loop. Zero values fall back to defaults.
type Config struct {
	// QueueSize is the trigger channel capacity; overflow drops.
	QueueSize int
	// AnimInterval spaces animation pops per (origin, source).
	AnimInterval time.Duration
	// StatsInterval coalesces stats broadcasts and save requests.
	StatsInterval time.Duration
	// IdleEvict removes animation accumulators with no recent traffic.
	IdleEvict time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		AnimInterval:  120 * time.Millisecond,
		StatsInterval: 200 * time.Millisecond,
		IdleEvict:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.AnimInterval <= 0 {
		c.AnimInterval = d.AnimInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.IdleEvict <= 0 {
		c.IdleEvict = d.IdleEvict
	}
	return c
}

// pairKey is the (origin, source) pair batch grouping and the animation
// accumulators are keyed on.
type pairKey struct {
	origin merit.InputOrigin
	source merit.InputSource
}

// animState accumulates pending animation units for one (origin, source).
// Owned by the consumer goroutine.
type animState struct {
	pending    uint64
	nextEmitAt time.Time
	lastSeen   time.Time
}

// Batcher owns the trigger queue and the consumer goroutine.
type Batcher struct {
	cfg     Config
	storage *merit.Storage
	bus     *events.Bus
	save    func()

	queue chan merit.Trigger
	kick  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	closeOnce sync.Once

	// Consumer-goroutine state; no locking.
	anims         map[pairKey]*animState
	statsDirty    bool
	lastStatsEmit time.Time
	rng           *mathrand.Rand
}

// New creates a batcher and starts its consumer. save is invoked on each
// coalesced stats emit to request persistence; it may be nil.
func New(cfg Config, storage *merit.Storage, bus *events.Bus, save func()) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{
		cfg:     cfg,
		storage: storage,
		bus:     bus,
		save:    save,
		queue:   make(chan merit.Trigger, cfg.QueueSize),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		anims:   make(map[pairKey]*animState),
		rng:     mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
	go b.run()
	return b
}

// Enqueue hands a trigger to the consumer. It never blocks: zero-count
// triggers are rejected at the door and a full queue drops the trigger.
// Returns whether the trigger was accepted.
func (b *Batcher) Enqueue(tr merit.Trigger) bool {
	if tr.Count == 0 {
		return false
	}
	select {
	case <-b.stop:
		return false
	default:
	}
	select {
	case b.queue <- tr:
		metrics.GetMetrics().RecordEnqueue()
		return true
	default:
		metrics.GetMetrics().RecordDrop()
		return false
	}
}

// MarkStatsDirty tells the consumer that persisted stats changed outside the
// trigger path (mouse distance, clears over IPC). The next coalesced window
// broadcasts and requests a save. Safe from any goroutine.
func (b *Batcher) MarkStatsDirty() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Close drains the queue, applies what is left, emits a final stats
// broadcast if one is owed, and stops the consumer. Pending animation units
// are dropped.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
}

func (b *Batcher) run() {
	defer close(b.done)

	batch := make([]merit.Trigger, 0, 256)
	for {
		batch = batch[:0]
		closing := false

		now := time.Now()
		if deadline, ok := b.nextDeadline(now); !ok {
			// Nothing scheduled: block until traffic arrives.
			select {
			case tr := <-b.queue:
				batch = append(batch, tr)
			case <-b.kick:
				b.statsDirty = true
			case <-b.stop:
				closing = true
			}
		} else if wait := deadline.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case tr := <-b.queue:
				batch = append(batch, tr)
			case <-b.kick:
				b.statsDirty = true
			case <-b.stop:
				closing = true
			case <-timer.C:
			}
			timer.Stop()
		}
		// Deadline already passed: fall through and poll.

	drain:
		for {
			select {
			case tr := <-b.queue:
				batch = append(batch, tr)
			case <-b.kick:
				b.statsDirty = true
			default:
				break drain
			}
		}

		if len(batch) > 0 {
			b.processBatch(batch)
		}
		metrics.GetMetrics().SetQueueDepth(int64(len(b.queue)))

		now = time.Now()
		b.tickAnimations(now)
		b.emitStats(now, closing)

		if closing {
			return
		}
	}
}

// nextDeadline returns the earliest scheduled wakeup: the coalesced stats
// emit when dirty, and per-accumulator pop or evict times.
func (b *Batcher) nextDeadline(now time.Time) (time.Time, bool) {
	var deadline time.Time
	has := false
	if b.statsDirty {
		deadline = b.lastStatsEmit.Add(b.cfg.StatsInterval)
		has = true
	}
	for _, st := range b.anims {
		var d time.Time
		if st.pending > 0 {
			d = st.nextEmitAt
		} else {
			d = st.lastSeen.Add(b.cfg.IdleEvict)
		}
		if !has || d.Before(deadline) {
			deadline = d
			has = true
		}
	}
	return deadline, has
}

type group struct {
	count    uint64
	keyboard *merit.KeyboardCounts
	mouse    *merit.MouseCounts
}

type appKey struct {
	origin merit.InputOrigin
	source merit.InputSource
	appID  string
}

type appGroup struct {
	count uint64
	name  string
}

// processBatch turns one drain into per-group deltas and applies them. The
// store sees one lock section per group, not one per trigger.
func (b *Batcher) processBatch(batch []merit.Trigger) {
	start := time.Now()

	groups := make(map[pairKey]*group)
	apps := make(map[appKey]*appGroup)

	for _, tr := range batch {
		key := pairKey{origin: tr.Origin, source: tr.Source}
		g := groups[key]
		if g == nil {
			g = &group{}
			groups[key] = g
		}
		g.count = satAdd(g.count, tr.Count)

		switch tr.Source {
		case merit.SourceKeyboard:
			if g.keyboard == nil {
				g.keyboard = &merit.KeyboardCounts{}
			}
			if tr.KeyCode != "" {
				addCount(&g.keyboard.KeyCounts, tr.KeyCode, tr.Count)
				if tr.IsShifted {
					addCount(&g.keyboard.KeyCountsShifted, tr.KeyCode, tr.Count)
				} else {
					addCount(&g.keyboard.KeyCountsUnshifted, tr.KeyCode, tr.Count)
				}
			}
			if tr.ShortcutID != "" {
				addCount(&g.keyboard.ShortcutCounts, tr.ShortcutID, tr.Count)
			}
		case merit.SourceMouseSingle:
			if tr.KeyCode != "" {
				if g.mouse == nil {
					g.mouse = &merit.MouseCounts{}
				}
				addCount(&g.mouse.MouseButtonCounts, tr.KeyCode, tr.Count)
			}
		}

		if tr.App != nil && tr.App.ID != "" {
			ak := appKey{origin: tr.Origin, source: tr.Source, appID: tr.App.ID}
			ag := apps[ak]
			if ag == nil {
				ag = &appGroup{}
				apps[ak] = ag
			}
			ag.count = satAdd(ag.count, tr.Count)
			if ag.name == "" && tr.App.Name != nil {
				ag.name = *tr.App.Name
			}
		}
	}

	now := time.Now()
	for key, g := range groups {
		if !b.storage.AddMeritSilent(key.origin, key.source, g.count, g.keyboard, g.mouse) {
			continue
		}
		b.statsDirty = true
		// App-origin pops animate in the caller's own UI; feeding them
		// here would animate twice.
		if key.origin == merit.OriginGlobal {
			b.feedAnimation(key, g.count, now)
		}
	}
	for key, ag := range apps {
		if b.storage.AddAppMeritSilent(key.origin, key.source, ag.count, key.appID, ag.name) {
			b.statsDirty = true
		}
	}

	metrics.GetMetrics().RecordBatch(len(batch), time.Since(start))
}

// feedAnimation adds applied units to the accumulator. An idle accumulator
// answers immediately so single keystrokes feel instant; a busy one keeps
// its cadence.
func (b *Batcher) feedAnimation(key pairKey, count uint64, now time.Time) {
	st := b.anims[key]
	if st == nil {
		st = &animState{}
		b.anims[key] = st
	}
	idle := st.pending == 0 && !now.Before(st.nextEmitAt)
	st.pending = satAdd(st.pending, count)
	st.lastSeen = now
	if idle {
		chunk := st.pending
		if chunk > maxChunk {
			chunk = maxChunk
		}
		st.pending -= chunk
		st.nextEmitAt = now.Add(b.cfg.AnimInterval)
		b.emitPop(key, chunk)
	}
}

// tickAnimations drains accumulators whose cadence came due and evicts the
// ones that went quiet.
func (b *Batcher) tickAnimations(now time.Time) {
	for key, st := range b.anims {
		if st.pending > 0 && !now.Before(st.nextEmitAt) {
			chunk := b.randChunk(st.pending)
			st.pending -= chunk
			st.nextEmitAt = now.Add(b.cfg.AnimInterval)
			b.emitPop(key, chunk)
		}
		if st.pending == 0 && now.Sub(st.lastSeen) >= b.cfg.IdleEvict {
			delete(b.anims, key)
		}
	}
}

// randChunk picks how many pending units the next pop carries: uniform in
// 1..min(pending, maxChunk).
func (b *Batcher) randChunk(pending uint64) uint64 {
	limit := pending
	if limit > maxChunk {
		limit = maxChunk
	}
	return 1 + uint64(b.rng.Int63n(int64(limit)))
}

func (b *Batcher) emitPop(key pairKey, count uint64) {
	b.bus.Publish(events.Event{Kind: events.KindInputPop, Payload: events.InputPop{
		Origin: key.origin,
		Source: key.source,
		Count:  count,
	}})
	metrics.GetMetrics().RecordAnimationEmit()
}

// emitStats broadcasts a lite snapshot and requests a save once per
// coalescing window. final forces an owed emit regardless of the window so
// shutdown never strands dirty stats.
func (b *Batcher) emitStats(now time.Time, final bool) {
	if !b.statsDirty {
		return
	}
	if !final && now.Sub(b.lastStatsEmit) < b.cfg.StatsInterval {
		return
	}
	b.statsDirty = false
	b.lastStatsEmit = now

	b.bus.Publish(events.Event{Kind: events.KindStatsUpdated, Payload: b.storage.StatsLite()})
	if b.save != nil {
		b.save()
	}
	metrics.GetMetrics().RecordPersistRequest()
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func addCount(m *map[string]uint64, key string, count uint64) {
	if *m == nil {
		*m = make(map[string]uint64)
	}
	(*m)[key] = satAdd((*m)[key], count)
}
