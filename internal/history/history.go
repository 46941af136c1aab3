// Package history persists daily aggregates and click heatmaps to SQLite
// through a single write-behind worker.
//
// Every write is an operation on a channel owned by one goroutine, so the
// write connection never sees concurrent use. Heatmap cell deltas coalesce
// in memory and flush in one transaction once they are old enough or
// numerous enough. Reads go through a separate read-only connection and
// never wait on the writer.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"meritd/internal/heatmap"
	"meritd/internal/logging"
	"meritd/internal/merit"
)

// Schema for the history database. Daily aggregates keep a JSON payload for
// cheap whole-day loads plus normalized child tables for range queries; the
// heatmap tables store non-zero cells only.
const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_stats (
    date_key      TEXT PRIMARY KEY,
    total         INTEGER NOT NULL,
    keyboard      INTEGER NOT NULL,
    mouse_single  INTEGER NOT NULL,
    payload_json  TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daily_stats_date ON daily_stats(date_key DESC);

CREATE TABLE IF NOT EXISTS daily_key_counts (
    date_key  TEXT NOT NULL,
    kind      INTEGER NOT NULL,
    code      TEXT NOT NULL,
    count     INTEGER NOT NULL,
    PRIMARY KEY (date_key, kind, code)
);
CREATE INDEX IF NOT EXISTS idx_daily_key_counts_kind_date ON daily_key_counts(kind, date_key);

CREATE TABLE IF NOT EXISTS daily_shortcut_counts (
    date_key  TEXT NOT NULL,
    shortcut  TEXT NOT NULL,
    count     INTEGER NOT NULL,
    PRIMARY KEY (date_key, shortcut)
);
CREATE INDEX IF NOT EXISTS idx_daily_shortcut_counts_date ON daily_shortcut_counts(date_key);

CREATE TABLE IF NOT EXISTS daily_mouse_button_counts (
    date_key  TEXT NOT NULL,
    button    TEXT NOT NULL,
    count     INTEGER NOT NULL,
    PRIMARY KEY (date_key, button)
);
CREATE INDEX IF NOT EXISTS idx_daily_mouse_button_counts_date ON daily_mouse_button_counts(date_key);

CREATE TABLE IF NOT EXISTS daily_hourly (
    date_key      TEXT NOT NULL,
    hour          INTEGER NOT NULL,
    total         INTEGER NOT NULL,
    keyboard      INTEGER NOT NULL,
    mouse_single  INTEGER NOT NULL,
    PRIMARY KEY (date_key, hour)
);
CREATE INDEX IF NOT EXISTS idx_daily_hourly_date ON daily_hourly(date_key);

CREATE TABLE IF NOT EXISTS daily_app_input (
    date_key      TEXT NOT NULL,
    app_id        TEXT NOT NULL,
    name          TEXT,
    keyboard      INTEGER NOT NULL,
    mouse_single  INTEGER NOT NULL,
    PRIMARY KEY (date_key, app_id)
);
CREATE INDEX IF NOT EXISTS idx_daily_app_input_date ON daily_app_input(date_key);
CREATE INDEX IF NOT EXISTS idx_daily_app_input_app ON daily_app_input(app_id);

CREATE TABLE IF NOT EXISTS app_meta (
    app_id        TEXT PRIMARY KEY,
    last_name     TEXT,
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS click_heatmap_total_cells (
    display_id  TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    count       INTEGER NOT NULL,
    PRIMARY KEY (display_id, idx)
);

CREATE TABLE IF NOT EXISTS click_heatmap_daily_cells (
    date_key    TEXT NOT NULL,
    display_id  TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    count       INTEGER NOT NULL,
    PRIMARY KEY (date_key, display_id, idx)
);

CREATE TABLE IF NOT EXISTS click_heatmap_total_meta (
    display_id   TEXT PRIMARY KEY,
    total_clicks INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS click_heatmap_daily_meta (
    date_key     TEXT NOT NULL,
    display_id   TEXT NOT NULL,
    total_clicks INTEGER NOT NULL,
    PRIMARY KEY (date_key, display_id)
);
CREATE INDEX IF NOT EXISTS idx_click_heatmap_daily_date ON click_heatmap_daily_meta(date_key);
`

// Rows in daily_key_counts carry one of three key-count kinds.
const (
	kindKeyAll       = 0
	kindKeyUnshifted = 1
	kindKeyShifted   = 2
)

// Schema markers gating one-time migrations.
const (
	markerDailyCountersV2 = "daily_counters_normalized_v2"
	markerHeatmapImported = "click_heatmap_imported_v1"
)

const (
	opQueueSize = 1024
	recvTimeout = 120 * time.Millisecond
)

// ErrClosed is returned for operations issued after Close.
var ErrClosed = errors.New("history database closed")

// Config tunes the write-behind worker.
type Config struct {
	// FlushInterval is how long pending heatmap deltas may age before a flush.
	FlushInterval time.Duration
	// FlushCellThreshold forces an early flush once this many distinct cells
	// are pending across the total and daily tables.
	FlushCellThreshold int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		FlushInterval:      650 * time.Millisecond,
		FlushCellThreshold: 1200,
	}
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 650 * time.Millisecond
	}
	if c.FlushCellThreshold <= 0 {
		c.FlushCellThreshold = 1200
	}
	return c
}

// DB is the history database handle. All mutation methods enqueue work for
// the worker goroutine; query methods read directly.
type DB struct {
	path  string
	write *sql.DB
	read  *sql.DB
	cfg   Config

	ops       chan op
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens or creates the database at path, applies the schema and
// migrations eagerly, and starts the worker. A migration failure fails the
// open; callers are expected to run without history rather than against a
// half-migrated file.
func Open(path string, cfg Config) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	write, err := sql.Open("sqlite3", path+"?_busy_timeout=2000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// The worker goroutine is the only writer.
	write.SetMaxOpenConns(1)

	if _, err := write.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		write.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}
	if _, err := write.Exec(schema); err != nil {
		write.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	if err := normalizeDailyCounters(write); err != nil {
		write.Close()
		return nil, fmt.Errorf("normalize daily counters: %w", err)
	}

	read, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open history database read-only: %w", err)
	}

	d := &DB{
		path:  path,
		write: write,
		read:  read,
		cfg:   cfg.withDefaults(),
		ops:   make(chan op, opQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// OpenReadOnly opens only the read side of an existing history database,
// for tooling that inspects the archive while the daemon holds the write
// lock or is not running at all. Query methods work as usual; mutation
// methods behave as if the handle were already closed.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("history database: %w", err)
	}
	read, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open history database read-only: %w", err)
	}

	done := make(chan struct{})
	close(done)
	d := &DB{
		path: path,
		read: read,
		cfg:  DefaultConfig(),
		ops:  make(chan op),
		stop: make(chan struct{}),
		done: done,
	}
	// Consume the close-once now; there is no worker to stop.
	d.closeOnce.Do(func() {
		close(d.stop)
	})
	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close drains queued work, flushes pending heatmap deltas, and closes both
// connections.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
	rerr := d.read.Close()
	if d.write == nil {
		return rerr
	}
	if err := d.write.Close(); err != nil {
		return err
	}
	return rerr
}

// UpsertDays queues a bulk write of whole-day aggregates. Each day is
// rewritten in full, so a dropped batch is repaired by the next save.
func (d *DB) UpsertDays(days []merit.DailyStats) {
	if len(days) == 0 {
		return
	}
	if !d.enqueue(opUpsertDaily{days: days}) {
		logging.Warn("history queue full, daily upsert dropped", "days", len(days))
	}
}

// RecordClick queues one click for today on the given display cell. Returns
// false when the display is blank, the index is out of range, the queue is
// full, or the database is closed.
func (d *DB) RecordClick(displayID string, idx int) bool {
	displayID = strings.TrimSpace(displayID)
	if displayID == "" || idx < 0 || idx >= heatmap.BaseLen {
		return false
	}
	return d.enqueue(opHeatmapDelta{
		dateKey:   merit.DateKey(time.Now()),
		displayID: displayID,
		idx:       idx,
		delta:     1,
	})
}

// ClearDaily deletes every stored day and schedules a vacuum afterwards.
func (d *DB) ClearDaily() error {
	reply := make(chan error, 1)
	if err := d.send(opClearDaily{reply: reply}); err != nil {
		return err
	}
	d.enqueue(opVacuum{})
	return d.wait(reply)
}

// ClearHeatmap deletes stored heatmap rows. Empty arguments widen the scope
// the same way heatmap.State.Clear does: both empty clears everything, a
// date alone clears that day, a display alone clears its all-time rows.
func (d *DB) ClearHeatmap(displayID, dateKey string) error {
	reply := make(chan error, 1)
	if err := d.send(opClearHeatmap{displayID: displayID, dateKey: dateKey, reply: reply}); err != nil {
		return err
	}
	return d.wait(reply)
}

// ImportHeatmap copies snapshot heatmap state into the database. A schema
// marker makes repeat calls no-ops, so the snapshot grids are imported
// exactly once over the lifetime of the file.
func (d *DB) ImportHeatmap(state *heatmap.State) error {
	reply := make(chan error, 1)
	if err := d.send(opImportHeatmap{state: state, reply: reply}); err != nil {
		return err
	}
	return d.wait(reply)
}

// Vacuum schedules a best-effort VACUUM.
func (d *DB) Vacuum() {
	d.enqueue(opVacuum{})
}

type op interface{ isOp() }

type opUpsertDaily struct{ days []merit.DailyStats }

type opHeatmapDelta struct {
	dateKey   string
	displayID string
	idx       int
	delta     uint32
}

type opClearDaily struct{ reply chan error }

type opClearHeatmap struct {
	displayID string
	dateKey   string
	reply     chan error
}

type opImportHeatmap struct {
	state *heatmap.State
	reply chan error
}

type opVacuum struct{}

func (opUpsertDaily) isOp()   {}
func (opHeatmapDelta) isOp()  {}
func (opClearDaily) isOp()    {}
func (opClearHeatmap) isOp()  {}
func (opImportHeatmap) isOp() {}
func (opVacuum) isOp()        {}

// enqueue is the non-blocking send used by high-rate producers.
func (d *DB) enqueue(o op) bool {
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.ops <- o:
		return true
	default:
		return false
	}
}

// send blocks until the op is queued or the database is closed.
func (d *DB) send(o op) error {
	select {
	case d.ops <- o:
		return nil
	case <-d.stop:
		return ErrClosed
	}
}

// wait returns the op's reply, falling back to ErrClosed if the worker shut
// down before reaching it. The worker drains the queue on shutdown, so a
// queued op normally still gets its answer.
func (d *DB) wait(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-d.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// run is the worker loop. The timed receive doubles as the flush clock:
// pending heatmap deltas are checked after every op and every timeout.
func (d *DB) run() {
	defer close(d.done)

	pending := newPendingHeatmap()
	lastFlush := time.Now()

	for {
		var next op
		select {
		case next = <-d.ops:
		case <-time.After(recvTimeout):
		case <-d.stop:
			for {
				select {
				case o := <-d.ops:
					d.handle(o, pending)
				default:
					d.flushHeatmap(pending)
					return
				}
			}
		}
		if next != nil {
			d.handle(next, pending)
		}
		if !pending.empty() &&
			(time.Since(lastFlush) >= d.cfg.FlushInterval || pending.cells() >= d.cfg.FlushCellThreshold) {
			d.flushHeatmap(pending)
			pending = newPendingHeatmap()
			lastFlush = time.Now()
		}
	}
}

func (d *DB) handle(o op, pending *pendingHeatmap) {
	switch o := o.(type) {
	case opUpsertDaily:
		d.upsertDays(o.days)
	case opHeatmapDelta:
		pending.add(o.dateKey, o.displayID, o.idx, o.delta)
	case opClearDaily:
		err := d.clearDaily()
		if o.reply != nil {
			o.reply <- err
		}
	case opClearHeatmap:
		err := d.clearHeatmap(o.displayID, o.dateKey)
		if o.reply != nil {
			o.reply <- err
		}
	case opImportHeatmap:
		err := d.importHeatmap(o.state)
		if o.reply != nil {
			o.reply <- err
		}
	case opVacuum:
		if _, err := d.write.Exec("VACUUM"); err != nil {
			logging.Warn("history vacuum failed", "error", err)
		}
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// clampI64 bounds a counter for storage in an SQLite INTEGER column.
func clampI64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// clampU64 undoes clampI64 on the way out; out-of-range values pin to the
// maximum rather than wrapping.
func clampU64(v int64) uint64 {
	if v < 0 {
		return math.MaxUint64
	}
	return uint64(v)
}

func clampU32(v int64) uint32 {
	if v < 0 || v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func satAdd32(a, b uint32) uint32 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint32(0)
}

func satAdd64(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}
