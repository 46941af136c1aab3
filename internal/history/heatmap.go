package history

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meritd/internal/heatmap"
	"meritd/internal/logging"
	"meritd/internal/metrics"
)

type cellKey struct {
	displayID string
	idx       int
}

type dailyCellKey struct {
	dateKey   string
	displayID string
	idx       int
}

type dayDisplayKey struct {
	dateKey   string
	displayID string
}

// pendingHeatmap coalesces click deltas between flushes. Cell counts
// saturate at uint32 like the in-memory grids; click totals at uint64.
type pendingHeatmap struct {
	totalCells  map[cellKey]uint32
	dailyCells  map[dailyCellKey]uint32
	totalClicks map[string]uint64
	dailyClicks map[dayDisplayKey]uint64
}

func newPendingHeatmap() *pendingHeatmap {
	return &pendingHeatmap{
		totalCells:  make(map[cellKey]uint32),
		dailyCells:  make(map[dailyCellKey]uint32),
		totalClicks: make(map[string]uint64),
		dailyClicks: make(map[dayDisplayKey]uint64),
	}
}

func (p *pendingHeatmap) add(dateKey, displayID string, idx int, delta uint32) {
	if delta == 0 {
		return
	}
	tk := cellKey{displayID: displayID, idx: idx}
	p.totalCells[tk] = satAdd32(p.totalCells[tk], delta)
	dk := dailyCellKey{dateKey: dateKey, displayID: displayID, idx: idx}
	p.dailyCells[dk] = satAdd32(p.dailyCells[dk], delta)
	p.totalClicks[displayID] = satAdd64(p.totalClicks[displayID], uint64(delta))
	ck := dayDisplayKey{dateKey: dateKey, displayID: displayID}
	p.dailyClicks[ck] = satAdd64(p.dailyClicks[ck], uint64(delta))
}

func (p *pendingHeatmap) empty() bool {
	return len(p.totalCells) == 0
}

// cells counts distinct pending rows across both cell tables; the flush
// threshold works on this.
func (p *pendingHeatmap) cells() int {
	return len(p.totalCells) + len(p.dailyCells)
}

// flushHeatmap applies the pending deltas in one transaction. A failed
// flush drops the batch; the in-memory grids still have the clicks.
func (d *DB) flushHeatmap(p *pendingHeatmap) {
	if p.empty() {
		return
	}
	start := time.Now()
	if err := d.applyHeatmapBatch(p); err != nil {
		logging.Warn("click heatmap flush failed", "error", err)
		metrics.GetMetrics().RecordError()
		return
	}
	metrics.GetMetrics().RecordDBFlush(time.Since(start))
}

func (d *DB) applyHeatmapBatch(p *pendingHeatmap) error {
	tx, err := d.write.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTotalCells(tx, p.totalCells); err != nil {
		return err
	}
	if err := upsertDailyCells(tx, p.dailyCells); err != nil {
		return err
	}
	if err := upsertTotalClicks(tx, p.totalClicks); err != nil {
		return err
	}
	if err := upsertDailyClicks(tx, p.dailyClicks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func upsertTotalCells(tx *sql.Tx, cells map[cellKey]uint32) error {
	if len(cells) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_total_cells (display_id, idx, count) VALUES (?, ?, ?)
		ON CONFLICT(display_id, idx) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare click_heatmap_total_cells upsert: %w", err)
	}
	defer stmt.Close()

	for key, delta := range cells {
		if delta == 0 {
			continue
		}
		if _, err := stmt.Exec(key.displayID, key.idx, int64(delta)); err != nil {
			return fmt.Errorf("upsert click_heatmap_total_cells: %w", err)
		}
	}
	return nil
}

func upsertDailyCells(tx *sql.Tx, cells map[dailyCellKey]uint32) error {
	if len(cells) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_daily_cells (date_key, display_id, idx, count) VALUES (?, ?, ?, ?)
		ON CONFLICT(date_key, display_id, idx) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare click_heatmap_daily_cells upsert: %w", err)
	}
	defer stmt.Close()

	for key, delta := range cells {
		if delta == 0 {
			continue
		}
		if _, err := stmt.Exec(key.dateKey, key.displayID, key.idx, int64(delta)); err != nil {
			return fmt.Errorf("upsert click_heatmap_daily_cells: %w", err)
		}
	}
	return nil
}

func upsertTotalClicks(tx *sql.Tx, clicks map[string]uint64) error {
	if len(clicks) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_total_meta (display_id, total_clicks) VALUES (?, ?)
		ON CONFLICT(display_id) DO UPDATE SET total_clicks = total_clicks + excluded.total_clicks`)
	if err != nil {
		return fmt.Errorf("prepare click_heatmap_total_meta upsert: %w", err)
	}
	defer stmt.Close()

	for displayID, delta := range clicks {
		if delta == 0 {
			continue
		}
		if _, err := stmt.Exec(displayID, clampI64(delta)); err != nil {
			return fmt.Errorf("upsert click_heatmap_total_meta: %w", err)
		}
	}
	return nil
}

func upsertDailyClicks(tx *sql.Tx, clicks map[dayDisplayKey]uint64) error {
	if len(clicks) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_daily_meta (date_key, display_id, total_clicks) VALUES (?, ?, ?)
		ON CONFLICT(date_key, display_id) DO UPDATE SET total_clicks = total_clicks + excluded.total_clicks`)
	if err != nil {
		return fmt.Errorf("prepare click_heatmap_daily_meta upsert: %w", err)
	}
	defer stmt.Close()

	for key, delta := range clicks {
		if delta == 0 {
			continue
		}
		if _, err := stmt.Exec(key.dateKey, key.displayID, clampI64(delta)); err != nil {
			return fmt.Errorf("upsert click_heatmap_daily_meta: %w", err)
		}
	}
	return nil
}

// clearHeatmap deletes stored rows for the given scope in one transaction.
// Note the display-only case touches the all-time tables but not daily
// history, mirroring heatmap.State.Clear.
func (d *DB) clearHeatmap(displayID, dateKey string) error {
	tx, err := d.write.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch {
	case displayID != "" && dateKey != "":
		if _, err := tx.Exec("DELETE FROM click_heatmap_daily_cells WHERE date_key = ? AND display_id = ?", dateKey, displayID); err != nil {
			return fmt.Errorf("clear click_heatmap_daily_cells: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM click_heatmap_daily_meta WHERE date_key = ? AND display_id = ?", dateKey, displayID); err != nil {
			return fmt.Errorf("clear click_heatmap_daily_meta: %w", err)
		}
	case dateKey != "":
		if _, err := tx.Exec("DELETE FROM click_heatmap_daily_cells WHERE date_key = ?", dateKey); err != nil {
			return fmt.Errorf("clear click_heatmap_daily_cells: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM click_heatmap_daily_meta WHERE date_key = ?", dateKey); err != nil {
			return fmt.Errorf("clear click_heatmap_daily_meta: %w", err)
		}
	case displayID != "":
		if _, err := tx.Exec("DELETE FROM click_heatmap_total_cells WHERE display_id = ?", displayID); err != nil {
			return fmt.Errorf("clear click_heatmap_total_cells: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM click_heatmap_total_meta WHERE display_id = ?", displayID); err != nil {
			return fmt.Errorf("clear click_heatmap_total_meta: %w", err)
		}
	default:
		for _, table := range []string{
			"click_heatmap_total_cells",
			"click_heatmap_total_meta",
			"click_heatmap_daily_cells",
			"click_heatmap_daily_meta",
		} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// importHeatmap copies a snapshot state into the heatmap tables, replacing
// any existing counts rather than adding to them. Gated by a schema marker
// written after the commit, so a crash mid-import retries next run.
func (d *DB) importHeatmap(state *heatmap.State) error {
	var marker string
	err := d.write.QueryRow("SELECT value FROM schema_meta WHERE key = ?", markerHeatmapImported).Scan(&marker)
	if err == nil && strings.TrimSpace(marker) == "1" {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema marker: %w", err)
	}

	if state != nil {
		if err := d.importHeatmapState(state); err != nil {
			return err
		}
	}

	if _, err := d.write.Exec(
		"INSERT INTO schema_meta (key, value) VALUES (?, '1') ON CONFLICT(key) DO UPDATE SET value = '1'",
		markerHeatmapImported,
	); err != nil {
		logging.Warn("schema marker write failed", "marker", markerHeatmapImported, "error", err)
	}
	return nil
}

func (d *DB) importHeatmapState(state *heatmap.State) error {
	tx, err := d.write.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cellStmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_total_cells (display_id, idx, count) VALUES (?, ?, ?)
		ON CONFLICT(display_id, idx) DO UPDATE SET count = excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare total cell import: %w", err)
	}
	defer cellStmt.Close()

	metaStmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_total_meta (display_id, total_clicks) VALUES (?, ?)
		ON CONFLICT(display_id) DO UPDATE SET total_clicks = excluded.total_clicks`)
	if err != nil {
		return fmt.Errorf("prepare total meta import: %w", err)
	}
	defer metaStmt.Close()

	for displayID, grid := range state.Displays {
		if _, err := metaStmt.Exec(displayID, clampI64(grid.TotalClicks)); err != nil {
			return fmt.Errorf("import total meta: %w", err)
		}
		for idx, count := range grid.Grid {
			if count == 0 {
				continue
			}
			if _, err := cellStmt.Exec(displayID, idx, int64(count)); err != nil {
				return fmt.Errorf("import total cell: %w", err)
			}
		}
	}

	dailyCellStmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_daily_cells (date_key, display_id, idx, count) VALUES (?, ?, ?, ?)
		ON CONFLICT(date_key, display_id, idx) DO UPDATE SET count = excluded.count`)
	if err != nil {
		return fmt.Errorf("prepare daily cell import: %w", err)
	}
	defer dailyCellStmt.Close()

	dailyMetaStmt, err := tx.Prepare(`
		INSERT INTO click_heatmap_daily_meta (date_key, display_id, total_clicks) VALUES (?, ?, ?)
		ON CONFLICT(date_key, display_id) DO UPDATE SET total_clicks = excluded.total_clicks`)
	if err != nil {
		return fmt.Errorf("prepare daily meta import: %w", err)
	}
	defer dailyMetaStmt.Close()

	for dateKey, day := range state.Daily {
		for displayID, grid := range day.Displays {
			if _, err := dailyMetaStmt.Exec(dateKey, displayID, clampI64(grid.TotalClicks)); err != nil {
				return fmt.Errorf("import daily meta: %w", err)
			}
			for idx, count := range grid.Grid {
				if count == 0 {
					continue
				}
				if _, err := dailyCellStmt.Exec(dateKey, displayID, idx, int64(count)); err != nil {
					return fmt.Errorf("import daily cell: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit heatmap import: %w", err)
	}
	return nil
}
