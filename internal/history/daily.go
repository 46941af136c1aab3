package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"meritd/internal/logging"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// upsertDays rewrites the given days in one transaction. A failing day is
// logged and skipped; the rest of the batch still commits.
func (d *DB) upsertDays(days []merit.DailyStats) {
	start := time.Now()
	tx, err := d.write.Begin()
	if err != nil {
		logging.Warn("history transaction begin failed", "error", err)
		metrics.GetMetrics().RecordError()
		return
	}
	defer tx.Rollback()

	for i := range days {
		if err := upsertDay(tx, &days[i]); err != nil {
			logging.Warn("daily history upsert failed", "date", days[i].Date, "error", err)
			metrics.GetMetrics().RecordError()
		}
	}

	if err := tx.Commit(); err != nil {
		logging.Warn("history transaction commit failed", "error", err)
		metrics.GetMetrics().RecordError()
		return
	}
	metrics.GetMetrics().RecordDBFlush(time.Since(start))
}

// upsertDay writes one day: the daily_stats row with its stripped JSON
// payload, then every child table replaced wholesale for that date.
func upsertDay(tx *sql.Tx, day *merit.DailyStats) error {
	payload, err := json.Marshal(stripHeavyFields(day))
	if err != nil {
		return fmt.Errorf("encode daily payload %s: %w", day.Date, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO daily_stats (date_key, total, keyboard, mouse_single, payload_json, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date_key) DO UPDATE SET
			total = excluded.total,
			keyboard = excluded.keyboard,
			mouse_single = excluded.mouse_single,
			payload_json = excluded.payload_json,
			updated_at_ms = excluded.updated_at_ms`,
		day.Date, clampI64(day.Total), clampI64(day.Keyboard), clampI64(day.MouseSingle),
		string(payload), nowMs(),
	); err != nil {
		return fmt.Errorf("upsert daily_stats %s: %w", day.Date, err)
	}

	return replaceDayChildren(tx, day.Date, day)
}

// stripHeavyFields clears the per-key maps and hourly buckets from the JSON
// payload; the child tables are the authoritative copy of those.
func stripHeavyFields(day *merit.DailyStats) merit.DailyStats {
	out := day.Clone()
	out.KeyCounts = make(map[string]uint64)
	out.KeyCountsUnshifted = make(map[string]uint64)
	out.KeyCountsShifted = make(map[string]uint64)
	out.ShortcutCounts = make(map[string]uint64)
	out.MouseButtonCounts = make(map[string]uint64)
	out.Hourly = []merit.HourlyStats{}
	out.AppInputCounts = make(map[string]merit.AppInputStats)
	return out
}

// replaceDayChildren rewrites every normalized child table for one date.
// When the unshifted map is empty the all-keys map stands in for it, so
// days recorded before the shifted/unshifted split still aggregate.
func replaceDayChildren(tx *sql.Tx, dateKey string, day *merit.DailyStats) error {
	if err := replaceDailyKeyCounts(tx, dateKey, kindKeyAll, day.KeyCounts); err != nil {
		return err
	}
	unshifted := day.KeyCountsUnshifted
	if len(unshifted) == 0 {
		unshifted = day.KeyCounts
	}
	if err := replaceDailyKeyCounts(tx, dateKey, kindKeyUnshifted, unshifted); err != nil {
		return err
	}
	if err := replaceDailyKeyCounts(tx, dateKey, kindKeyShifted, day.KeyCountsShifted); err != nil {
		return err
	}
	if err := replaceDailyShortcutCounts(tx, dateKey, day.ShortcutCounts); err != nil {
		return err
	}
	if err := replaceDailyMouseButtonCounts(tx, dateKey, day.MouseButtonCounts); err != nil {
		return err
	}
	if err := replaceDailyHourly(tx, dateKey, day.Hourly); err != nil {
		return err
	}
	return replaceDailyAppInput(tx, dateKey, day.AppInputCounts)
}

func replaceDailyKeyCounts(tx *sql.Tx, dateKey string, kind int, counts map[string]uint64) error {
	if _, err := tx.Exec("DELETE FROM daily_key_counts WHERE date_key = ? AND kind = ?", dateKey, kind); err != nil {
		return fmt.Errorf("clear daily_key_counts: %w", err)
	}
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.Prepare("INSERT INTO daily_key_counts (date_key, kind, code, count) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare daily_key_counts insert: %w", err)
	}
	defer stmt.Close()

	for code, count := range counts {
		if count == 0 {
			continue
		}
		if _, err := stmt.Exec(dateKey, kind, code, clampI64(count)); err != nil {
			return fmt.Errorf("insert daily_key_counts: %w", err)
		}
	}
	return nil
}

func replaceDailyShortcutCounts(tx *sql.Tx, dateKey string, counts map[string]uint64) error {
	if _, err := tx.Exec("DELETE FROM daily_shortcut_counts WHERE date_key = ?", dateKey); err != nil {
		return fmt.Errorf("clear daily_shortcut_counts: %w", err)
	}
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.Prepare("INSERT INTO daily_shortcut_counts (date_key, shortcut, count) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare daily_shortcut_counts insert: %w", err)
	}
	defer stmt.Close()

	for shortcut, count := range counts {
		key := strings.TrimSpace(shortcut)
		if count == 0 || key == "" {
			continue
		}
		if _, err := stmt.Exec(dateKey, key, clampI64(count)); err != nil {
			return fmt.Errorf("insert daily_shortcut_counts: %w", err)
		}
	}
	return nil
}

func replaceDailyMouseButtonCounts(tx *sql.Tx, dateKey string, counts map[string]uint64) error {
	if _, err := tx.Exec("DELETE FROM daily_mouse_button_counts WHERE date_key = ?", dateKey); err != nil {
		return fmt.Errorf("clear daily_mouse_button_counts: %w", err)
	}
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.Prepare("INSERT INTO daily_mouse_button_counts (date_key, button, count) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare daily_mouse_button_counts insert: %w", err)
	}
	defer stmt.Close()

	for button, count := range counts {
		key := strings.TrimSpace(button)
		if count == 0 || key == "" {
			continue
		}
		if _, err := stmt.Exec(dateKey, key, clampI64(count)); err != nil {
			return fmt.Errorf("insert daily_mouse_button_counts: %w", err)
		}
	}
	return nil
}

func replaceDailyHourly(tx *sql.Tx, dateKey string, hourly []merit.HourlyStats) error {
	if _, err := tx.Exec("DELETE FROM daily_hourly WHERE date_key = ?", dateKey); err != nil {
		return fmt.Errorf("clear daily_hourly: %w", err)
	}
	if len(hourly) == 0 {
		return nil
	}
	stmt, err := tx.Prepare("INSERT INTO daily_hourly (date_key, hour, total, keyboard, mouse_single) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare daily_hourly insert: %w", err)
	}
	defer stmt.Close()

	for hour, b := range hourly {
		if hour >= 24 {
			break
		}
		if b.Total == 0 && b.Keyboard == 0 && b.MouseSingle == 0 {
			continue
		}
		if _, err := stmt.Exec(dateKey, hour, clampI64(b.Total), clampI64(b.Keyboard), clampI64(b.MouseSingle)); err != nil {
			return fmt.Errorf("insert daily_hourly: %w", err)
		}
	}
	return nil
}

func replaceDailyAppInput(tx *sql.Tx, dateKey string, counts map[string]merit.AppInputStats) error {
	if _, err := tx.Exec("DELETE FROM daily_app_input WHERE date_key = ?", dateKey); err != nil {
		return fmt.Errorf("clear daily_app_input: %w", err)
	}
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.Prepare("INSERT INTO daily_app_input (date_key, app_id, name, keyboard, mouse_single) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare daily_app_input insert: %w", err)
	}
	defer stmt.Close()

	metaStmt, err := tx.Prepare(`
		INSERT INTO app_meta (app_id, last_name, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			last_name = excluded.last_name,
			updated_at_ms = excluded.updated_at_ms`)
	if err != nil {
		return fmt.Errorf("prepare app_meta upsert: %w", err)
	}
	defer metaStmt.Close()

	for appID, v := range counts {
		id := strings.TrimSpace(appID)
		if id == "" {
			continue
		}

		var name *string
		if v.Name != nil {
			if trimmed := strings.TrimSpace(*v.Name); trimmed != "" {
				name = &trimmed
			}
		}

		if _, err := stmt.Exec(dateKey, id, name, clampI64(v.Keyboard), clampI64(v.MouseSingle)); err != nil {
			return fmt.Errorf("insert daily_app_input: %w", err)
		}
		if name != nil {
			// Last-seen name per app, best effort.
			if _, err := metaStmt.Exec(id, *name, nowMs()); err != nil {
				logging.Warn("app_meta upsert failed", "app", id, "error", err)
			}
		}
	}
	return nil
}

// clearDaily wipes every daily table. Per-table failures are logged and the
// transaction still commits whatever it could delete.
func (d *DB) clearDaily() error {
	tx, err := d.write.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"daily_key_counts",
		"daily_shortcut_counts",
		"daily_mouse_button_counts",
		"daily_hourly",
		"daily_app_input",
		"app_meta",
		"daily_stats",
	} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			logging.Warn("history clear failed", "table", table, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// normalizeDailyCounters backfills the child tables from JSON payloads
// written before they existed, then strips those payloads. Runs once,
// gated by a schema marker set inside the same transaction.
func normalizeDailyCounters(db *sql.DB) error {
	var marker string
	err := db.QueryRow("SELECT value FROM schema_meta WHERE key = ?", markerDailyCountersV2).Scan(&marker)
	if err == nil && strings.TrimSpace(marker) == "1" {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema marker: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	type payloadRow struct {
		dateKey string
		payload string
	}
	var stored []payloadRow

	rows, err := tx.Query("SELECT date_key, payload_json FROM daily_stats")
	if err != nil {
		return fmt.Errorf("scan daily_stats: %w", err)
	}
	for rows.Next() {
		var r payloadRow
		if err := rows.Scan(&r.dateKey, &r.payload); err != nil {
			rows.Close()
			return fmt.Errorf("read daily_stats row: %w", err)
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("scan daily_stats: %w", err)
	}
	rows.Close()

	for _, r := range stored {
		var day merit.DailyStats
		// Undecodable payloads are left alone rather than failing the whole
		// migration.
		if err := json.Unmarshal([]byte(r.payload), &day); err != nil {
			continue
		}
		// Old builds stored totals that could drift from their parts; the
		// rewrite is the one chance to repair them.
		day.RecomputeCounters()

		if err := replaceDayChildren(tx, r.dateKey, &day); err != nil {
			return err
		}

		stripped, err := json.Marshal(stripHeavyFields(&day))
		if err != nil {
			return fmt.Errorf("encode stripped payload %s: %w", r.dateKey, err)
		}
		if _, err := tx.Exec(
			"UPDATE daily_stats SET total = ?, keyboard = ?, mouse_single = ?, payload_json = ?, updated_at_ms = ? WHERE date_key = ?",
			clampI64(day.Total), clampI64(day.Keyboard), clampI64(day.MouseSingle),
			string(stripped), nowMs(), r.dateKey,
		); err != nil {
			logging.Warn("daily payload rewrite failed", "date", r.dateKey, "error", err)
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_meta (key, value) VALUES (?, '1') ON CONFLICT(key) DO UPDATE SET value = '1'",
		markerDailyCountersV2,
	); err != nil {
		logging.Warn("schema marker write failed", "marker", markerDailyCountersV2, "error", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit daily counters migration: %w", err)
	}
	return nil
}
