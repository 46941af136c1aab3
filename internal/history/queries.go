package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"meritd/internal/heatmap"
	"meritd/internal/intern"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// Cell is one non-zero heatmap cell at base grid resolution.
type Cell struct {
	Idx   uint32 `json:"idx"`
	Count uint32 `json:"count"`
}

// Aggregates sums the heavy counters over a date-key range.
type Aggregates struct {
	KeyCountsAll       map[string]uint64              `json:"key_counts_all"`
	KeyCountsUnshifted map[string]uint64              `json:"key_counts_unshifted"`
	KeyCountsShifted   map[string]uint64              `json:"key_counts_shifted"`
	ShortcutCounts     map[string]uint64              `json:"shortcut_counts"`
	MouseButtonCounts  map[string]uint64              `json:"mouse_button_counts"`
	Hourly             []merit.HourlyStats            `json:"hourly"`
	AppInputCounts     map[string]merit.AppInputStats `json:"app_input_counts"`
}

// RecentDays returns up to limit most recent days, newest first, with the
// heavy counters hydrated from the child tables.
func (d *DB) RecentDays(limit int) ([]merit.DailyStats, error) {
	defer metrics.GetMetrics().StartQueryTimer().Stop()

	if limit < 0 {
		limit = 0
	}

	type dayRow struct {
		dateKey string
		day     merit.DailyStats
	}
	var stored []dayRow

	rows, err := d.read.Query("SELECT date_key, payload_json FROM daily_stats ORDER BY date_key DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query daily_stats: %w", err)
	}
	for rows.Next() {
		var r dayRow
		var payload string
		if err := rows.Scan(&r.dateKey, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read daily_stats row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.day); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode daily payload %s: %w", r.dateKey, err)
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("query daily_stats: %w", err)
	}
	rows.Close()

	if len(stored) == 0 {
		return []merit.DailyStats{}, nil
	}

	minKey, maxKey := stored[0].dateKey, stored[0].dateKey
	for _, r := range stored {
		if r.dateKey < minKey {
			minKey = r.dateKey
		}
		if r.dateKey > maxKey {
			maxKey = r.dateKey
		}
	}

	h, err := d.loadHydration(minKey, maxKey)
	if err != nil {
		return nil, err
	}

	days := make([]merit.DailyStats, 0, len(stored))
	for _, r := range stored {
		day := r.day
		h.apply(r.dateKey, &day)
		days = append(days, day)
	}
	return days, nil
}

// RecentDaysLite returns the stored payloads only, newest first. The heavy
// maps were stripped at write time, so no hydration pass is needed.
func (d *DB) RecentDaysLite(limit int) ([]merit.DailyStatsLite, error) {
	defer metrics.GetMetrics().StartQueryTimer().Stop()

	if limit < 0 {
		limit = 0
	}

	rows, err := d.read.Query("SELECT payload_json FROM daily_stats ORDER BY date_key DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query daily_stats: %w", err)
	}
	defer rows.Close()

	out := make([]merit.DailyStatsLite, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("read daily_stats row: %w", err)
		}
		var day merit.DailyStatsLite
		if err := json.Unmarshal([]byte(payload), &day); err != nil {
			return nil, fmt.Errorf("decode daily payload: %w", err)
		}
		out = append(out, day)
	}
	return out, rows.Err()
}

// StatsAggregates sums every heavy counter over the given date-key range.
// Empty bounds leave that side of the range open.
func (d *DB) StatsAggregates(startKey, endKey string) (*Aggregates, error) {
	defer metrics.GetMetrics().StartQueryTimer().Stop()

	agg := &Aggregates{}
	var err error
	if agg.KeyCountsAll, err = d.aggregateKeyCounts(kindKeyAll, startKey, endKey); err != nil {
		return nil, err
	}
	if agg.KeyCountsUnshifted, err = d.aggregateKeyCounts(kindKeyUnshifted, startKey, endKey); err != nil {
		return nil, err
	}
	if agg.KeyCountsShifted, err = d.aggregateKeyCounts(kindKeyShifted, startKey, endKey); err != nil {
		return nil, err
	}
	if agg.ShortcutCounts, err = d.aggregateSimpleCounts("daily_shortcut_counts", "shortcut", startKey, endKey); err != nil {
		return nil, err
	}
	if agg.MouseButtonCounts, err = d.aggregateSimpleCounts("daily_mouse_button_counts", "button", startKey, endKey); err != nil {
		return nil, err
	}
	if agg.Hourly, err = d.aggregateHourly(startKey, endKey); err != nil {
		return nil, err
	}
	if agg.AppInputCounts, err = d.aggregateAppInput(startKey, endKey); err != nil {
		return nil, err
	}
	return agg, nil
}

// HeatmapBase returns the stored cells and click total for one display at
// base resolution; an empty dateKey reads the all-time tables.
func (d *DB) HeatmapBase(displayID, dateKey string) ([]Cell, uint64, error) {
	defer metrics.GetMetrics().StartQueryTimer().Stop()

	displayID = strings.TrimSpace(displayID)
	if displayID == "" {
		return []Cell{}, 0, nil
	}

	var total int64
	var err error
	if dateKey != "" {
		err = d.read.QueryRow(
			"SELECT total_clicks FROM click_heatmap_daily_meta WHERE date_key = ? AND display_id = ?",
			dateKey, displayID,
		).Scan(&total)
	} else {
		err = d.read.QueryRow(
			"SELECT total_clicks FROM click_heatmap_total_meta WHERE display_id = ?",
			displayID,
		).Scan(&total)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("query heatmap meta: %w", err)
	}
	if total < 0 {
		total = 0
	}

	query := "SELECT idx, count FROM click_heatmap_total_cells WHERE display_id = ?"
	args := []any{displayID}
	if dateKey != "" {
		query = "SELECT idx, count FROM click_heatmap_daily_cells WHERE date_key = ? AND display_id = ?"
		args = []any{dateKey, displayID}
	}

	rows, err := d.read.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query heatmap cells: %w", err)
	}
	defer rows.Close()

	cells := make([]Cell, 0)
	for rows.Next() {
		var idx, count int64
		if err := rows.Scan(&idx, &count); err != nil {
			return nil, 0, fmt.Errorf("read heatmap cell row: %w", err)
		}
		if idx < 0 || idx >= int64(heatmap.BaseLen) {
			continue
		}
		c := clampU32(count)
		if c == 0 {
			continue
		}
		cells = append(cells, Cell{Idx: uint32(idx), Count: c})
	}
	return cells, uint64(total), rows.Err()
}

// hydration carries the child-table rows for a date range, keyed by date.
type hydration struct {
	keyAll       map[string]map[string]uint64
	keyUnshifted map[string]map[string]uint64
	keyShifted   map[string]map[string]uint64
	shortcuts    map[string]map[string]uint64
	buttons      map[string]map[string]uint64
	hourly       map[string][]merit.HourlyStats
	apps         map[string]map[string]merit.AppInputStats
}

func (d *DB) loadHydration(minKey, maxKey string) (*hydration, error) {
	h := &hydration{
		keyAll:       make(map[string]map[string]uint64),
		keyUnshifted: make(map[string]map[string]uint64),
		keyShifted:   make(map[string]map[string]uint64),
		hourly:       make(map[string][]merit.HourlyStats),
		apps:         make(map[string]map[string]merit.AppInputStats),
	}

	rows, err := d.read.Query(
		"SELECT date_key, kind, code, count FROM daily_key_counts WHERE date_key BETWEEN ? AND ?",
		minKey, maxKey,
	)
	if err != nil {
		return nil, fmt.Errorf("hydrate daily_key_counts: %w", err)
	}
	for rows.Next() {
		var dateKey, code string
		var kind, count int64
		if err := rows.Scan(&dateKey, &kind, &code, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read daily_key_counts row: %w", err)
		}
		c := clampU64(count)
		if c == 0 {
			continue
		}
		var target map[string]map[string]uint64
		switch kind {
		case kindKeyAll:
			target = h.keyAll
		case kindKeyUnshifted:
			target = h.keyUnshifted
		case kindKeyShifted:
			target = h.keyShifted
		default:
			continue
		}
		m := target[dateKey]
		if m == nil {
			m = make(map[string]uint64)
			target[dateKey] = m
		}
		// The same key names repeat in every day's rows; intern them so
		// hydrated ranges share one copy per code.
		m[intern.Str(code)] = c
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("hydrate daily_key_counts: %w", err)
	}
	rows.Close()

	if h.shortcuts, err = d.datedCounts(
		"SELECT date_key, shortcut, count FROM daily_shortcut_counts WHERE date_key BETWEEN ? AND ?",
		minKey, maxKey,
	); err != nil {
		return nil, err
	}
	if h.buttons, err = d.datedCounts(
		"SELECT date_key, button, count FROM daily_mouse_button_counts WHERE date_key BETWEEN ? AND ?",
		minKey, maxKey,
	); err != nil {
		return nil, err
	}

	rows, err = d.read.Query(
		"SELECT date_key, hour, total, keyboard, mouse_single FROM daily_hourly WHERE date_key BETWEEN ? AND ?",
		minKey, maxKey,
	)
	if err != nil {
		return nil, fmt.Errorf("hydrate daily_hourly: %w", err)
	}
	for rows.Next() {
		var dateKey string
		var hour, total, keyboard, mouse int64
		if err := rows.Scan(&dateKey, &hour, &total, &keyboard, &mouse); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read daily_hourly row: %w", err)
		}
		if hour < 0 || hour >= 24 {
			continue
		}
		buckets := h.hourly[dateKey]
		if buckets == nil {
			buckets = make([]merit.HourlyStats, 24)
			h.hourly[dateKey] = buckets
		}
		buckets[hour] = merit.HourlyStats{
			Total:       clampU64(total),
			Keyboard:    clampU64(keyboard),
			MouseSingle: clampU64(mouse),
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("hydrate daily_hourly: %w", err)
	}
	rows.Close()

	rows, err = d.read.Query(
		"SELECT date_key, app_id, name, keyboard, mouse_single FROM daily_app_input WHERE date_key BETWEEN ? AND ?",
		minKey, maxKey,
	)
	if err != nil {
		return nil, fmt.Errorf("hydrate daily_app_input: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dateKey, appID string
		var name sql.NullString
		var keyboard, mouse int64
		if err := rows.Scan(&dateKey, &appID, &name, &keyboard, &mouse); err != nil {
			return nil, fmt.Errorf("read daily_app_input row: %w", err)
		}
		kb, ms := clampU64(keyboard), clampU64(mouse)
		if kb == 0 && ms == 0 {
			continue
		}
		stats := merit.AppInputStats{
			Total:       satAdd64(kb, ms),
			Keyboard:    kb,
			MouseSingle: ms,
		}
		if name.Valid {
			n := name.String
			stats.Name = &n
		}
		m := h.apps[dateKey]
		if m == nil {
			m = make(map[string]merit.AppInputStats)
			h.apps[dateKey] = m
		}
		m[appID] = stats
	}
	return h, rows.Err()
}

// apply overlays hydrated rows onto one decoded day. Absent rows leave the
// payload's own (stripped) values in place; hourly defaults to 24 empty
// buckets so callers never see a short slice.
func (h *hydration) apply(dateKey string, day *merit.DailyStats) {
	if m, ok := h.keyAll[dateKey]; ok {
		day.KeyCounts = m
	}
	if m, ok := h.keyUnshifted[dateKey]; ok {
		day.KeyCountsUnshifted = m
	}
	if m, ok := h.keyShifted[dateKey]; ok {
		day.KeyCountsShifted = m
	}
	if m, ok := h.shortcuts[dateKey]; ok {
		day.ShortcutCounts = m
	}
	if m, ok := h.buttons[dateKey]; ok {
		day.MouseButtonCounts = m
	}
	if buckets, ok := h.hourly[dateKey]; ok {
		day.Hourly = buckets
	} else if len(day.Hourly) == 0 {
		day.Hourly = make([]merit.HourlyStats, 24)
	}
	if m, ok := h.apps[dateKey]; ok {
		day.AppInputCounts = m
	}
}

// datedCounts runs a (date_key, key, count) query and groups rows by date.
func (d *DB) datedCounts(query, minKey, maxKey string) (map[string]map[string]uint64, error) {
	rows, err := d.read.Query(query, minKey, maxKey)
	if err != nil {
		return nil, fmt.Errorf("hydrate counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]uint64)
	for rows.Next() {
		var dateKey, key string
		var count int64
		if err := rows.Scan(&dateKey, &key, &count); err != nil {
			return nil, fmt.Errorf("read count row: %w", err)
		}
		c := clampU64(count)
		if c == 0 {
			continue
		}
		m := out[dateKey]
		if m == nil {
			m = make(map[string]uint64)
			out[dateKey] = m
		}
		m[intern.Str(key)] = c
	}
	return out, rows.Err()
}

// rangeWhere builds the WHERE clause for an optionally-bounded date range.
func rangeWhere(column, startKey, endKey string) (string, []any) {
	switch {
	case startKey != "" && endKey != "":
		return " WHERE " + column + " BETWEEN ? AND ?", []any{startKey, endKey}
	case startKey != "":
		return " WHERE " + column + " >= ?", []any{startKey}
	case endKey != "":
		return " WHERE " + column + " <= ?", []any{endKey}
	default:
		return "", nil
	}
}

func (d *DB) aggregateKeyCounts(kind int, startKey, endKey string) (map[string]uint64, error) {
	query := "SELECT code, SUM(count) FROM daily_key_counts WHERE kind = ?"
	args := []any{kind}
	switch {
	case startKey != "" && endKey != "":
		query += " AND date_key BETWEEN ? AND ?"
		args = append(args, startKey, endKey)
	case startKey != "":
		query += " AND date_key >= ?"
		args = append(args, startKey)
	case endKey != "":
		query += " AND date_key <= ?"
		args = append(args, endKey)
	}
	return d.simpleCounts(query+" GROUP BY code", args...)
}

func (d *DB) aggregateSimpleCounts(table, keyColumn, startKey, endKey string) (map[string]uint64, error) {
	where, args := rangeWhere("date_key", startKey, endKey)
	query := "SELECT " + keyColumn + ", SUM(count) FROM " + table + where + " GROUP BY " + keyColumn
	return d.simpleCounts(query, args...)
}

func (d *DB) simpleCounts(query string, args ...any) (map[string]uint64, error) {
	rows, err := d.read.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("read count row: %w", err)
		}
		if c := clampU64(count); c > 0 {
			out[key] = c
		}
	}
	return out, rows.Err()
}

func (d *DB) aggregateHourly(startKey, endKey string) ([]merit.HourlyStats, error) {
	where, args := rangeWhere("date_key", startKey, endKey)
	query := "SELECT hour, SUM(total), SUM(keyboard), SUM(mouse_single) FROM daily_hourly" +
		where + " GROUP BY hour ORDER BY hour"

	rows, err := d.read.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hourly aggregate: %w", err)
	}
	defer rows.Close()

	out := make([]merit.HourlyStats, 24)
	for rows.Next() {
		var hour, total, keyboard, mouse int64
		if err := rows.Scan(&hour, &total, &keyboard, &mouse); err != nil {
			return nil, fmt.Errorf("read hourly aggregate row: %w", err)
		}
		if hour < 0 || hour >= 24 {
			continue
		}
		out[hour] = merit.HourlyStats{
			Total:       clampU64(total),
			Keyboard:    clampU64(keyboard),
			MouseSingle: clampU64(mouse),
		}
	}
	return out, rows.Err()
}

func (d *DB) aggregateAppInput(startKey, endKey string) (map[string]merit.AppInputStats, error) {
	where, args := rangeWhere("a.date_key", startKey, endKey)
	query := `SELECT a.app_id, COALESCE(MAX(a.name), m.last_name) AS name, SUM(a.keyboard), SUM(a.mouse_single)
		FROM daily_app_input a
		LEFT JOIN app_meta m ON m.app_id = a.app_id` + where + " GROUP BY a.app_id"

	rows, err := d.read.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query app input aggregate: %w", err)
	}
	defer rows.Close()

	out := make(map[string]merit.AppInputStats)
	for rows.Next() {
		var appID string
		var name sql.NullString
		var keyboard, mouse int64
		if err := rows.Scan(&appID, &name, &keyboard, &mouse); err != nil {
			return nil, fmt.Errorf("read app input aggregate row: %w", err)
		}
		kb, ms := clampU64(keyboard), clampU64(mouse)
		if kb == 0 && ms == 0 {
			continue
		}
		stats := merit.AppInputStats{
			Total:       satAdd64(kb, ms),
			Keyboard:    kb,
			MouseSingle: ms,
		}
		if name.Valid {
			n := name.String
			stats.Name = &n
		}
		out[appID] = stats
	}
	return out, rows.Err()
}
