// Package merit holds the counting model: per-day aggregates, the bounded
// history, and the storage that owns them behind one reader-writer lock.
//
// All arithmetic saturates instead of overflowing. Functions that need wall
// time take it as a parameter; only Storage reads the clock, so day rollover
// is testable without a fake clock.
package merit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// InputOrigin says whether a counted action came from the global OS-level
// listener or an explicit in-app action.
type InputOrigin string

const (
	OriginGlobal InputOrigin = "global"
	OriginApp    InputOrigin = "app"
)

func (o *InputOrigin) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "global":
		*o = OriginGlobal
	case "app":
		*o = OriginApp
	default:
		return fmt.Errorf("invalid input origin: %s", raw)
	}
	return nil
}

// InputSource is the input modality.
type InputSource string

const (
	SourceKeyboard    InputSource = "keyboard"
	SourceMouseSingle InputSource = "mouse_single"
)

func (s *InputSource) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "keyboard":
		*s = SourceKeyboard
	case "mouse_single":
		*s = SourceMouseSingle
	case "mouse_double":
		// Legacy snapshots predate the single/double split collapse.
		*s = SourceMouseSingle
	default:
		return fmt.Errorf("invalid input source: %s", raw)
	}
	return nil
}

// DateKey formats a wall-clock time as the local YYYY-MM-DD day key used
// throughout stats and history storage.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func satAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}

const hoursPerDay = 24

// HourlyStats is one hour bucket of a day.
type HourlyStats struct {
	Total       uint64 `json:"total"`
	Keyboard    uint64 `json:"keyboard"`
	MouseSingle uint64 `json:"mouse_single"`
}

func (h *HourlyStats) addMerit(source InputSource, count uint64) {
	if count == 0 {
		return
	}
	h.Total = satAdd(h.Total, count)
	switch source {
	case SourceKeyboard:
		h.Keyboard = satAdd(h.Keyboard, count)
	case SourceMouseSingle:
		h.MouseSingle = satAdd(h.MouseSingle, count)
	}
}

func defaultHourly() []HourlyStats {
	return make([]HourlyStats, hoursPerDay)
}

// AppInputStats aggregates one application's share of a day.
type AppInputStats struct {
	Name        *string `json:"name"`
	Total       uint64  `json:"total"`
	Keyboard    uint64  `json:"keyboard"`
	MouseSingle uint64  `json:"mouse_single"`
}

func (a *AppInputStats) add(name string, source InputSource, count uint64) {
	if count == 0 {
		return
	}
	if a.Name == nil && name != "" {
		n := name
		a.Name = &n
	}
	a.Total = satAdd(a.Total, count)
	switch source {
	case SourceKeyboard:
		a.Keyboard = satAdd(a.Keyboard, count)
	case SourceMouseSingle:
		a.MouseSingle = satAdd(a.MouseSingle, count)
	}
}

func (a AppInputStats) clone() AppInputStats {
	out := a
	if a.Name != nil {
		n := *a.Name
		out.Name = &n
	}
	return out
}

// maxAppEntriesPerDay bounds the per-app map so a day with many short-lived
// processes cannot grow the snapshot without limit.
const maxAppEntriesPerDay = 200

// DailyStats is the full aggregate for one local day.
type DailyStats struct {
	Date                         string                   `json:"date"`
	Total                        uint64                   `json:"total"`
	Keyboard                     uint64                   `json:"keyboard"`
	MouseSingle                  uint64                   `json:"mouse_single"`
	FirstEventAtMs               *uint64                  `json:"first_event_at_ms"`
	LastEventAtMs                *uint64                  `json:"last_event_at_ms"`
	MouseMoveDistancePx          uint64                   `json:"mouse_move_distance_px"`
	MouseMoveDistancePxByDisplay map[string]uint64        `json:"mouse_move_distance_px_by_display"`
	Hourly                       []HourlyStats            `json:"hourly"`
	KeyCounts                    map[string]uint64        `json:"key_counts"`
	KeyCountsUnshifted           map[string]uint64        `json:"key_counts_unshifted"`
	KeyCountsShifted             map[string]uint64        `json:"key_counts_shifted"`
	ShortcutCounts               map[string]uint64        `json:"shortcut_counts"`
	MouseButtonCounts            map[string]uint64        `json:"mouse_button_counts"`
	AppInputCounts               map[string]AppInputStats `json:"app_input_counts"`
}

// DailyStatsLite is DailyStats without the heavy per-key maps; used for
// frequent broadcasts and list queries.
type DailyStatsLite struct {
	Date                         string            `json:"date"`
	Total                        uint64            `json:"total"`
	Keyboard                     uint64            `json:"keyboard"`
	MouseSingle                  uint64            `json:"mouse_single"`
	FirstEventAtMs               *uint64           `json:"first_event_at_ms"`
	LastEventAtMs                *uint64           `json:"last_event_at_ms"`
	MouseMoveDistancePx          uint64            `json:"mouse_move_distance_px"`
	MouseMoveDistancePxByDisplay map[string]uint64 `json:"mouse_move_distance_px_by_display"`
	Hourly                       []HourlyStats     `json:"hourly"`
}

// NewDailyStats returns an empty day for the given date key.
func NewDailyStats(date string) DailyStats {
	return DailyStats{
		Date:                         date,
		MouseMoveDistancePxByDisplay: make(map[string]uint64),
		Hourly:                       defaultHourly(),
		KeyCounts:                    make(map[string]uint64),
		KeyCountsUnshifted:           make(map[string]uint64),
		KeyCountsShifted:             make(map[string]uint64),
		ShortcutCounts:               make(map[string]uint64),
		MouseButtonCounts:            make(map[string]uint64),
		AppInputCounts:               make(map[string]AppInputStats),
	}
}

// NormalizeHourly pads or truncates the hourly slice back to 24 buckets.
// Decoded snapshots from older versions may carry fewer or more.
func (d *DailyStats) NormalizeHourly() {
	if len(d.Hourly) == hoursPerDay {
		return
	}
	if len(d.Hourly) == 0 {
		d.Hourly = defaultHourly()
		return
	}
	next := defaultHourly()
	copy(next, d.Hourly)
	d.Hourly = next
}

// Lite strips the heavy maps.
func (d *DailyStats) Lite() DailyStatsLite {
	return DailyStatsLite{
		Date:                         d.Date,
		Total:                        d.Total,
		Keyboard:                     d.Keyboard,
		MouseSingle:                  d.MouseSingle,
		FirstEventAtMs:               cloneU64Ptr(d.FirstEventAtMs),
		LastEventAtMs:                cloneU64Ptr(d.LastEventAtMs),
		MouseMoveDistancePx:          d.MouseMoveDistancePx,
		MouseMoveDistancePxByDisplay: cloneCounts(d.MouseMoveDistancePxByDisplay),
		Hourly:                       cloneHourly(d.Hourly),
	}
}

// Clone deep-copies the day, including every map.
func (d *DailyStats) Clone() DailyStats {
	out := *d
	out.FirstEventAtMs = cloneU64Ptr(d.FirstEventAtMs)
	out.LastEventAtMs = cloneU64Ptr(d.LastEventAtMs)
	out.MouseMoveDistancePxByDisplay = cloneCounts(d.MouseMoveDistancePxByDisplay)
	out.Hourly = cloneHourly(d.Hourly)
	out.KeyCounts = cloneCounts(d.KeyCounts)
	out.KeyCountsUnshifted = cloneCounts(d.KeyCountsUnshifted)
	out.KeyCountsShifted = cloneCounts(d.KeyCountsShifted)
	out.ShortcutCounts = cloneCounts(d.ShortcutCounts)
	if d.AppInputCounts != nil {
		out.AppInputCounts = make(map[string]AppInputStats, len(d.AppInputCounts))
		for id, app := range d.AppInputCounts {
			out.AppInputCounts[id] = app.clone()
		}
	}
	return out
}

func (d *DailyStats) recordEventAtMs(eventAtMs uint64) {
	if eventAtMs == 0 {
		return
	}
	if d.FirstEventAtMs == nil || *d.FirstEventAtMs > eventAtMs {
		v := eventAtMs
		d.FirstEventAtMs = &v
	}
	if d.LastEventAtMs == nil || *d.LastEventAtMs < eventAtMs {
		v := eventAtMs
		d.LastEventAtMs = &v
	}
}

// AddMerit applies count units of the given source and records the event
// timestamp against the day's first/last bounds.
func (d *DailyStats) AddMerit(source InputSource, count uint64, eventAtMs uint64) {
	if count == 0 {
		return
	}
	d.recordEventAtMs(eventAtMs)
	d.Total = satAdd(d.Total, count)
	switch source {
	case SourceKeyboard:
		d.Keyboard = satAdd(d.Keyboard, count)
	case SourceMouseSingle:
		d.MouseSingle = satAdd(d.MouseSingle, count)
	}
}

// AddHourlyMerit applies count units to the given hour bucket.
func (d *DailyStats) AddHourlyMerit(hour int, source InputSource, count uint64) {
	if count == 0 || hour < 0 || hour >= hoursPerDay {
		return
	}
	d.NormalizeHourly()
	d.Hourly[hour].addMerit(source, count)
}

// AddMouseMoveDistancePx accumulates whole-pixel cursor travel, optionally
// attributed to a display.
func (d *DailyStats) AddMouseMoveDistancePx(displayID string, px uint64, eventAtMs uint64) {
	if px == 0 {
		return
	}
	d.recordEventAtMs(eventAtMs)
	d.MouseMoveDistancePx = satAdd(d.MouseMoveDistancePx, px)
	id := strings.TrimSpace(displayID)
	if id == "" {
		return
	}
	if d.MouseMoveDistancePxByDisplay == nil {
		d.MouseMoveDistancePxByDisplay = make(map[string]uint64)
	}
	d.MouseMoveDistancePxByDisplay[id] = satAdd(d.MouseMoveDistancePxByDisplay[id], px)
}

// AddAppMerit applies count units to one application's entry, pruning the map
// back under the cap while always keeping the entry just updated.
func (d *DailyStats) AddAppMerit(appID, appName string, source InputSource, count uint64) {
	if count == 0 || appID == "" {
		return
	}
	if d.AppInputCounts == nil {
		d.AppInputCounts = make(map[string]AppInputStats)
	}
	entry := d.AppInputCounts[appID]
	entry.add(appName, source, count)
	d.AppInputCounts[appID] = entry

	if len(d.AppInputCounts) > maxAppEntriesPerDay {
		d.pruneAppInputCounts(appID)
	}
}

func (d *DailyStats) pruneAppInputCounts(keepID string) {
	if len(d.AppInputCounts) <= maxAppEntriesPerDay {
		return
	}

	type appTotal struct {
		id    string
		total uint64
	}
	entries := make([]appTotal, 0, len(d.AppInputCounts))
	for id, app := range d.AppInputCounts {
		entries = append(entries, appTotal{id: id, total: app.Total})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].total > entries[j].total })

	keep := make(map[string]struct{}, maxAppEntriesPerDay+1)
	for i := 0; i < maxAppEntriesPerDay && i < len(entries); i++ {
		keep[entries[i].id] = struct{}{}
	}
	keep[keepID] = struct{}{}

	for id := range d.AppInputCounts {
		if _, ok := keep[id]; !ok {
			delete(d.AppInputCounts, id)
		}
	}
}

// MergeKeyCounts folds a per-key delta map into the day's all-keys map.
func (d *DailyStats) MergeKeyCounts(counts map[string]uint64) {
	d.KeyCounts = mergeCounts(d.KeyCounts, counts)
}

// MergeKeyUnshiftedCounts folds a delta map into the unshifted-keys map.
func (d *DailyStats) MergeKeyUnshiftedCounts(counts map[string]uint64) {
	d.KeyCountsUnshifted = mergeCounts(d.KeyCountsUnshifted, counts)
}

// MergeKeyShiftedCounts folds a delta map into the shifted-keys map.
func (d *DailyStats) MergeKeyShiftedCounts(counts map[string]uint64) {
	d.KeyCountsShifted = mergeCounts(d.KeyCountsShifted, counts)
}

// MergeShortcutCounts folds a delta map into the shortcut map.
func (d *DailyStats) MergeShortcutCounts(counts map[string]uint64) {
	d.ShortcutCounts = mergeCounts(d.ShortcutCounts, counts)
}

// MergeMouseButtonCounts folds a delta map into the mouse-button map.
func (d *DailyStats) MergeMouseButtonCounts(counts map[string]uint64) {
	d.MouseButtonCounts = mergeCounts(d.MouseButtonCounts, counts)
}

// RecomputeCounters rebuilds derived totals from the per-source counters.
// Called after decoding, so days written by any prior version satisfy
// total == keyboard + mouse_single.
func (d *DailyStats) RecomputeCounters() {
	d.NormalizeHourly()
	d.Total = satAdd(d.Keyboard, d.MouseSingle)
	for id, app := range d.AppInputCounts {
		app.Total = satAdd(app.Keyboard, app.MouseSingle)
		d.AppInputCounts[id] = app
	}
}

// maxHistoryDays bounds the in-memory recent history; older days live only
// in the history database.
const maxHistoryDays = 400

// MeritStats is the live counter singleton: the running total, today's
// aggregate, and a bounded recent history sorted newest first.
type MeritStats struct {
	TotalMerit uint64       `json:"total_merit"`
	Today      DailyStats   `json:"today"`
	History    []DailyStats `json:"history"`
}

// MeritStatsLite pairs the running total with today's lite aggregate.
type MeritStatsLite struct {
	TotalMerit uint64         `json:"total_merit"`
	Today      DailyStatsLite `json:"today"`
}

// NewMeritStats returns empty stats with today initialized for the given time.
func NewMeritStats(now time.Time) MeritStats {
	return MeritStats{
		Today:   NewDailyStats(DateKey(now)),
		History: make([]DailyStats, 0),
	}
}

// Lite strips history and today's heavy maps.
func (m *MeritStats) Lite() MeritStatsLite {
	return MeritStatsLite{TotalMerit: m.TotalMerit, Today: m.Today.Lite()}
}

// Clone deep-copies the stats.
func (m *MeritStats) Clone() MeritStats {
	out := MeritStats{
		TotalMerit: m.TotalMerit,
		Today:      m.Today.Clone(),
		History:    make([]DailyStats, len(m.History)),
	}
	for i := range m.History {
		out.History[i] = m.History[i].Clone()
	}
	return out
}

// NormalizeToday archives today and starts a fresh day if the wall clock has
// crossed into a new date. Idempotent within a day.
func (m *MeritStats) NormalizeToday(now time.Time) {
	today := DateKey(now)
	if m.Today.Date != today {
		m.archiveToday()
		m.Today = NewDailyStats(today)
	}
}

// AddMerit applies count units: rolls the day over if needed, then updates
// the running total, the day total, and the hour bucket, all against the
// same instant.
func (m *MeritStats) AddMerit(source InputSource, count uint64, now time.Time) {
	m.NormalizeToday(now)
	eventAtMs := uint64(0)
	if ms := now.UnixMilli(); ms > 0 {
		eventAtMs = uint64(ms)
	}
	m.TotalMerit = satAdd(m.TotalMerit, count)
	m.Today.AddMerit(source, count, eventAtMs)
	m.Today.AddHourlyMerit(now.Hour(), source, count)
}

// AddMouseMoveDistancePx accumulates cursor travel into today.
func (m *MeritStats) AddMouseMoveDistancePx(displayID string, px uint64, now time.Time) {
	if px == 0 {
		return
	}
	m.NormalizeToday(now)
	eventAtMs := uint64(0)
	if ms := now.UnixMilli(); ms > 0 {
		eventAtMs = uint64(ms)
	}
	m.Today.AddMouseMoveDistancePx(displayID, px, eventAtMs)
}

// AddAppMerit applies count units to one application's entry for today.
func (m *MeritStats) AddAppMerit(appID, appName string, source InputSource, count uint64, now time.Time) {
	if count == 0 {
		return
	}
	m.NormalizeToday(now)
	m.Today.AddAppMerit(appID, appName, source, count)
}

// RecomputeCounters rebuilds every derived total, including the running
// total from history plus today.
func (m *MeritStats) RecomputeCounters() {
	m.Today.RecomputeCounters()
	for i := range m.History {
		m.History[i].RecomputeCounters()
	}

	total := m.Today.Total
	for i := range m.History {
		total = satAdd(total, m.History[i].Total)
	}
	m.TotalMerit = total
}

func (m *MeritStats) archiveToday() {
	if m.Today.Total == 0 {
		return
	}
	m.History = append(m.History, m.Today.Clone())
	sort.Slice(m.History, func(i, j int) bool { return m.History[i].Date > m.History[j].Date })
	if len(m.History) > maxHistoryDays {
		m.History = m.History[:maxHistoryDays]
	}
}

// ClearHistory drops the archived days and recomputes the running total from
// what remains (today only).
func (m *MeritStats) ClearHistory() {
	m.History = m.History[:0]
	m.RecomputeCounters()
}

// ResetAll zeroes everything and starts a fresh day.
func (m *MeritStats) ResetAll(now time.Time) {
	m.TotalMerit = 0
	m.Today = NewDailyStats(DateKey(now))
	m.History = m.History[:0]
}

func mergeCounts(dst, src map[string]uint64) map[string]uint64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]uint64, len(src))
	}
	for key, count := range src {
		if count == 0 {
			continue
		}
		dst[key] = satAdd(dst[key], count)
	}
	return dst
}

func cloneCounts(src map[string]uint64) map[string]uint64 {
	if src == nil {
		return nil
	}
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneHourly(src []HourlyStats) []HourlyStats {
	if src == nil {
		return nil
	}
	out := make([]HourlyStats, len(src))
	copy(out, src)
	return out
}

func cloneU64Ptr(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
