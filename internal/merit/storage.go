package merit

import (
	"sync"
	"time"

	"meritd/internal/heatmap"
)

// KeyboardCounts carries the per-batch keyboard detail maps applied alongside
// a keyboard increment. Nil maps mean no detail of that kind.
type KeyboardCounts struct {
	KeyCounts          map[string]uint64
	KeyCountsUnshifted map[string]uint64
	KeyCountsShifted   map[string]uint64
	ShortcutCounts     map[string]uint64
}

// MouseCounts carries the per-batch mouse detail maps.
type MouseCounts struct {
	MouseButtonCounts map[string]uint64
}

// Storage is the single source of truth for live counters, settings, and the
// recent heatmap state. One instance is constructed at startup and shared by
// handle; every method is safe for concurrent use.
//
// The lock guards pure in-memory arithmetic only. Persistence and event
// emission happen outside, driven by the callers' return values.
type Storage struct {
	mu           sync.RWMutex
	stats        MeritStats
	settings     Settings
	achievements AchievementState
	placements   map[string]WindowPlacement
	heatmap      *heatmap.State
}

// NewStorage returns a Storage with default settings and an empty day.
func NewStorage() *Storage {
	return &Storage{
		stats:      NewMeritStats(time.Now()),
		settings:   DefaultSettings(),
		placements: make(map[string]WindowPlacement),
		heatmap:    heatmap.NewState(),
	}
}

// AddMeritSilent applies count units under the counting policy and merges the
// optional detail maps into today. Returns whether anything was counted.
func (s *Storage) AddMeritSilent(origin InputOrigin, source InputSource, count uint64, keyboard *KeyboardCounts, mouse *MouseCounts) bool {
	if count == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.ShouldCount(origin, source) {
		return false
	}

	s.stats.AddMerit(source, count, time.Now())
	switch source {
	case SourceKeyboard:
		if keyboard != nil {
			s.stats.Today.MergeKeyCounts(keyboard.KeyCounts)
			s.stats.Today.MergeKeyUnshiftedCounts(keyboard.KeyCountsUnshifted)
			s.stats.Today.MergeKeyShiftedCounts(keyboard.KeyCountsShifted)
			s.stats.Today.MergeShortcutCounts(keyboard.ShortcutCounts)
		}
	case SourceMouseSingle:
		if mouse != nil {
			s.stats.Today.MergeMouseButtonCounts(mouse.MouseButtonCounts)
		}
	}
	return true
}

// AddAppMeritSilent applies count units to one application's entry for today,
// under the same counting policy.
func (s *Storage) AddAppMeritSilent(origin InputOrigin, source InputSource, count uint64, appID, appName string) bool {
	if count == 0 || appID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.ShouldCount(origin, source) {
		return false
	}
	s.stats.AddAppMerit(appID, appName, source, count, time.Now())
	return true
}

// AddMouseDistanceSilent accumulates whole pixels of cursor travel. Gated on
// the mouse toggle; distance is a mouse-derived stat.
func (s *Storage) AddMouseDistanceSilent(displayID string, px uint64) bool {
	if px == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.settings.EnableMouseSingle {
		return false
	}
	s.stats.AddMouseMoveDistancePx(displayID, px, time.Now())
	return true
}

// RecordHeatmapCell saturating-increments one click cell for today plus the
// display's all-time grid. Out-of-range indices are dropped.
func (s *Storage) RecordHeatmapCell(displayID string, idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heatmap.RecordCell(displayID, DateKey(time.Now()), idx)
}

// ClearHeatmap removes heatmap data; see heatmap.State.Clear for the scope
// rules of the two optional arguments.
func (s *Storage) ClearHeatmap(displayID, dateKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heatmap.Clear(displayID, dateKey)
}

// Stats returns a deep copy of the full stats.
func (s *Storage) Stats() MeritStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Clone()
}

// StatsLite returns the broadcast-sized stats snapshot.
func (s *Storage) StatsLite() MeritStatsLite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Lite()
}

// Today returns a deep copy of today's aggregate.
func (s *Storage) Today() DailyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Today.Clone()
}

// SetStats replaces the stats wholesale. The caller hands over ownership;
// used when restoring a snapshot at startup.
func (s *Storage) SetStats(stats MeritStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

// ClearHistory drops archived days and recomputes the running total from
// today alone.
func (s *Storage) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ClearHistory()
}

// ResetAll zeroes every counter and starts a fresh day.
func (s *Storage) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ResetAll(time.Now())
}

// SettingsCopy returns the current settings.
func (s *Storage) SettingsCopy() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// SetSettings replaces the settings; the change applies to the next counted
// event, no restart needed.
func (s *Storage) SetSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Achievements returns a copy of the achievement state.
func (s *Storage) Achievements() AchievementState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.achievements.Clone()
}

// SetAchievements replaces the achievement state.
func (s *Storage) SetAchievements(state AchievementState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.achievements = state
}

// WindowPlacements returns a copy of the stored placements.
func (s *Storage) WindowPlacements() map[string]WindowPlacement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePlacements(s.placements)
}

// SetWindowPlacements replaces the stored placements.
func (s *Storage) SetWindowPlacements(placements map[string]WindowPlacement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placements = placements
}

// UpdateWindowPlacement stores one window's placement.
func (s *Storage) UpdateWindowPlacement(label string, placement WindowPlacement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placements == nil {
		s.placements = make(map[string]WindowPlacement)
	}
	s.placements[label] = placement
}

// HeatmapCopy returns a deep copy of the whole heatmap state; used by the
// persistence snapshotter.
func (s *Storage) HeatmapCopy() *heatmap.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heatmap.Clone()
}

// SetHeatmap replaces the heatmap state; used when restoring a snapshot.
func (s *Storage) SetHeatmap(state *heatmap.State) {
	if state == nil {
		state = heatmap.NewState()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heatmap = state
}

// HeatmapGridCopy returns a deep copy of one display's grid: the all-time
// grid when dateKey is empty, otherwise that day's. Nil when absent.
func (s *Storage) HeatmapGridCopy(displayID, dateKey string) *heatmap.DisplayGrid {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var grid *heatmap.DisplayGrid
	if dateKey == "" {
		grid = s.heatmap.Display(displayID)
	} else {
		grid = s.heatmap.DisplayForDate(displayID, dateKey)
	}
	if grid == nil {
		return nil
	}
	clone := *grid
	clone.Grid = append([]uint32(nil), grid.Grid...)
	return &clone
}

// NormalizeLoaded prepares freshly restored stats for serving: rolls the day
// forward if the snapshot is from a previous date and rebuilds derived
// counters so old snapshots satisfy the counting invariants.
func (s *Storage) NormalizeLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.RecomputeCounters()
	s.stats.NormalizeToday(time.Now())
}
