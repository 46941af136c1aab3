// Package heatmap buckets clicks into fixed-resolution per-display grids and
// carries the persisted heatmap state.
//
// The base grid is 256x256 cells per display, kept both all-time and per day.
// Grids serialize sparsely (only non-zero cells) and deserialization rejects
// out-of-range indices outright rather than truncating.
package heatmap

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Base grid dimensions.
const (
	BaseCols = 256
	BaseRows = 256
	BaseLen  = BaseCols * BaseRows
)

// MaxDailyDays bounds how many per-day grids the in-memory state keeps.
const MaxDailyDays = 60

// StateVersion is the current serialized format version.
const StateVersion = 2

// DisplayGrid is one display's click grid plus its running total.
type DisplayGrid struct {
	Grid        []uint32 `json:"grid"`
	TotalClicks uint64   `json:"total_clicks"`
}

// NewDisplayGrid returns an empty full-resolution grid.
func NewDisplayGrid() *DisplayGrid {
	return &DisplayGrid{Grid: make([]uint32, BaseLen)}
}

type sparseCell struct {
	Idx   uint32 `json:"idx"`
	Count uint32 `json:"count"`
}

// MarshalJSON writes the grid sparsely: only non-zero cells.
func (d *DisplayGrid) MarshalJSON() ([]byte, error) {
	cells := make([]sparseCell, 0)
	for idx, count := range d.Grid {
		if count == 0 {
			continue
		}
		cells = append(cells, sparseCell{Idx: uint32(idx), Count: count})
	}
	return json.Marshal(struct {
		Grid        []sparseCell `json:"grid"`
		TotalClicks uint64       `json:"total_clicks"`
	}{cells, d.TotalClicks})
}

// UnmarshalJSON rebuilds the dense grid from sparse cells. An index outside
// the base grid fails the whole decode; a corrupt snapshot must be rejected,
// not silently clipped.
func (d *DisplayGrid) UnmarshalJSON(data []byte) error {
	var raw struct {
		Grid        []sparseCell `json:"grid"`
		TotalClicks uint64       `json:"total_clicks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	grid := make([]uint32, BaseLen)
	for _, cell := range raw.Grid {
		if int(cell.Idx) >= BaseLen {
			return fmt.Errorf("click heatmap cell index %d out of bounds", cell.Idx)
		}
		grid[cell.Idx] = cell.Count
	}
	d.Grid = grid
	d.TotalClicks = raw.TotalClicks
	return nil
}

// DailyGrids holds one day's per-display grids.
type DailyGrids struct {
	Displays map[string]*DisplayGrid `json:"displays"`
}

// State is the full persisted heatmap: all-time grids per display and a
// bounded map of per-day states keyed by date key (YYYY-MM-DD).
type State struct {
	Version  uint32                  `json:"version"`
	Displays map[string]*DisplayGrid `json:"displays"`
	Daily    map[string]*DailyGrids  `json:"daily"`
}

// NewState returns an empty current-version state.
func NewState() *State {
	return &State{
		Version:  StateVersion,
		Displays: make(map[string]*DisplayGrid),
		Daily:    make(map[string]*DailyGrids),
	}
}

func (s *State) init() {
	if s.Displays == nil {
		s.Displays = make(map[string]*DisplayGrid)
	}
	if s.Daily == nil {
		s.Daily = make(map[string]*DailyGrids)
	}
	if s.Version == 0 {
		s.Version = StateVersion
	}
}

// RecordCell saturating-increments the cell in both the display's all-time
// grid and the given day's grid, bumping both totals. Out-of-range indices
// are rejected.
func (s *State) RecordCell(displayID, dateKey string, idx int) bool {
	if idx < 0 || idx >= BaseLen {
		return false
	}
	s.init()

	total, ok := s.Displays[displayID]
	if !ok {
		total = NewDisplayGrid()
		s.Displays[displayID] = total
	}
	total.Grid[idx] = satAddU32(total.Grid[idx], 1)
	total.TotalClicks = satAddU64(total.TotalClicks, 1)

	day, ok := s.Daily[dateKey]
	if !ok {
		day = &DailyGrids{Displays: make(map[string]*DisplayGrid)}
		s.Daily[dateKey] = day
		s.pruneDaily()
	}
	if day.Displays == nil {
		day.Displays = make(map[string]*DisplayGrid)
	}
	dayGrid, ok := day.Displays[displayID]
	if !ok {
		dayGrid = NewDisplayGrid()
		day.Displays[displayID] = dayGrid
	}
	dayGrid.Grid[idx] = satAddU32(dayGrid.Grid[idx], 1)
	dayGrid.TotalClicks = satAddU64(dayGrid.TotalClicks, 1)
	return true
}

// pruneDaily evicts the oldest day entries past the cap. Date keys sort
// chronologically, so the lexicographically smallest key is the oldest.
func (s *State) pruneDaily() {
	for len(s.Daily) > MaxDailyDays {
		oldest := ""
		for key := range s.Daily {
			if oldest == "" || key < oldest {
				oldest = key
			}
		}
		delete(s.Daily, oldest)
	}
}

// Display returns the all-time grid for a display, or nil.
func (s *State) Display(displayID string) *DisplayGrid {
	if s.Displays == nil {
		return nil
	}
	return s.Displays[displayID]
}

// DisplayForDate returns one day's grid for a display, or nil.
func (s *State) DisplayForDate(displayID, dateKey string) *DisplayGrid {
	if s.Daily == nil {
		return nil
	}
	day := s.Daily[dateKey]
	if day == nil || day.Displays == nil {
		return nil
	}
	return day.Displays[displayID]
}

// Clear removes heatmap data. With both arguments empty everything goes; a
// dateKey alone drops that day; a displayID alone drops that display's
// all-time grid; both together drop that display from that day.
func (s *State) Clear(displayID, dateKey string) {
	s.init()
	switch {
	case displayID == "" && dateKey == "":
		s.Displays = make(map[string]*DisplayGrid)
		s.Daily = make(map[string]*DailyGrids)
	case displayID == "":
		delete(s.Daily, dateKey)
	case dateKey == "":
		// A display clear without a date touches only the all-time grid;
		// daily history stays queryable per day.
		delete(s.Displays, displayID)
	default:
		if day := s.Daily[dateKey]; day != nil {
			delete(day.Displays, displayID)
			if len(day.Displays) == 0 {
				delete(s.Daily, dateKey)
			}
		}
	}
}

// Clone deep-copies the state, grids included.
func (s *State) Clone() *State {
	out := &State{Version: s.Version}
	if s.Displays != nil {
		out.Displays = make(map[string]*DisplayGrid, len(s.Displays))
		for id, grid := range s.Displays {
			out.Displays[id] = grid.clone()
		}
	}
	if s.Daily != nil {
		out.Daily = make(map[string]*DailyGrids, len(s.Daily))
		for key, day := range s.Daily {
			next := &DailyGrids{}
			if day.Displays != nil {
				next.Displays = make(map[string]*DisplayGrid, len(day.Displays))
				for id, grid := range day.Displays {
					next.Displays[id] = grid.clone()
				}
			}
			out.Daily[key] = next
		}
	}
	return out
}

func (d *DisplayGrid) clone() *DisplayGrid {
	out := &DisplayGrid{TotalClicks: d.TotalClicks}
	if d.Grid != nil {
		out.Grid = make([]uint32, len(d.Grid))
		copy(out.Grid, d.Grid)
	}
	return out
}

// DailyKeys returns the tracked date keys sorted ascending.
func (s *State) DailyKeys() []string {
	keys := make([]string, 0, len(s.Daily))
	for key := range s.Daily {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func satAddU32(a, b uint32) uint32 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint32(0)
}

func satAddU64(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}
