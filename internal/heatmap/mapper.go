package heatmap

import (
	"math"

	"meritd/internal/display"
)

// Mapper resolves click points to (display, cell) pairs. It belongs to a
// single worker goroutine: the embedded last-monitor cache is deliberately
// unsynchronized worker state, checked before a full monitor scan because
// consecutive clicks overwhelmingly land on one monitor.
type Mapper struct {
	displays *display.Cache

	cached        display.Monitor
	cachedSpace   display.Space
	cachedVersion uint64
	cachedOK      bool
}

// NewMapper creates a mapper over the shared display cache.
func NewMapper(displays *display.Cache) *Mapper {
	return &Mapper{displays: displays}
}

// Map resolves a click at (x, y) in the reported space to a display id and
// base-grid cell index. The reported space is tried first, then the opposite,
// since some platforms misreport the space in use.
func (m *Mapper) Map(space display.Space, x, y float64) (string, int, bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return "", 0, false
	}

	monitors, version := m.displays.Snapshot()
	if version != m.cachedVersion {
		m.cachedOK = false
		m.cachedVersion = version
	}

	var (
		mon   display.Monitor
		inSp  display.Space
		found bool
	)
	if m.cachedOK && m.cached.Contains(m.cachedSpace, x, y) {
		mon, inSp, found = m.cached, m.cachedSpace, true
	} else {
		mon, inSp, found = display.Resolve(monitors, space, x, y)
		if found {
			m.cached, m.cachedSpace, m.cachedOK = mon, inSp, true
		}
	}
	if !found {
		return "", 0, false
	}

	relX, relY := mon.RelPhysical(inSp, x, y)
	if math.IsNaN(relX) || math.IsInf(relX, 0) || relX < 0 ||
		math.IsNaN(relY) || math.IsInf(relY, 0) || relY < 0 {
		return "", 0, false
	}

	cx := cellFor(relX, mon.Width, BaseCols)
	cy := cellFor(relY, mon.Height, BaseRows)
	idx := cy*BaseCols + cx
	if idx < 0 || idx >= BaseLen {
		return "", 0, false
	}
	return mon.ID, idx, true
}

func cellFor(rel float64, size uint32, cells int) int {
	if size == 0 {
		return 0
	}
	cell := int(rel * float64(cells) / float64(size))
	if cell < 0 {
		cell = 0
	}
	if cell > cells-1 {
		cell = cells - 1
	}
	return cell
}
