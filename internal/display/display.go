// Package display maintains a versioned snapshot of monitor geometry.
//
// Readers take an immutable copy plus a version counter and keep per-worker
// caches keyed on that version; the refresher swaps the whole list and bumps
// the version, so stale caches are detected with one atomic load.
package display

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Space identifies the coordinate space a point was reported in. Some
// platforms misreport which space the tap delivers, so resolution code tries
// the reported space first and falls back to the other.
type Space int

const (
	// Physical coordinates are raw device pixels.
	Physical Space = iota
	// Logical coordinates are scale-factor adjusted points.
	Logical
)

func (s Space) String() string {
	if s == Logical {
		return "logical"
	}
	return "physical"
}

// Opposite returns the other coordinate space.
func (s Space) Opposite() Space {
	if s == Physical {
		return Logical
	}
	return Physical
}

// Monitor describes one display. Position and size are physical pixels;
// logical bounds are derived from the scale factor.
type Monitor struct {
	ID          string
	X           int
	Y           int
	Width       uint32
	Height      uint32
	ScaleFactor float64
}

// Valid reports whether the monitor has usable geometry.
func (m Monitor) Valid() bool {
	if m.Width == 0 || m.Height == 0 {
		return false
	}
	sf := m.ScaleFactor
	return !math.IsNaN(sf) && !math.IsInf(sf, 0) && sf > 0
}

// Contains reports whether the point (x, y) in the given space lies on this
// monitor.
func (m Monitor) Contains(space Space, x, y float64) bool {
	switch space {
	case Logical:
		sf := m.ScaleFactor
		left := float64(m.X) / sf
		top := float64(m.Y) / sf
		right := left + float64(m.Width)/sf
		bottom := top + float64(m.Height)/sf
		return x >= left && x < right && y >= top && y < bottom
	default:
		return x >= float64(m.X) && x < float64(m.X)+float64(m.Width) &&
			y >= float64(m.Y) && y < float64(m.Y)+float64(m.Height)
	}
}

// RelPhysical converts a point in the given space to physical pixels relative
// to the monitor's origin.
func (m Monitor) RelPhysical(space Space, x, y float64) (float64, float64) {
	if space == Logical {
		sf := m.ScaleFactor
		return (x - float64(m.X)/sf) * sf, (y - float64(m.Y)/sf) * sf
	}
	return x - float64(m.X), y - float64(m.Y)
}

// PhysicalFromLogical converts an absolute logical point to an absolute
// physical point on this monitor.
func (m Monitor) PhysicalFromLogical(x, y float64) (float64, float64) {
	sf := m.ScaleFactor
	relX := (x - float64(m.X)/sf) * sf
	relY := (y - float64(m.Y)/sf) * sf
	return float64(m.X) + relX, float64(m.Y) + relY
}

// IDFor derives a stable monitor identifier: the trimmed platform name when
// present, otherwise a position-based fallback.
func IDFor(name string, x, y int) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("display@%d,%d", x, y)
}

// Provider supplies the current monitor list from the platform.
type Provider interface {
	Monitors() ([]Monitor, error)
}

// StaticProvider serves a fixed monitor list; used in tests and for headless
// or configured setups.
type StaticProvider struct {
	List []Monitor
}

func (p StaticProvider) Monitors() ([]Monitor, error) {
	out := make([]Monitor, len(p.List))
	copy(out, p.List)
	return out, nil
}

// Cache is the copy-on-write monitor snapshot shared across workers.
type Cache struct {
	mu       sync.RWMutex
	monitors []Monitor
	version  atomic.Uint64
	provider Provider
}

// NewCache creates a cache backed by the given provider. The version starts
// at 1 so a zero-initialized consumer cache is always stale.
func NewCache(p Provider) *Cache {
	c := &Cache{provider: p}
	c.version.Store(1)
	return c
}

// Refresh replaces the snapshot wholesale, dropping monitors with invalid
// geometry, and bumps the version. A provider error keeps the old snapshot.
func (c *Cache) Refresh() error {
	if c.provider == nil {
		return nil
	}
	raw, err := c.provider.Monitors()
	if err != nil {
		return fmt.Errorf("query monitors: %w", err)
	}

	next := make([]Monitor, 0, len(raw))
	for _, m := range raw {
		if !m.Valid() {
			continue
		}
		if m.ID == "" {
			m.ID = IDFor("", m.X, m.Y)
		}
		next = append(next, m)
	}

	c.mu.Lock()
	c.monitors = next
	c.mu.Unlock()
	c.version.Add(1)
	return nil
}

// Snapshot returns the current monitor list and its version. The returned
// slice is shared and must not be mutated.
//
// The version is read before the list: a racing Refresh can pair a newer
// list with an older version, which only costs one cache revalidation, never
// a stale list filed under a fresh version.
func (c *Cache) Snapshot() ([]Monitor, uint64) {
	v := c.version.Load()
	c.mu.RLock()
	monitors := c.monitors
	c.mu.RUnlock()
	return monitors, v
}

// Version returns the current snapshot version without copying the list.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// Resolve finds the monitor containing (x, y), trying the reported space
// first and then the opposite one. It returns the match, the space that
// actually contained the point, and whether any monitor matched.
func Resolve(monitors []Monitor, space Space, x, y float64) (Monitor, Space, bool) {
	for _, s := range [2]Space{space, space.Opposite()} {
		for _, m := range monitors {
			if m.Contains(s, x, y) {
				return m, s, true
			}
		}
	}
	return Monitor{}, space, false
}
