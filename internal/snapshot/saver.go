package snapshot

import (
	"sync"
	"time"

	"meritd/internal/heatmap"
	"meritd/internal/logging"
	"meritd/internal/merit"
	"meritd/internal/metrics"
)

// Source provides the pieces of live state worth persisting.
// *merit.Storage satisfies it.
type Source interface {
	Stats() merit.MeritStats
	SettingsCopy() merit.Settings
	Achievements() merit.AchievementState
	WindowPlacements() map[string]merit.WindowPlacement
	HeatmapCopy() *heatmap.State
}

const (
	// DefaultDebounce is how long a save request keeps coalescing
	// follow-on requests before the write happens.
	DefaultDebounce = 650 * time.Millisecond

	// quietInterval ends the coalescing window early once requests stop
	// arriving.
	quietInterval = 80 * time.Millisecond
)

// Saver turns bursts of save requests into occasional snapshot writes. A
// request opens a coalescing window; requests landing inside the window
// ride along with the same write.
type Saver struct {
	source   Source
	path     string
	debounce time.Duration

	requests  chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSaver starts the writer goroutine. A non-positive debounce falls
// back to DefaultDebounce.
func NewSaver(source Source, path string, debounce time.Duration) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &Saver{
		source:   source,
		path:     path,
		debounce: debounce,
		requests: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Path returns the state file location.
func (s *Saver) Path() string {
	return s.path
}

// RequestSave schedules a snapshot write. Never blocks; a request that
// lands while one is already pending coalesces with it.
func (s *Saver) RequestSave() {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Close stops the writer and flushes one final snapshot.
func (s *Saver) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.writeOnce()
	})
	return err
}

func (s *Saver) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.requests:
		}
		s.coalesce()
		if err := s.writeOnce(); err != nil {
			logging.Warn("state snapshot write failed", "path", s.path, "error", err)
			metrics.GetMetrics().RecordError()
		}
	}
}

// coalesce holds the window open while requests keep arriving, up to the
// debounce duration, and ends it after a quiet interval.
func (s *Saver) coalesce() {
	deadline := time.Now().Add(s.debounce)
	for time.Now().Before(deadline) {
		select {
		case <-s.requests:
		case <-time.After(quietInterval):
			return
		case <-s.stop:
			return
		}
	}
}

// writeOnce captures the live state and writes it atomically.
func (s *Saver) writeOnce() error {
	state := &State{
		Version:          CurrentVersion,
		Stats:            s.source.Stats(),
		Settings:         s.source.SettingsCopy(),
		Achievements:     s.source.Achievements(),
		WindowPlacements: s.source.WindowPlacements(),
		ClickHeatmap:     s.source.HeatmapCopy(),
	}
	return Write(s.path, state)
}
