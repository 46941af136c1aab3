package capture

import (
	"context"
	"sync"
)

// SimulatedSource feeds hand-built events through the pipeline without
// hooking real input. Available on every platform, intended for tests.
type SimulatedSource struct {
	baseSource

	flagsMu sync.Mutex
	flags   flagsState
}

// NewSimulated creates a source for testing.
func NewSimulated() *SimulatedSource {
	return &SimulatedSource{baseSource: newBaseSource()}
}

// Start begins accepting simulated events.
func (s *SimulatedSource) Start(ctx context.Context) error {
	if !s.setRunning(true) {
		return ErrAlreadyRunning
	}
	return nil
}

// Stop stops accepting simulated events.
func (s *SimulatedSource) Stop() error {
	s.setRunning(false)
	return nil
}

// Available always reports true.
func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated source (for testing)"
}

// SimulateKeyDown injects a key press. Reports whether the event was
// delivered; a stopped source or full buffer drops it.
func (s *SimulatedSource) SimulateKeyDown(keycode uint16, flags uint64) bool {
	if !s.isRunning() {
		return false
	}
	return s.emit(RawEvent{Kind: KindKeyDown, Keycode: keycode, Flags: flags})
}

// SimulateFlagsChanged injects a modifier transition, running the same
// inference the macOS tap applies before anything reaches the channel.
func (s *SimulatedSource) SimulateFlagsChanged(physicalKeycode uint16, flags uint64) bool {
	if !s.isRunning() {
		return false
	}
	s.flagsMu.Lock()
	logical, press := s.flags.processFlagsChanged(physicalKeycode, flags)
	s.flagsMu.Unlock()
	if !press {
		return false
	}
	return s.emit(RawEvent{Kind: KindKeyDown, Keycode: logical, Flags: flags})
}

// SimulateMouseDown injects a button press at a cursor position.
func (s *SimulatedSource) SimulateMouseDown(button Button, x, y float64) bool {
	if !s.isRunning() {
		return false
	}
	return s.emit(RawEvent{Kind: KindMouseDown, Button: button, X: x, Y: y})
}

// SimulateMouseMove injects a cursor move.
func (s *SimulatedSource) SimulateMouseMove(x, y float64) bool {
	if !s.isRunning() {
		return false
	}
	return s.emit(RawEvent{Kind: KindMouseMove, X: x, Y: y})
}

var _ Source = (*SimulatedSource)(nil)
