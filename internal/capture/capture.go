// Package capture reads raw input events from the operating system.
//
// IMPORTANT: this package feeds a per-key tally - it does NOT reconstruct
// typed text. Key presses are reduced to a keycode and a modifier bitmask;
// no ordering, timing, or surrounding context survives past classification,
// so counts like "KeyA pressed 31 times today" are all that can ever be
// derived from the output.
//
// Platform support:
// - macOS: CGEventTap at the HID level (requires Input Monitoring permission)
// - Linux: /dev/input/event* readers (requires 'input' group or root)
// - elsewhere: not available; SimulatedSource serves tests and dry runs
package capture

import (
	"context"
	"errors"
	"sync"
)

// Kind discriminates RawEvent variants.
type Kind uint8

const (
	// KindKeyDown is a key press, including inferred modifier presses.
	KindKeyDown Kind = iota + 1
	// KindMouseDown is a button press at a cursor position.
	KindMouseDown
	// KindMouseMove is a cursor move or drag.
	KindMouseMove
)

// Button identifies which mouse button went down.
type Button uint8

const (
	ButtonNone Button = iota
	ButtonLeft
	ButtonRight
	ButtonOther
)

// RawEvent is one OS input event reduced to the fields classification
// needs. Kind selects which fields are meaningful.
type RawEvent struct {
	Kind Kind

	// KindKeyDown: platform keycode and the modifier bitmask at event
	// time. On macOS the keycode is the logical virtual keycode after
	// modifier remap inference; on Linux it is the evdev code. The
	// bitmask uses the CGEventFlags bit layout on every platform.
	Keycode uint16
	Flags   uint64

	// KindMouseDown / KindMouseMove: cursor position in the source's
	// native coordinate space and, for downs, the button.
	Button Button
	X, Y   float64
}

// Source delivers raw input events from one platform backend.
//
// Events() stays valid from construction until after Stop returns; the
// channel is buffered and the backend drops events rather than blocking
// the OS delivery thread when the consumer falls behind.
type Source interface {
	// Start begins event delivery. It fails with ErrPermissionRequired
	// when the OS denies input monitoring and ErrListenFailed when the
	// tap or device readers cannot be created.
	Start(ctx context.Context) error

	// Stop ends delivery and releases OS resources.
	Stop() error

	// Events returns the delivery channel.
	Events() <-chan RawEvent

	// Available reports whether this backend can run right now, with a
	// human-readable reason.
	Available() (bool, string)
}

// ErrPermissionRequired means the OS denied input monitoring. Callers
// must not retry automatically; the user has to grant permission first.
var ErrPermissionRequired = errors.New("input monitoring permission required")

// ErrListenFailed means the platform tap or device readers could not be
// created for a reason other than permissions.
var ErrListenFailed = errors.New("failed to start input listener")

// ErrAlreadyRunning is returned when Start is called twice.
var ErrAlreadyRunning = errors.New("input source already running")

// ErrNotAvailable is returned on platforms without a capture backend.
var ErrNotAvailable = errors.New("input capture not available on this platform")

// eventBuffer is the channel depth between the OS callback and the
// consumer. Overflow drops events; the OS loop is never blocked.
const eventBuffer = 512

// baseSource provides the channel and running-state plumbing shared by
// the platform backends.
type baseSource struct {
	mu      sync.Mutex
	running bool
	events  chan RawEvent
}

func newBaseSource() baseSource {
	return baseSource{events: make(chan RawEvent, eventBuffer)}
}

func (b *baseSource) Events() <-chan RawEvent {
	return b.events
}

// emit delivers ev without blocking; full buffer drops the event.
func (b *baseSource) emit(ev RawEvent) bool {
	select {
	case b.events <- ev:
		return true
	default:
		return false
	}
}

func (b *baseSource) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// setRunning flips the running state and reports whether it changed.
func (b *baseSource) setRunning(running bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running == running {
		return false
	}
	b.running = running
	return true
}

// New creates the capture Source for the current platform.
func New() Source {
	return newPlatformSource()
}

// PointerBoundsSetter is implemented by backends that reconstruct the
// cursor from relative motion (the evdev source) and need the combined
// monitor rectangle, in physical pixels, to clamp it.
type PointerBoundsSetter interface {
	SetPointerBounds(minX, minY, maxX, maxY float64)
}
