//go:build !darwin && !linux

package listener

import (
	"meritd/internal/display"
	"meritd/internal/keycode"
)

// No capture backend here; the simulated source feeds evdev-style
// keycodes in physical coordinates.

func platformSpace() display.Space {
	return display.Physical
}

func platformMapCode(code uint16) (string, bool) {
	return keycode.FromEvdev(code)
}
