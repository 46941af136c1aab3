//go:build linux

package listener

import (
	"meritd/internal/display"
	"meritd/internal/keycode"
)

// The evdev readers reconstruct the cursor in physical pixels and report
// evdev keycodes.

func platformSpace() display.Space {
	return display.Physical
}

func platformMapCode(code uint16) (string, bool) {
	return keycode.FromEvdev(code)
}
