//go:build darwin

package listener

import (
	"meritd/internal/display"
	"meritd/internal/keycode"
)

// The macOS tap reports logical (scale-adjusted) cursor coordinates and
// Apple virtual keycodes.

func platformSpace() display.Space {
	return display.Logical
}

func platformMapCode(code uint16) (string, bool) {
	s, ok := keycode.FromDarwinKeycode(code)
	if !ok {
		return "", false
	}
	return keycode.NormalizeDarwin(s), true
}
