// Package keycode maps raw, platform-specific key identifiers to a canonical
// code set and classifies codes for counting.
//
// Canonical codes follow the web KeyboardEvent.code naming ("KeyA", "Digit1",
// "Numpad7", "ShiftLeft", ...). Every platform source normalizes into this set
// so downstream counters never see platform-specific identifiers.
package keycode

import (
	"strings"

	"meritd/internal/intern"
)

// IsLetter reports whether code names a letter key ("KeyA".."KeyZ").
func IsLetter(code string) bool {
	if len(code) != 4 || !strings.HasPrefix(code, "Key") {
		return false
	}
	c := code[3]
	return c >= 'A' && c <= 'Z'
}

// IsModifier reports whether code names a modifier key. Modifier presses are
// counted but never contribute to shortcut identifiers.
func IsModifier(code string) bool {
	switch code {
	case "ShiftLeft", "ShiftRight",
		"ControlLeft", "ControlRight",
		"AltLeft", "AltRight",
		"MetaLeft", "MetaRight",
		"CapsLock":
		return true
	}
	return false
}

// EffectiveShifted reports whether a keypress produces the shifted glyph.
// Caps Lock inverts shift for letters only; symbols and digits ignore it.
func EffectiveShifted(code string, shift, capsLock bool) bool {
	if IsLetter(code) {
		return shift != capsLock
	}
	return shift
}

// shortcuts dedups chord identifiers so a held Ctrl+Z repeating at the
// keyboard rate reuses one backing string across every counter map.
var shortcuts = intern.New(1024)

// ShortcutID builds the canonical shortcut identifier for a chorded keypress,
// e.g. "Meta+Shift+KeyS". Modifier order is fixed so equal chords always
// produce equal identifiers.
func ShortcutID(meta, ctrl, alt, shift bool, code string) string {
	parts := make([]string, 0, 5)
	if meta {
		parts = append(parts, "Meta")
	}
	if ctrl {
		parts = append(parts, "Ctrl")
	}
	if alt {
		parts = append(parts, "Alt")
	}
	if shift {
		parts = append(parts, "Shift")
	}
	parts = append(parts, code)
	return shortcuts.Str(strings.Join(parts, "+"))
}
