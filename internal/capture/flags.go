package capture

// Modifier press inference for macOS flagsChanged events.
//
// macOS reports modifier keys through flagsChanged, not keyDown, and a
// flagsChanged callback only carries the physical keycode plus the full
// modifier bitmask after the transition. Users remap modifiers (CapsLock
// as Control is common), so the physical keycode alone misidentifies the
// key that logically fired. The machine below watches which flag bits
// actually flipped, infers the effective modifier group, and reports the
// logical keycode for that group on press edges only.

// CGEventFlags bit layout (CGEventTypes.h). The Linux backend composes
// the same bits so classification reads one flag vocabulary. Exported
// because downstream classification reads the same masks off RawEvent.
const (
	FlagAlphaShift uint64 = 1 << 16
	FlagShift      uint64 = 1 << 17
	FlagControl    uint64 = 1 << 18
	FlagAlternate  uint64 = 1 << 19
	FlagCommand    uint64 = 1 << 20
)

type modifierGroup uint8

const (
	groupShift modifierGroup = iota
	groupControl
	groupAlt
	groupCommand
	groupCapsLock
)

type modifierSide uint8

const (
	sideLeft modifierSide = iota
	sideRight
)

func flagMaskForGroup(group modifierGroup) uint64 {
	switch group {
	case groupShift:
		return FlagShift
	case groupControl:
		return FlagControl
	case groupAlt:
		return FlagAlternate
	case groupCommand:
		return FlagCommand
	default:
		return FlagAlphaShift
	}
}

// expectedGroupForKeycode maps a physical modifier keycode to its group.
// The bool is false for non-modifier keycodes.
func expectedGroupForKeycode(keycode uint16) (modifierGroup, bool) {
	switch keycode {
	case 56, 60: // Shift L/R
		return groupShift, true
	case 59, 62: // Control L/R
		return groupControl, true
	case 58, 61: // Option L/R
		return groupAlt, true
	case 54, 55: // Command R/L
		return groupCommand, true
	case 57:
		return groupCapsLock, true
	default:
		return 0, false
	}
}

func sideFromKeycode(keycode uint16) modifierSide {
	switch keycode {
	case 60, 61, 62, 54:
		return sideRight
	default:
		return sideLeft
	}
}

func logicalKeycodeForGroup(group modifierGroup, side modifierSide) uint16 {
	switch group {
	case groupShift:
		if side == sideRight {
			return 60
		}
		return 56
	case groupControl:
		if side == sideRight {
			return 62
		}
		return 59
	case groupAlt:
		if side == sideRight {
			return 61
		}
		return 58
	case groupCommand:
		// Apple's keycodes are reversed from the usual L/R ordering:
		// kVK_Command (left) = 55, kVK_RightCommand = 54.
		if side == sideRight {
			return 54
		}
		return 55
	default:
		return 57
	}
}

// inferEffectiveGroup decides which modifier group a flagsChanged event
// belongs to, from the flag bits that flipped between prevFlags and
// flags. Non-modifier physical keycodes never infer a group.
func inferEffectiveGroup(prevFlags, flags uint64, physicalKeycode uint16) (modifierGroup, bool) {
	expected, ok := expectedGroupForKeycode(physicalKeycode)
	if !ok {
		return 0, false
	}

	changed := prevFlags ^ flags
	var changedGroups [5]modifierGroup
	n := 0
	for _, group := range [...]modifierGroup{groupCapsLock, groupShift, groupControl, groupAlt, groupCommand} {
		if changed&flagMaskForGroup(group) != 0 {
			changedGroups[n] = group
			n++
		}
	}

	if n == 1 {
		return changedGroups[0], true
	}
	if n > 1 {
		// Two groups flipping in one event is ambiguous; trust the
		// physical key when it is among them, else the first in caps,
		// shift, control, alt, command order.
		for _, g := range changedGroups[:n] {
			if g == expected {
				return expected, true
			}
		}
		return changedGroups[0], true
	}

	// No flag bit changed. Common when another key in the same group is
	// already held, and under some remap scenarios. Prefer a currently
	// active group, falling back to the physical key's group.
	if flags&flagMaskForGroup(expected) != 0 {
		return expected, true
	}
	for _, group := range [...]modifierGroup{groupControl, groupShift, groupAlt, groupCommand, groupCapsLock} {
		if flags&flagMaskForGroup(group) != 0 {
			return group, true
		}
	}
	return expected, true
}

// flagsState carries per-physical-key down state across flagsChanged
// events. The zero value is ready to use.
type flagsState struct {
	down      [256]bool
	lastFlags uint64
}

// processFlagsChanged consumes one flagsChanged event and reports the
// logical keycode to count, if this transition is a press. Release
// transitions and repeated flag states report nothing.
func (s *flagsState) processFlagsChanged(physicalKeycode uint16, flags uint64) (uint16, bool) {
	idx := int(physicalKeycode)
	if idx >= len(s.down) {
		return 0, false
	}

	prevFlags := s.lastFlags
	s.lastFlags = flags

	group, inferred := inferEffectiveGroup(prevFlags, flags, physicalKeycode)
	logical := physicalKeycode
	if inferred {
		logical = logicalKeycodeForGroup(group, sideFromKeycode(physicalKeycode))
	}

	changed := prevFlags ^ flags

	if !inferred {
		// Best-effort fallback: toggle per-key state, count press edges.
		wasDown := s.down[idx]
		s.down[idx] = !wasDown
		if !wasDown {
			return logical, true
		}
		return 0, false
	}

	if group == groupCapsLock {
		// CapsLock is a toggle; count the press only when the alpha-shift
		// bit changed. macOS may emit a second flagsChanged on key
		// release with no flag change.
		s.down[idx] = false
		if changed&FlagAlphaShift != 0 {
			return logical, true
		}
		return 0, false
	}

	// Non-toggle modifiers: press/release comes from the group's flag
	// bit, which stays correct under remaps where blind per-key toggling
	// drifts.
	mask := flagMaskForGroup(group)
	isDownNow := flags&mask != 0
	wasDown := s.down[idx]
	s.down[idx] = isDownNow
	if isDownNow && !wasDown {
		return logical, true
	}
	return 0, false
}
