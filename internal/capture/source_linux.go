//go:build linux

package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"meritd/internal/keycode"
)

// evdevSource reads /dev/input/event* devices directly. Keyboards and
// mice are discovered from /proc/bus/input/devices; modifier state and
// the cursor position are tracked in-process because evdev only carries
// raw presses and relative motion.
type evdevSource struct {
	baseSource

	cancel context.CancelFunc
	done   chan struct{}

	// bounds clamps the virtual cursor. Zero area means unclamped.
	boundsMu sync.Mutex
	bounds   pointerBounds

	mods modState

	// Positions are physical pixels; evdev motion is relative so the
	// cursor is a best-effort reconstruction, seeded at the origin.
	// Touched only by the read loop goroutine.
	cursorX     float64
	cursorY     float64
	pendingMove bool

	// dropped counts events lost to a full buffer, for diagnostics.
	dropped atomic.Uint64
}

type pointerBounds struct {
	minX, minY float64
	maxX, maxY float64
}

func newPlatformSource() Source {
	return &evdevSource{baseSource: newBaseSource()}
}

// SetPointerBounds limits the virtual cursor to the combined monitor
// rectangle, in physical pixels.
func (s *evdevSource) SetPointerBounds(minX, minY, maxX, maxY float64) {
	s.boundsMu.Lock()
	s.bounds = pointerBounds{minX: minX, minY: minY, maxX: maxX, maxY: maxY}
	s.boundsMu.Unlock()
}

// inputDevice is one block of /proc/bus/input/devices.
type inputDevice struct {
	name     string
	node     string // /dev/input/eventN
	keyboard bool
	mouse    bool
}

// findInputDevices parses /proc/bus/input/devices into keyboard and
// mouse device nodes. The "kbd" and "mouseN" handler tokens are the
// kernel's own classification.
func findInputDevices() ([]inputDevice, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, fmt.Errorf("read input device list: %w", err)
	}
	defer f.Close()

	var (
		devices []inputDevice
		cur     inputDevice
	)
	flush := func() {
		if cur.node != "" && (cur.keyboard || cur.mouse) {
			devices = append(devices, cur)
		}
		cur = inputDevice{}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "N: Name="):
			cur.name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			for _, tok := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(tok, "event") {
					cur.node = "/dev/input/" + tok
				}
				if tok == "kbd" {
					cur.keyboard = true
				}
				if strings.HasPrefix(tok, "mouse") {
					cur.mouse = true
				}
			}
		case strings.HasPrefix(line, "B: KEY="):
			// Devices with a tiny KEY bitmap (power buttons, lid
			// switches) also register the kbd handler; require a real
			// key range before treating one as a keyboard.
			if cur.keyboard && len(strings.TrimPrefix(line, "B: KEY=")) <= 10 {
				cur.keyboard = false
			}
		case line == "":
			flush()
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan input device list: %w", err)
	}
	return devices, nil
}

// Available checks device discovery and read permission.
func (s *evdevSource) Available() (bool, string) {
	devices, err := findInputDevices()
	if err != nil {
		return false, err.Error()
	}
	if len(devices) == 0 {
		return false, "no keyboard or mouse devices found"
	}
	for _, dev := range devices {
		fd, err := unix.Open(dev.node, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			unix.Close(fd)
			return true, fmt.Sprintf("reading %s", dev.node)
		}
	}
	return false, "cannot read input devices (join the 'input' group or run as root)"
}

// Start opens the discovered devices and begins the read loop.
func (s *evdevSource) Start(ctx context.Context) error {
	if !s.setRunning(true) {
		return ErrAlreadyRunning
	}

	devices, err := findInputDevices()
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("%w: %v", ErrListenFailed, err)
	}

	var (
		fds      []int
		permErrs int
	)
	for _, dev := range devices {
		fd, err := unix.Open(dev.node, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			if err == unix.EACCES || err == unix.EPERM {
				permErrs++
			}
			continue
		}
		fds = append(fds, fd)
	}
	if len(fds) == 0 {
		s.setRunning(false)
		if permErrs > 0 {
			return ErrPermissionRequired
		}
		if len(devices) == 0 {
			return ErrNotAvailable
		}
		return fmt.Errorf("%w: no readable input devices", ErrListenFailed)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.readLoop(ctx, fds)
	return nil
}

// Stop ends the read loop and closes the devices.
func (s *evdevSource) Stop() error {
	if !s.setRunning(false) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

// input_event layout (input.h). Two 8-byte timeval words precede the
// type/code/value triple on 64-bit kernels.
const (
	inputEventSize = 24

	evSyn = 0
	evKey = 1
	evRel = 2

	relX = 0
	relY = 1

	keyPress   = 1
	keyRelease = 0

	btnMouseFirst = 0x110
	btnMouseLast  = 0x117
)

func (s *evdevSource) readLoop(ctx context.Context, fds []int) {
	defer close(s.done)
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()

	pollFDs := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollFDs[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	buf := make([]byte, inputEventSize*64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(pollFDs, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		for i := range pollFDs {
			if pollFDs[i].Revents&unix.POLLIN == 0 {
				continue
			}
			nr, err := unix.Read(int(pollFDs[i].Fd), buf)
			if err != nil || nr < inputEventSize {
				continue
			}
			for off := 0; off+inputEventSize <= nr; off += inputEventSize {
				typ := binary.LittleEndian.Uint16(buf[off+16 : off+18])
				code := binary.LittleEndian.Uint16(buf[off+18 : off+20])
				value := int32(binary.LittleEndian.Uint32(buf[off+20 : off+24]))
				s.handleEvent(typ, code, value)
			}
		}
	}
}

func (s *evdevSource) handleEvent(typ, code uint16, value int32) {
	switch typ {
	case evKey:
		if value != keyPress { // presses only, not releases or autorepeat
			if value == keyRelease {
				s.mods.release(code)
			}
			return
		}
		switch {
		case code == keycode.EvdevBtnLeft:
			s.emitMouseDown(ButtonLeft)
		case code == keycode.EvdevBtnRight:
			s.emitMouseDown(ButtonRight)
		case code >= btnMouseFirst && code <= btnMouseLast:
			s.emitMouseDown(ButtonOther)
		default:
			s.mods.press(code)
			if !s.emit(RawEvent{Kind: KindKeyDown, Keycode: code, Flags: s.mods.flags()}) {
				s.dropped.Add(1)
			}
		}
	case evRel:
		// A physical motion arrives as separate REL_X/REL_Y events in
		// one kernel report; coalesce on the SYN boundary so one motion
		// emits one event.
		switch code {
		case relX:
			s.cursorX += float64(value)
			s.pendingMove = true
		case relY:
			s.cursorY += float64(value)
			s.pendingMove = true
		}
	case evSyn:
		if s.pendingMove {
			s.pendingMove = false
			s.clampCursor()
			if !s.emit(RawEvent{Kind: KindMouseMove, X: s.cursorX, Y: s.cursorY}) {
				s.dropped.Add(1)
			}
		}
	}
}

func (s *evdevSource) emitMouseDown(b Button) {
	s.clampCursor()
	if !s.emit(RawEvent{Kind: KindMouseDown, Button: b, X: s.cursorX, Y: s.cursorY}) {
		s.dropped.Add(1)
	}
}

func (s *evdevSource) clampCursor() {
	s.boundsMu.Lock()
	b := s.bounds
	s.boundsMu.Unlock()
	if b.maxX <= b.minX || b.maxY <= b.minY {
		return
	}
	if s.cursorX < b.minX {
		s.cursorX = b.minX
	}
	if s.cursorX > b.maxX {
		s.cursorX = b.maxX
	}
	if s.cursorY < b.minY {
		s.cursorY = b.minY
	}
	if s.cursorY > b.maxY {
		s.cursorY = b.maxY
	}
}

// Dropped returns how many events were lost to a full buffer.
func (s *evdevSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Linux KEY_* codes for the modifier keys (input-event-codes.h).
const (
	keyLeftCtrl   = 29
	keyLeftShift  = 42
	keyRightShift = 54
	keyLeftAlt    = 56
	keyCapsLock   = 58
	keyRightCtrl  = 97
	keyRightAlt   = 100
	keyLeftMeta   = 125
	keyRightMeta  = 126
)

// modState reconstructs the modifier bitmask evdev does not provide.
// CapsLock toggles on press; held modifiers track both sides.
type modState struct {
	shiftL, shiftR bool
	ctrlL, ctrlR   bool
	altL, altR     bool
	metaL, metaR   bool
	capsOn         bool
}

func (m *modState) press(code uint16) {
	switch code {
	case keyLeftShift:
		m.shiftL = true
	case keyRightShift:
		m.shiftR = true
	case keyLeftCtrl:
		m.ctrlL = true
	case keyRightCtrl:
		m.ctrlR = true
	case keyLeftAlt:
		m.altL = true
	case keyRightAlt:
		m.altR = true
	case keyLeftMeta:
		m.metaL = true
	case keyRightMeta:
		m.metaR = true
	case keyCapsLock:
		m.capsOn = !m.capsOn
	}
}

func (m *modState) release(code uint16) {
	switch code {
	case keyLeftShift:
		m.shiftL = false
	case keyRightShift:
		m.shiftR = false
	case keyLeftCtrl:
		m.ctrlL = false
	case keyRightCtrl:
		m.ctrlR = false
	case keyLeftAlt:
		m.altL = false
	case keyRightAlt:
		m.altR = false
	case keyLeftMeta:
		m.metaL = false
	case keyRightMeta:
		m.metaR = false
	}
}

// flags composes the CGEventFlags-layout bitmask used everywhere
// downstream.
func (m *modState) flags() uint64 {
	var f uint64
	if m.capsOn {
		f |= FlagAlphaShift
	}
	if m.shiftL || m.shiftR {
		f |= FlagShift
	}
	if m.ctrlL || m.ctrlR {
		f |= FlagControl
	}
	if m.altL || m.altR {
		f |= FlagAlternate
	}
	if m.metaL || m.metaR {
		f |= FlagCommand
	}
	return f
}

var _ Source = (*evdevSource)(nil)
