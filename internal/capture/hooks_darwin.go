//go:build darwin && cgo

package capture

import "C"

// Exported hooks for the tap callback in tap_darwin.c. They run on the
// tap's run loop thread and must return quickly: sends are non-blocking
// and drop on a full buffer.

//export goCaptureKeyDown
func goCaptureKeyDown(keycode uint16, flags uint64) {
	d := activeTapSource.Load()
	if d == nil {
		return
	}
	d.emit(RawEvent{Kind: KindKeyDown, Keycode: keycode, Flags: flags})
}

//export goCaptureFlagsChanged
func goCaptureFlagsChanged(keycode uint16, flags uint64) {
	d := activeTapSource.Load()
	if d == nil {
		return
	}
	d.flagsMu.Lock()
	logical, press := d.flags.processFlagsChanged(keycode, flags)
	d.flagsMu.Unlock()
	if !press {
		return
	}
	d.emit(RawEvent{Kind: KindKeyDown, Keycode: logical, Flags: flags})
}

//export goCaptureMouseDown
func goCaptureMouseDown(button int32, x, y float64) {
	d := activeTapSource.Load()
	if d == nil {
		return
	}
	b := ButtonOther
	switch button {
	case 0:
		b = ButtonLeft
	case 1:
		b = ButtonRight
	}
	d.emit(RawEvent{Kind: KindMouseDown, Button: b, X: x, Y: y})
}

//export goCaptureMouseMove
func goCaptureMouseMove(x, y float64) {
	d := activeTapSource.Load()
	if d == nil {
		return
	}
	d.emit(RawEvent{Kind: KindMouseMove, X: x, Y: y})
}
