//go:build darwin && cgo

package capture

/*
#cgo LDFLAGS: -framework ApplicationServices -framework CoreGraphics -framework IOKit

int meritHasInputMonitoring(void);
int meritRequestInputMonitoring(void);
int meritTapStart(void);
void meritTapStop(void);
int meritTapDisableCount(void);
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// darwinSource delivers events from a listen-only CGEventTap. The tap
// callback runs on a dedicated C run loop thread and hands events to Go
// through the exported hooks below; one source can run at a time.
type darwinSource struct {
	baseSource

	cancel context.CancelFunc

	flagsMu sync.Mutex
	flags   flagsState
}

// activeTapSource is the source the exported callbacks deliver to.
var activeTapSource atomic.Pointer[darwinSource]

func newPlatformSource() Source {
	return &darwinSource{baseSource: newBaseSource()}
}

// Available checks the Input Monitoring permission without prompting.
func (d *darwinSource) Available() (bool, string) {
	if C.meritHasInputMonitoring() == 1 {
		return true, "CGEventTap available"
	}
	return false, "Input Monitoring permission required. Open System Settings > Privacy & Security > Input Monitoring and enable this application, then start listening again."
}

// HasInputMonitoringPermission reports whether the OS currently grants
// Input Monitoring to this process.
func HasInputMonitoringPermission() bool {
	return C.meritHasInputMonitoring() == 1
}

// RequestInputMonitoringPermission triggers the system prompt when
// available. The user may still need to restart the process after
// granting.
func RequestInputMonitoringPermission() bool {
	return C.meritRequestInputMonitoring() == 1
}

// Start creates the event tap and begins delivery.
func (d *darwinSource) Start(ctx context.Context) error {
	if !d.setRunning(true) {
		return ErrAlreadyRunning
	}
	if C.meritHasInputMonitoring() != 1 {
		d.setRunning(false)
		return ErrPermissionRequired
	}
	if !activeTapSource.CompareAndSwap(nil, d) {
		d.setRunning(false)
		return ErrAlreadyRunning
	}

	if rc := int(C.meritTapStart()); rc != 0 {
		activeTapSource.CompareAndSwap(d, nil)
		d.setRunning(false)
		switch rc {
		case 1:
			return ErrAlreadyRunning
		case -1:
			// Tap creation is the authoritative permission check.
			return ErrPermissionRequired
		default:
			return fmt.Errorf("%w: event tap setup code %d", ErrListenFailed, rc)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

// Stop tears down the tap. Safe to call more than once.
func (d *darwinSource) Stop() error {
	if !d.setRunning(false) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	C.meritTapStop()
	activeTapSource.CompareAndSwap(d, nil)
	return nil
}

// TapDisableCount returns how many times the OS disabled the tap for a
// stalled callback. The callback re-enables itself; this is diagnostics.
func (d *darwinSource) TapDisableCount() int {
	return int(C.meritTapDisableCount())
}

var _ Source = (*darwinSource)(nil)
