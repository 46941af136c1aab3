//go:build darwin && !cgo

package capture

import "context"

// Without cgo there is no CGEventTap; capture is unavailable.
type stubSource struct {
	baseSource
}

func newPlatformSource() Source {
	return &stubSource{baseSource: newBaseSource()}
}

func (s *stubSource) Available() (bool, string) {
	return false, "input capture requires cgo on macOS (rebuild with CGO_ENABLED=1)"
}

func (s *stubSource) Start(ctx context.Context) error {
	return ErrNotAvailable
}

func (s *stubSource) Stop() error {
	return nil
}

var _ Source = (*stubSource)(nil)
