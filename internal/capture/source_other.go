//go:build !darwin && !linux

package capture

import "context"

// stubSource is used on platforms without a capture backend.
type stubSource struct {
	baseSource
}

func newPlatformSource() Source {
	return &stubSource{baseSource: newBaseSource()}
}

func (s *stubSource) Available() (bool, string) {
	return false, "input capture not implemented for this platform"
}

func (s *stubSource) Start(ctx context.Context) error {
	return ErrNotAvailable
}

func (s *stubSource) Stop() error {
	return nil
}

var _ Source = (*stubSource)(nil)
