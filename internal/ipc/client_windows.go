//go:build windows

package ipc

import (
	"net"

	"golang.org/x/sys/windows"
)

// dialSocket connects to the daemon's named pipe. When every instance is
// busy it waits for the server to spawn a fresh one, bounded by the
// connect timeout per attempt.
func (c *IPCClient) dialSocket() (net.Conn, error) {
	pipeName := WindowsPipePath(c.config.SocketPath)
	name16, err := windows.UTF16PtrFromString(pipeName)
	if err != nil {
		return nil, err
	}

	waitMs := uint32(c.config.ConnectTimeout.Milliseconds())

	for attempt := 0; ; attempt++ {
		h, err := windows.CreateFile(
			name16,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0, nil,
			windows.OPEN_EXISTING,
			0, 0,
		)
		switch err {
		case nil:
			return newPipeConn(h, pipeName), nil
		case windows.ERROR_FILE_NOT_FOUND:
			return nil, ErrDaemonNotRunning
		case windows.ERROR_PIPE_BUSY:
			if attempt >= 2 {
				return nil, err
			}
			if err := windows.WaitNamedPipe(name16, waitMs); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}
