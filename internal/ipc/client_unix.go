//go:build !windows

package ipc

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// dialSocket connects to the daemon's unix socket. A missing socket file
// and a dead one both mean no daemon is listening.
func (c *IPCClient) dialSocket() (net.Conn, error) {
	d := net.Dialer{Timeout: c.config.ConnectTimeout}

	conn, err := d.Dial("unix", c.config.SocketPath)
	if err == nil {
		return conn, nil
	}
	if _, statErr := os.Stat(c.config.SocketPath); os.IsNotExist(statErr) {
		return nil, ErrDaemonNotRunning
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil, ErrDaemonNotRunning
	}
	return nil, err
}
