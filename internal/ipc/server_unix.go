//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// prepareSocket creates the socket directory and clears any stale socket
// file. A socket that still accepts connections belongs to a live daemon
// and is left alone.
func prepareSocket(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(path) {
		return fmt.Errorf("another instance is already listening on %s", path)
	}
	if err := CleanupSocket(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// listenSocket opens the Unix domain socket.
func listenSocket(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

// SetSocketPermissions sets the socket file permissions.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes the socket file. Anything that is not a socket
// is left in place.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSocket == 0:
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	return os.Remove(path)
}

// IsSocketListening checks if a socket is already listening.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// VerifyPeerIsCurrentUser checks if the peer is running as the current
// user, via the platform's peer credential lookup.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}

// withConnFd runs fn on the connection's file descriptor.
func withConnFd(conn net.Conn, fn func(fd int)) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("not a unix connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}
	return raw.Control(func(fd uintptr) { fn(int(fd)) })
}
