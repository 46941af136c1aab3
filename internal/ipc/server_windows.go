//go:build windows

package ipc

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// Named pipes replace unix sockets on Windows. Pipes run in byte mode:
// the protocol carries its own length prefix, so stream semantics match
// the unix path exactly.
const pipeBufferSize = 64 * 1024

// WindowsPipePath converts a socket path to a named pipe path. Paths
// already in pipe form pass through unchanged.
func WindowsPipePath(socketPath string) string {
	if strings.HasPrefix(socketPath, `\\.\pipe\`) {
		return socketPath
	}
	username := os.Getenv("USERNAME")
	if username == "" {
		username = "default"
	}
	return fmt.Sprintf(`\\.\pipe\meritd-%s-%s`, username, filepath.Base(socketPath))
}

// PeerCredentials holds the credentials of a peer process. Windows only
// exposes the client PID; UID and GID are always zero.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// GetPeerCredentials retrieves the process id of the connected client.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	pc, ok := conn.(*WindowsPipeConn)
	if !ok {
		return nil, fmt.Errorf("not a named pipe connection")
	}

	var pid uint32
	if err := windows.GetNamedPipeClientProcessId(pc.handle, &pid); err != nil {
		return nil, fmt.Errorf("get client pid: %w", err)
	}
	return &PeerCredentials{PID: int(pid)}, nil
}

// VerifyPeerIsCurrentUser reports whether the peer runs as the current
// user. The pipe's default security descriptor already restricts access
// to the creating account, so a connected peer has passed that check.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}

// prepareSocket is a no-op on Windows; named pipes have no filesystem
// entry to clean up.
func prepareSocket(path string) error {
	return nil
}

// listenSocket opens the named pipe listener.
func listenSocket(path string) (net.Listener, error) {
	return NewWindowsPipeListener(path)
}

// SetSocketPermissions is a no-op on Windows; security is set at pipe
// creation.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return nil
}

// CleanupSocket is a no-op on Windows; pipes vanish with their handles.
func CleanupSocket(path string) error {
	return nil
}

// IsSocketListening checks if a named pipe is already listening.
func IsSocketListening(path string) bool {
	name16, err := windows.UTF16PtrFromString(WindowsPipePath(path))
	if err != nil {
		return false
	}

	h, err := windows.CreateFile(name16,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		// A busy pipe still proves a listener exists.
		return err == windows.ERROR_PIPE_BUSY
	}
	windows.CloseHandle(h)
	return true
}

// WindowsPipeListener implements net.Listener over named pipes. Each
// accepted connection gets its own pipe instance. The server runs a
// single accept goroutine; concurrent Accept calls are not supported.
type WindowsPipeListener struct {
	pipeName string
	closed   atomic.Bool
	pending  atomic.Uintptr // pipe instance awaiting a client
}

// NewWindowsPipeListener creates a listener for the named pipe form of
// the socket path.
func NewWindowsPipeListener(socketPath string) (*WindowsPipeListener, error) {
	return &WindowsPipeListener{pipeName: WindowsPipePath(socketPath)}, nil
}

// Accept creates a fresh pipe instance and waits for a client.
func (l *WindowsPipeListener) Accept() (net.Conn, error) {
	if l.closed.Load() {
		return nil, net.ErrClosed
	}

	h, err := l.newInstance()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	// Publish the pending instance so Close can abort the wait. Whoever
	// swaps the handle out owns closing it.
	l.pending.Store(uintptr(h))
	if l.closed.Load() {
		if l.pending.Swap(0) != 0 {
			windows.CloseHandle(h)
		}
		return nil, net.ErrClosed
	}

	connErr := windows.ConnectNamedPipe(h, nil)
	if connErr == windows.ERROR_PIPE_CONNECTED {
		// The client raced in between create and wait.
		connErr = nil
	}

	if l.pending.Swap(0) == 0 {
		// Close took the handle mid-wait.
		return nil, net.ErrClosed
	}
	if connErr != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("connect pipe: %w", connErr)
	}

	return newPipeConn(h, l.pipeName), nil
}

// newInstance creates one byte-mode duplex pipe instance, local clients
// only. The default security descriptor limits access to the creating
// account.
func (l *WindowsPipeListener) newInstance() (windows.Handle, error) {
	name16, err := windows.UTF16PtrFromString(l.pipeName)
	if err != nil {
		return windows.InvalidHandle, err
	}

	return windows.CreateNamedPipe(
		name16,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT|windows.PIPE_REJECT_REMOTE_CLIENTS,
		windows.PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize,
		pipeBufferSize,
		0,
		nil,
	)
}

// Close aborts a pending Accept by closing its pipe instance.
func (l *WindowsPipeListener) Close() error {
	l.closed.Store(true)
	if h := l.pending.Swap(0); h != 0 {
		windows.CloseHandle(windows.Handle(h))
	}
	return nil
}

// Addr returns the listener's pipe name.
func (l *WindowsPipeListener) Addr() net.Addr {
	return pipeAddr(l.pipeName)
}

// newPipeConn wraps a connected pipe instance.
func newPipeConn(h windows.Handle, name string) *WindowsPipeConn {
	return &WindowsPipeConn{handle: h, pipeName: name}
}

// WindowsPipeConn implements net.Conn over one pipe instance.
type WindowsPipeConn struct {
	handle   windows.Handle
	pipeName string
}

func (c *WindowsPipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(c.handle, b, &n, nil)
	if err == windows.ERROR_BROKEN_PIPE {
		// The peer hung up; report it the way a socket would.
		err = io.EOF
	}
	return int(n), err
}

func (c *WindowsPipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *WindowsPipeConn) Close() error {
	windows.DisconnectNamedPipe(c.handle)
	return windows.CloseHandle(c.handle)
}

func (c *WindowsPipeConn) LocalAddr() net.Addr  { return pipeAddr(c.pipeName) }
func (c *WindowsPipeConn) RemoteAddr() net.Addr { return pipeAddr(c.pipeName) }

// Deadlines are no-ops; pipe I/O here is blocking, and liveness rides on
// the protocol's ping keepalive instead of kernel timeouts.
func (c *WindowsPipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *WindowsPipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *WindowsPipeConn) SetWriteDeadline(t time.Time) error { return nil }

// pipeAddr implements net.Addr for named pipes.
type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
