//go:build darwin

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials reads the peer's uid and gid from the socket via
// LOCAL_PEERCRED. Xucred carries no pid; LOCAL_PEERPID fills it in
// best-effort.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	var cred *unix.Xucred
	var pid int
	var credErr error

	err := withConnFd(conn, func(fd int) {
		cred, credErr = unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr != nil {
			return
		}
		if p, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID); err == nil {
			pid = p
		}
	})
	if err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, fmt.Errorf("peer credentials: %w", credErr)
	}

	return &PeerCredentials{
		PID: pid,
		UID: int(cred.Uid),
		GID: int(cred.Groups[0]),
	}, nil
}
