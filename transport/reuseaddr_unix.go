//go:build !windows

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr sets SO_REUSEADDR (and SO_REUSEPORT where the platform
// has it) on the listening socket before bind, so a restarted node can
// rebind the same UDP port immediately instead of waiting out the kernel's
// TIME_WAIT-style hold. Mirrors original_source/bcws/network.py's
// socket.setsockopt(SOL_SOCKET, SO_REUSEADDR, 1).
func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
