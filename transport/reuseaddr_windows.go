//go:build windows

package transport

import "syscall"

// controlReuseAddr is a no-op on Windows: SO_REUSEADDR there permits
// silently stealing another process's bound port rather than just
// allowing a fast rebind, so it is deliberately not set.
func controlReuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
