//go:build linux

package sacn

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReusePort sets SO_REUSEADDR and SO_REUSEPORT on a listening socket
// before bind(2). BindLimited mode has every receive thread bind the same
// wildcard port so the kernel fans out one multicast copy per joined, bound
// socket; without SO_REUSEPORT the second thread's bind would fail outright.
func controlReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func listenConfig() net.ListenConfig {
	return net.ListenConfig{Control: controlReusePort}
}
