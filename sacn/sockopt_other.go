//go:build !linux

package sacn

import "net"

// listenConfig returns the platform-default listen configuration, with no
// socket options set. BindAll is the default everywhere but Linux, and under
// it every SocketRef binds the wildcard address on port 5568.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
