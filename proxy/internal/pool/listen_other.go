//go:build !linux

package pool

import "net"

// listenSocket falls back to the runtime listener; the backlog is left to
// the platform default.
func listenSocket(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
