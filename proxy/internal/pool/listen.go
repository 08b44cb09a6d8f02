package pool

import (
	"net"

	"golang.org/x/net/netutil"
)

// listen binds addr and applies the concurrent-connection cap. The
// platform-specific listenSocket honors the backlog and reuse options.
func listen(addr string, backlog, maxConn int) (net.Listener, error) {
	ln, err := listenSocket(addr, backlog)
	if err != nil {
		return nil, err
	}
	if maxConn > 0 {
		ln = netutil.LimitListener(ln, maxConn)
	}
	return ln, nil
}
