package helper

import (
	"net"
	"strings"
)

var portMap = map[string]string{
	"http":   "80",
	"https":  "443",
	"socks5": "1080",
}

// CanonicalAddr returns hostport with the default port for scheme filled in
// when hostport carries none. The host part is lowercased.
func CanonicalAddr(hostport, scheme string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = portMap[scheme]
	}
	if port == "" {
		port = portMap[scheme]
	}
	return net.JoinHostPort(strings.ToLower(host), port)
}

// HostOnly strips the port from hostport, if any, and lowercases the result.
func HostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.ToLower(hostport)
	}
	return strings.ToLower(host)
}

// IsTLS reports whether buf starts with a TLS record header.
// https://github.com/mitmproxy/mitmproxy/blob/main/mitmproxy/net/tls.py is_tls_record_magic
func IsTLS(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x03
}
