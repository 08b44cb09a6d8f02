// Package mitm terminates TLS on both sides of a CONNECT tunnel so the
// proxy can observe plaintext. The client-facing side presents a leaf
// certificate synthesized for the target hostname; the upstream side
// validates the real server against the system trust store.
package mitm

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/interceptd/interceptd/cert"
	"github.com/interceptd/interceptd/internal/helper"
)

// Interceptor bridges two TLS sessions over a CONNECT tunnel.
type Interceptor struct {
	CA cert.CA

	// SslInsecure disables upstream certificate validation (testing only).
	SslInsecure bool

	// Hosts restricts interception to matching hostnames; empty means
	// intercept everything.
	Hosts []string
}

// ShouldIntercept applies the MITM host policy to the CONNECT target.
func (i *Interceptor) ShouldIntercept(host string) bool {
	if i == nil || i.CA == nil {
		return false
	}
	if len(i.Hosts) == 0 {
		return true
	}
	return helper.MatchHost(host, i.Hosts)
}

// ClientHandshake terminates TLS on the client side of an established
// tunnel. The leaf is chosen by SNI when the client sends one, falling back
// to the CONNECT host. Only HTTP/1.1 is offered; the decrypted stream loops
// back into the HTTP state machine.
func (i *Interceptor) ClientHandshake(ctx context.Context, conn net.Conn, connectHost string) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, &tls.Config{
		SessionTicketsDisabled: true,
		NextProtos:             []string{"http/1.1"},
		KeyLogWriter:           helper.GetTLSKeyLogWriter(),
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := chi.ServerName
			if host == "" {
				host = helper.HostOnly(connectHost)
			}
			return i.CA.GetCert(host)
		},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// UpstreamHandshake opens the TLS session to the real upstream over an
// existing TCP connection.
func (i *Interceptor) UpstreamHandshake(ctx context.Context, conn net.Conn, serverName string) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         helper.HostOnly(serverName),
		InsecureSkipVerify: i.SslInsecure,
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
		NextProtos:         []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
