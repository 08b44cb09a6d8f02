// Package proxy implements a lightweight, pluggable, TLS-interception
// capable forwarding proxy: an acceptor pool distributing connections over
// worker event loops, an HTTP/CONNECT state machine per connection, and an
// on-demand certificate authority for MITM.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/atomic"

	"github.com/interceptd/interceptd/cert"
	"github.com/interceptd/interceptd/plugin"
	"github.com/interceptd/interceptd/proxy/internal/handler"
	"github.com/interceptd/interceptd/proxy/internal/mitm"
	"github.com/interceptd/interceptd/proxy/internal/netx"
	"github.com/interceptd/interceptd/proxy/internal/pool"
	"github.com/interceptd/interceptd/version"
)

// Proxy is the assembled server. The handler behind it is swappable so a
// reload (SIGHUP) can install a fresh plugin chain and CA without dropping
// live connections.
type Proxy struct {
	Opts    *Options
	Version string

	ca      cert.CA
	pool    *pool.Pool
	handler atomic.Pointer[handler.Handler]
	web     handler.WebCollaborator

	cancel context.CancelFunc
}

// NewProxy validates opts, loads CA material when MITM is enabled, and
// assembles the server.
func NewProxy(opts *Options) (*Proxy, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	p := &Proxy{
		Opts:    opts,
		Version: version.Version,
	}

	if opts.MITM {
		ca, err := loadCA(opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCAMaterial, err)
		}
		p.ca = ca
	}

	if _, err := opts.upstreamURL(); err != nil {
		return nil, err
	}

	h, err := p.buildHandler()
	if err != nil {
		return nil, err
	}
	p.handler.Store(h)

	p.pool = pool.New(pool.Config{
		Addr:                     opts.Addr(),
		Backlog:                  opts.Backlog,
		NumWorkers:               opts.NumWorkers,
		MaxConcurrentConnections: opts.MaxConcurrentConnections,
		ClientRecvbuf:            opts.ClientRecvbufSize,
		GraceTimeout:             opts.GraceTimeout,
	}, p)

	return p, nil
}

func loadCA(opts *Options) (cert.CA, error) {
	validity := time.Duration(opts.CAValidityDays) * 24 * time.Hour
	if opts.CACertFile != "" {
		return cert.NewFromFiles(opts.CACertFile, opts.CAKeyFile, opts.CASigningKeyFile, opts.CACertDir, validity)
	}
	return cert.NewSelfSignCA(opts.CACertDir)
}

func (o *Options) upstreamURL() (*url.URL, error) {
	if o.Upstream == "" {
		return nil, nil
	}
	u, err := url.Parse(o.Upstream)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: bad upstream %q", ErrConfig, o.Upstream)
	}
	return u, nil
}

func (p *Proxy) buildHandler() (*handler.Handler, error) {
	opts := p.Opts
	upstream, err := opts.upstreamURL()
	if err != nil {
		return nil, err
	}

	var itc *mitm.Interceptor
	if p.ca != nil {
		itc = &mitm.Interceptor{
			CA:          p.ca,
			SslInsecure: opts.SslInsecure,
			Hosts:       opts.InterceptHosts,
		}
	}

	var dns *handler.DNSCache
	if opts.DNSCacheTTL > 0 {
		dns = handler.NewDNSCache(opts.DNSCacheTTL)
	}

	return handler.New(handler.Config{
		Via:               opts.Via,
		BasicAuth:         opts.BasicAuth,
		AuthRealm:         opts.AuthRealm,
		DisableHTTPProxy:  opts.DisableHTTPProxy,
		DisableHeaders:    opts.DisableHeaders,
		ConnectTimeout:    opts.ConnectTimeout,
		IdleTimeout:       opts.Timeout,
		ClientRecvbuf:     opts.ClientRecvbufSize,
		ServerRecvbuf:     opts.ServerRecvbufSize,
		StreamLargeBodies: opts.StreamLargeBodies,
		Upstream:          upstream,
		SslInsecure:       opts.SslInsecure,
		Interceptor:       itc,
		Web:               p.web,
		Plugins:           opts.Plugins,
		DNS:               dns,
	}), nil
}

// ServeConn implements the pool handler by delegating to the currently
// installed protocol handler.
func (p *Proxy) ServeConn(ctx context.Context, c *netx.Conn) {
	p.handler.Load().ServeConn(ctx, c)
}

// SetWebCollaborator installs the embedded web server that answers
// origin-form requests. It must be called before Start.
func (p *Proxy) SetWebCollaborator(w handler.WebCollaborator) {
	p.web = w
	if h, err := p.buildHandler(); err == nil {
		p.handler.Store(h)
	}
}

// AddPlugin appends a plugin constructor to the configured chain.
// It must be called before Start.
func (p *Proxy) AddPlugin(ctor plugin.Constructor) {
	p.Opts.Plugins = append(p.Opts.Plugins, ctor)
	if h, err := p.buildHandler(); err == nil {
		p.handler.Store(h)
	}
}

// Reload rebuilds the plugin chain and reloads CA material; new connections
// pick up the fresh state, live ones finish on the old.
func (p *Proxy) Reload(plugins []plugin.Constructor) error {
	if plugins != nil {
		p.Opts.Plugins = plugins
	}
	if p.Opts.MITM {
		ca, err := loadCA(p.Opts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCAMaterial, err)
		}
		p.ca = ca
	}
	h, err := p.buildHandler()
	if err != nil {
		return err
	}
	p.handler.Store(h)
	return nil
}

// Listen binds the listening socket without serving yet.
func (p *Proxy) Listen() error {
	if err := p.pool.Listen(); err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	return nil
}

// Addr returns the bound listener address, or "" before Listen.
func (p *Proxy) Addr() string {
	a := p.pool.Addr()
	if a == nil {
		return ""
	}
	return a.String()
}

// Start binds (if needed) and serves until Shutdown or Close. It blocks.
func (p *Proxy) Start() error {
	if p.pool.Addr() == nil {
		if err := p.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	return p.pool.Serve(ctx)
}

// Shutdown stops accepting and starts draining the workers. It does not wait
// for Serve to return; it returns ctx.Err().
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	return ctx.Err()
}

// Close force-closes the listener.
func (p *Proxy) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return p.pool.Close()
}

// GetCertificate returns the interception root CA certificate.
func (p *Proxy) GetCertificate() *x509.Certificate {
	if p.ca == nil {
		return nil
	}
	return p.ca.GetRootCA()
}

// GetCertificateByCN returns (synthesizing if needed) the leaf for a host.
func (p *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	if p.ca == nil {
		return nil, ErrCAMaterial
	}
	return p.ca.GetCert(commonName)
}
