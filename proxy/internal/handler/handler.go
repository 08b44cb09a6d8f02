// Package handler drives one client connection through the HTTP/CONNECT
// protocol state machine: parse the request head, classify it, consult the
// plugin chain, connect upstream, then relay or tunnel until the connection
// winds down.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/interceptd/interceptd/internal/helper"
	"github.com/interceptd/interceptd/plugin"
	"github.com/interceptd/interceptd/internal/httpmsg"
	"github.com/interceptd/interceptd/proxy/internal/mitm"
	"github.com/interceptd/interceptd/proxy/internal/netx"
)

// WebCollaborator receives origin-form requests addressed to the proxy
// itself. ServeConn takes ownership of the connection.
type WebCollaborator interface {
	ServeConn(req *httpmsg.Message, conn net.Conn)
}

// Config is the immutable per-proxy handler configuration.
type Config struct {
	// Via, when non-empty, is the pseudonym appended as "Via: 1.1 <via>"
	// on forwarded requests.
	Via string

	// BasicAuth is "user:password"; empty disables proxy authentication.
	BasicAuth string
	AuthRealm string

	// DisableHTTPProxy rejects plaintext forward-proxy requests, leaving
	// only CONNECT service.
	DisableHTTPProxy bool

	// DisableHeaders are removed from requests before upstream dispatch.
	DisableHeaders []string

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	ClientRecvbuf int
	ServerRecvbuf int

	// StreamLargeBodies is the buffering threshold: bodies up to this many
	// bytes are buffered for plugin observation, larger ones stream.
	StreamLargeBodies int64

	// Upstream chains to a parent proxy instead of dialing origins.
	Upstream *url.URL

	SslInsecure bool

	Interceptor *mitm.Interceptor
	Web         WebCollaborator
	Plugins     []plugin.Constructor

	DNS *DNSCache

	Limits httpmsg.Limits
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.StreamLargeBodies <= 0 {
		cfg.StreamLargeBodies = 1024 * 1024 // default: 1mb
	}
	if cfg.AuthRealm == "" {
		cfg.AuthRealm = "proxy.py"
	}
	if cfg.Limits == (httpmsg.Limits{}) {
		cfg.Limits = httpmsg.DefaultLimits
	}
	return cfg
}

// Handler serves accepted client connections; it is shared by all workers.
type Handler struct {
	cfg Config
}

// New creates a Handler.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg.withDefaults()}
}

// ServeConn drives one client connection to completion.
func (h *Handler) ServeConn(ctx context.Context, client *netx.Conn) {
	u := &unit{
		cfg:    &h.cfg,
		client: client,
		chain:  plugin.NewChain(h.cfg.Plugins),
		log: slog.Default().With(
			"in", "Proxy.handler",
			"client", client.RemoteAddr().String(),
		),
		start: time.Now(),
	}
	u.pctx = &plugin.Context{
		ID:         client.ID,
		ClientAddr: client.RemoteAddr().String(),
	}
	u.serve(ctx)
}

// unit is the per-connection work unit: the client connection, the optional
// upstream connection, the plugin chain, and the protocol phase state.
type unit struct {
	cfg    *Config
	client *netx.Conn
	chain  *plugin.Chain
	pctx   *plugin.Context
	log    *slog.Logger
	start  time.Time

	upstream     *netx.Conn
	upstreamAddr string

	// tunnelHost is the CONNECT authority once a MITM tunnel is engaged;
	// requests on the decrypted stream are origin-form against it.
	tunnelHost string

	// pending holds pipelined bytes left over by the previous request's
	// parser.
	pending []byte

	respStarted  bool
	relinquished bool

	reqCount    atomic.Uint32
	bytesOut    atomic.Int64
	lastStatus  int
	lastFailure FailureKind
	lastMethod  string
	lastTarget  string
}

func (u *unit) serve(ctx context.Context) {
	defer u.teardown()

	for {
		if ctx.Err() != nil {
			return
		}
		p, err := u.readRequestHead(ctx)
		if err != nil {
			u.failHead(err)
			return
		}
		if p == nil {
			// clean EOF between requests
			return
		}
		if !u.exchange(ctx, p) {
			return
		}
		if u.relinquished {
			return
		}
	}
}

// readRequestHead runs AWAIT_HEAD: feed client bytes to a fresh request
// parser until the head completes. A nil parser with nil error means the
// client closed cleanly between requests.
func (u *unit) readRequestHead(ctx context.Context) (*httpmsg.Parser, error) {
	p := httpmsg.NewParser(httpmsg.RequestKind, u.cfg.Limits)

	readAny := false
	if len(u.pending) > 0 {
		b := u.pending
		u.pending = nil
		readAny = true
		if err := p.Feed(b); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 16*1024)
	for !p.HeadComplete() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = u.client.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
		n, err := u.client.Read(buf)
		if n > 0 {
			readAny = true
			if perr := p.Feed(buf[:n]); perr != nil {
				return nil, perr
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && !readAny {
				return nil, nil
			}
			return nil, err
		}
	}
	_ = u.client.SetReadDeadline(time.Time{})
	return p, nil
}

// failHead maps AWAIT_HEAD errors to the synthesized response policy.
func (u *unit) failHead(err error) {
	if err == nil {
		return
	}
	var perr *httpmsg.ProtocolError
	switch {
	case errors.As(err, &perr):
		u.lastFailure = FailMalformedProtocol
		u.respondError(400, "malformed request")
	case netx.IsRetryable(err):
		// idle timer fired
		u.lastFailure = FailClientTimeout
		if !u.respStarted {
			u.respondError(408, "request timeout")
		}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		// peer went away or shutdown; nothing to say
	default:
		u.log.Debug("client read failed", "error", err)
	}
}

// exchange runs one request through CLASSIFY and the phases beyond.
// It reports whether the connection may carry another request.
func (u *unit) exchange(ctx context.Context, p *httpmsg.Parser) bool {
	req := p.Message()
	u.reqCount.Add(1)
	u.lastMethod = req.Method
	u.lastTarget = req.Target
	u.lastStatus = 0
	u.lastFailure = FailNone
	u.respStarted = false

	// CLASSIFY
	if u.tunnelHost == "" && u.cfg.BasicAuth != "" && !u.checkAuth(req) {
		u.lastFailure = FailAuthRequired
		u.respond407()
		return false
	}

	if req.Method == "CONNECT" {
		return u.handleConnect(ctx, req)
	}

	scheme := "http"
	if u.tunnelHost == "" {
		if !strings.Contains(req.Target, "://") {
			// authority-less origin form: the client addressed the proxy
			// itself; that is the web collaborator's territory
			return u.accessProxyServer(req)
		}
		if u.cfg.DisableHTTPProxy {
			u.lastFailure = FailMalformedProtocol
			u.respondError(400, "http proxying is disabled")
			return false
		}
		target, err := url.Parse(req.Target)
		if err != nil || target.Host == "" {
			u.lastFailure = FailMalformedProtocol
			u.respondError(400, "bad request target")
			return false
		}
		scheme = target.Scheme
		req.Target = originForm(target)
		if !req.Header.Has("Host") {
			req.Header.Add("Host", target.Host)
		}
		u.lastTarget = target.String()
		return u.relay(ctx, p, req, helper.CanonicalAddr(target.Host, scheme), scheme)
	}

	// inside a MITM tunnel requests arrive in origin form
	scheme = "https"
	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		u.lastFailure = FailMalformedProtocol
		u.respondError(400, "absolute-form target inside tunnel")
		return false
	}
	return u.relay(ctx, p, req, helper.CanonicalAddr(u.tunnelHost, scheme), scheme)
}

// accessProxyServer hands an origin-form request to the web collaborator,
// relinquishing the work unit, or answers 400 when none is configured.
func (u *unit) accessProxyServer(req *httpmsg.Message) bool {
	if u.cfg.Web != nil {
		u.relinquished = true
		u.cfg.Web.ServeConn(req, u.client)
		return false
	}
	u.respondError(400, "This is a proxy server, direct requests are not allowed")
	return false
}

func (u *unit) checkAuth(req *httpmsg.Message) bool {
	auth := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return false
	}
	return string(decoded) == u.cfg.BasicAuth
}

// respond synthesizes a response. Nothing is written once response bytes for
// the current exchange are already on the wire.
func (u *unit) respond(status int, header *httpmsg.Header, body []byte) {
	if u.respStarted {
		return
	}
	res := &httpmsg.Message{
		Proto:      "HTTP/1.1",
		StatusCode: status,
		Reason:     statusText[status],
	}
	if header != nil {
		res.Header = *header
	}
	res.Header.Add("Content-Length", strconv.Itoa(len(body)))
	out := res.AppendHead(nil)
	out = append(out, body...)
	u.respStarted = true
	u.lastStatus = status
	if _, err := u.client.Write(out); err != nil {
		u.log.Debug("write synthesized response failed", "error", err)
	}
	u.bytesOut.Add(int64(len(out)))
}

func (u *unit) respondError(status int, msg string) {
	u.respond(status, nil, []byte(msg+"\r\n"))
}

func (u *unit) respond407() {
	var h httpmsg.Header
	h.Add("Proxy-Authenticate", `Basic realm="`+u.cfg.AuthRealm+`"`)
	u.respond(407, &h, nil)
}

// respondPlugin writes a plugin-synthesized response.
func (u *unit) respondPlugin(res *plugin.Response) {
	reason := res.Reason
	if reason == "" {
		reason = statusText[res.StatusCode]
	}
	m := &httpmsg.Message{
		Proto:      "HTTP/1.1",
		StatusCode: res.StatusCode,
		Reason:     reason,
		Header:     *res.Header.Clone(),
	}
	if !m.Header.Has("Content-Length") {
		m.Header.Add("Content-Length", strconv.Itoa(len(res.Body)))
	}
	out := m.AppendHead(nil)
	out = append(out, res.Body...)
	u.respStarted = true
	u.lastStatus = res.StatusCode
	if _, err := u.client.Write(out); err != nil {
		u.log.Debug("write plugin response failed", "error", err)
	}
	u.bytesOut.Add(int64(len(out)))
}

// originForm reduces an absolute-form URL to its origin-form target.
func originForm(target *url.URL) string {
	out := target.EscapedPath()
	if out == "" {
		out = "/"
	}
	if target.RawQuery != "" {
		out += "?" + target.RawQuery
	}
	return out
}

// teardown finishes the work unit: notify plugins, emit the access log,
// release both connections.
func (u *unit) teardown() {
	u.chain.OnClientConnectionClose(u.pctx)

	if u.reqCount.Load() > 0 {
		rec := &plugin.AccessRecord{
			ClientAddr:   u.pctx.ClientAddr,
			Method:       u.lastMethod,
			Target:       u.lastTarget,
			Host:         u.upstreamAddr,
			StatusCode:   u.lastStatus,
			BytesOut:     u.bytesOut.Load(),
			Duration:     time.Since(u.start),
			Intercepted:  u.pctx.Intercepted,
			FailureKind:  string(u.lastFailure),
			UpstreamHost: u.upstreamAddr,
		}
		if !u.chain.OnAccessLog(u.pctx, rec) {
			u.log.Info("access",
				"method", rec.Method,
				"target", rec.Target,
				"status", rec.StatusCode,
				"bytes", rec.BytesOut,
				"durationMs", rec.Duration.Milliseconds(),
				"upstream", rec.UpstreamHost,
				"failure", rec.FailureKind,
			)
		}
	}

	if u.upstream != nil {
		u.upstream.Close()
	}
	if !u.relinquished {
		u.client.Close()
	}
}
