package handler

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/interceptd/interceptd/internal/helper"
	"github.com/interceptd/interceptd/plugin"
	"github.com/interceptd/interceptd/internal/httpmsg"
	"github.com/interceptd/interceptd/proxy/internal/netx"
)

const tunnelEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect runs the TUNNEL phase: dial the CONNECT target, answer 200,
// then either relay raw bytes or engage TLS interception and loop back into
// the HTTP state machine on the decrypted stream.
func (u *unit) handleConnect(ctx context.Context, req *httpmsg.Message) bool {
	if u.tunnelHost != "" {
		u.lastFailure = FailMalformedProtocol
		u.respondError(400, "nested CONNECT")
		return false
	}

	target := helper.CanonicalAddr(req.Target, "https")
	u.pctx.Request = req
	u.pctx.Response = nil
	u.pctx.RequestBody = nil

	if res := u.chain.BeforeUpstreamConnection(u.pctx); res.Action != plugin.ActionContinue {
		u.finishPluginResult(req, res, true)
		return false
	}
	if res := u.chain.OnClientRequest(u.pctx); res.Action != plugin.ActionContinue {
		u.finishPluginResult(req, res, true)
		return false
	}
	// a plugin may have rewritten the tunnel target
	target = helper.CanonicalAddr(req.Target, "https")

	// UPSTREAM_CONNECT
	conn, kind, err := u.dialUpstream(ctx, target)
	if err != nil {
		u.lastFailure = kind
		u.log.Debug("CONNECT dial failed", "target", target, "error", err)
		if kind == FailUpstreamTimeout {
			u.respondError(504, "upstream timeout")
		} else {
			u.respondError(502, "upstream unreachable")
		}
		return false
	}

	intercept := u.cfg.Interceptor.ShouldIntercept(req.Target)
	if intercept {
		// dial-first: complete the upstream TLS handshake while a 502 is
		// still possible
		tlsConn, err := u.cfg.Interceptor.UpstreamHandshake(ctx, conn, req.Target)
		if err != nil {
			conn.Close()
			u.lastFailure = FailTLSHandshake
			u.log.Debug("upstream tls handshake failed", "target", target, "error", err)
			u.respondError(502, "upstream tls handshake failed")
			return false
		}
		conn = tlsConn
	}

	u.upstream = netx.Wrap(conn, u.cfg.ServerRecvbuf, u.cfg.ServerRecvbuf)
	u.upstreamAddr = target
	u.lastStatus = 200

	if _, err := u.client.Write([]byte(tunnelEstablished)); err != nil {
		return false
	}
	u.respStarted = true
	u.bytesOut.Add(int64(len(tunnelEstablished)))

	if !intercept {
		u.transfer(ctx)
		return false
	}

	// peek so plaintext smuggled into the tunnel is still relayed
	_ = u.client.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
	peek, err := u.client.Peek(3)
	if err != nil {
		u.log.Debug("tunnel peek failed", "error", err)
		return false
	}
	if !helper.IsTLS(peek) {
		u.transfer(ctx)
		return false
	}

	clientTLS, err := u.cfg.Interceptor.ClientHandshake(ctx, u.client, req.Target)
	if err != nil {
		// the 200 is on the wire; nothing can be said anymore
		u.lastFailure = FailTLSHandshake
		u.log.Debug("client tls handshake failed", "target", target, "error", err)
		return false
	}

	// loop back to AWAIT_HEAD on the decrypted stream
	u.client = netx.Wrap(clientTLS, u.cfg.ClientRecvbuf, u.cfg.ClientRecvbuf)
	u.tunnelHost = req.Target
	u.pctx.Intercepted = true
	u.pending = nil
	u.respStarted = false
	return true
}

// transfer relays raw bytes bidirectionally until both halves reach EOF or
// either side fails; one closed direction may keep draining the other
// (half-close permitted).
func (u *unit) transfer(ctx context.Context) {
	_ = u.client.SetReadDeadline(time.Time{})
	_ = u.upstream.SetReadDeadline(time.Time{})

	done := ctx.Done()
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			u.client.Close()
			u.upstream.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	var wg sync.WaitGroup
	var upTimedOut, downTimedOut bool
	var downBytes int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, upTimedOut = u.copyHalf(u.upstream, u.client)
	}()
	go func() {
		defer wg.Done()
		downBytes, downTimedOut = u.copyHalf(u.client, u.upstream)
	}()
	wg.Wait()
	u.bytesOut.Add(downBytes)
	if upTimedOut || downTimedOut {
		u.lastFailure = FailClientTimeout
	}
}

// copyHalf drains src into dst until EOF or error, applying the idle timer,
// then signals half-close to the peer.
func (u *unit) copyHalf(dst, src *netx.Conn) (total int64, timedOut bool) {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				dst.Close()
				src.Close()
				return total, false
			}
		}
		if err != nil {
			if netx.IsRetryable(err) {
				// the idle timer counts bytes in either direction
				last := src.IdleSince()
				if dst.IdleSince().After(last) {
					last = dst.IdleSince()
				}
				if time.Since(last) < u.cfg.IdleTimeout {
					continue
				}
				dst.Close()
				src.Close()
				return total, true
			}
			if err == io.EOF {
				dst.CloseWrite()
				src.CloseRead()
				return total, false
			}
			dst.Close()
			src.Close()
			return total, false
		}
	}
}
