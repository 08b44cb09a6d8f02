package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/interceptd/interceptd/internal/helper"
	"github.com/interceptd/interceptd/plugin"
	"github.com/interceptd/interceptd/internal/httpmsg"
	"github.com/interceptd/interceptd/proxy/internal/netx"
)

// dialUpstream opens a TCP connection to addr within the connect timeout,
// through the parent proxy when one is configured.
func (u *unit) dialUpstream(ctx context.Context, addr string) (net.Conn, FailureKind, error) {
	dctx, cancel := context.WithTimeout(ctx, u.cfg.ConnectTimeout)
	defer cancel()

	if u.cfg.Upstream != nil {
		conn, err := helper.DialViaProxy(dctx, u.cfg.Upstream, addr, u.cfg.SslInsecure)
		if err != nil {
			return nil, dialFailureKind(err), err
		}
		return conn, FailNone, nil
	}

	dialAddr := addr
	if u.cfg.DNS != nil {
		host, port, err := net.SplitHostPort(addr)
		if err == nil {
			addrs, rerr := u.cfg.DNS.Lookup(dctx, host)
			if rerr != nil {
				return nil, FailUpstreamUnreachable, rerr
			}
			dialAddr = net.JoinHostPort(addrs[0], port)
		}
	}

	conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", dialAddr)
	if err != nil {
		return nil, dialFailureKind(err), err
	}
	return conn, FailNone, nil
}

func dialFailureKind(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || netx.IsRetryable(err) {
		return FailUpstreamTimeout
	}
	return FailUpstreamUnreachable
}

// ensureUpstream makes sure a live upstream connection to addr exists,
// reusing the previous one across keep-alive requests when the authority is
// unchanged. For https schemes the connection is TLS-wrapped.
func (u *unit) ensureUpstream(ctx context.Context, addr, scheme string) bool {
	if u.upstream != nil && u.upstreamAddr == addr && !u.upstream.Closed() {
		return true
	}
	if u.upstream != nil {
		u.upstream.Close()
		u.upstream = nil
	}

	conn, kind, err := u.dialUpstream(ctx, addr)
	if err != nil {
		u.lastFailure = kind
		u.log.Debug("upstream dial failed", "addr", addr, "error", err)
		if kind == FailUpstreamTimeout {
			u.respondError(504, "upstream timeout")
		} else {
			u.respondError(502, "upstream unreachable")
		}
		return false
	}

	if scheme == "https" && u.cfg.Interceptor != nil && u.tunnelHost != "" {
		tlsConn, err := u.cfg.Interceptor.UpstreamHandshake(ctx, conn, u.tunnelHost)
		if err != nil {
			conn.Close()
			u.lastFailure = FailTLSHandshake
			u.respondError(502, "upstream tls handshake failed")
			return false
		}
		conn = tlsConn
	}

	u.upstream = netx.Wrap(conn, u.cfg.ServerRecvbuf, u.cfg.ServerRecvbuf)
	u.upstreamAddr = addr
	return true
}

// readRequestBody buffers the request body up to the streaming threshold.
// When the body exceeds it, buffered=false and the tail is streamed later by
// streamRequestBody.
func (u *unit) readRequestBody(ctx context.Context, p *httpmsg.Parser) (buffered bool, raw, data []byte, err error) {
	if p.State() == httpmsg.StateDone {
		raw, data = p.TakeBody()
		return true, raw, data, nil
	}

	buf := make([]byte, 16*1024)
	for p.State() != httpmsg.StateDone {
		if int64(len(raw)) > u.cfg.StreamLargeBodies {
			return false, raw, nil, nil
		}
		if err := ctx.Err(); err != nil {
			return false, raw, nil, err
		}
		_ = u.client.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
		n, rerr := u.client.Read(buf)
		if n > 0 {
			if perr := p.Feed(buf[:n]); perr != nil {
				return false, raw, nil, perr
			}
			r, d := p.TakeBody()
			raw = append(raw, r...)
			data = append(data, d...)
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if ferr := p.Finish(); ferr != nil {
					return false, raw, nil, ferr
				}
				r, d := p.TakeBody()
				raw = append(raw, r...)
				data = append(data, d...)
				return true, raw, data, nil
			}
			return false, raw, nil, rerr
		}
	}
	r, d := p.TakeBody()
	raw = append(raw, r...)
	data = append(data, d...)
	return true, raw, data, nil
}

// streamRequestBody pushes the remaining request body to the upstream
// verbatim.
func (u *unit) streamRequestBody(ctx context.Context, p *httpmsg.Parser) error {
	buf := make([]byte, 16*1024)
	for p.State() != httpmsg.StateDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = u.client.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
		n, rerr := u.client.Read(buf)
		if n > 0 {
			if perr := p.Feed(buf[:n]); perr != nil {
				return perr
			}
			raw, _ := p.TakeBody()
			if len(raw) > 0 {
				if _, werr := u.upstream.Write(raw); werr != nil {
					return werr
				}
			}
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if ferr := p.Finish(); ferr != nil {
					return ferr
				}
				raw, _ := p.TakeBody()
				if len(raw) > 0 {
					if _, werr := u.upstream.Write(raw); werr != nil {
						return werr
					}
				}
				return nil
			}
			return rerr
		}
	}
	return nil
}

// relay runs PLUGIN_REQUEST, UPSTREAM_CONNECT and RELAY for one plaintext or
// in-tunnel exchange, then reports the KEEP_ALIVE decision.
func (u *unit) relay(ctx context.Context, p *httpmsg.Parser, req *httpmsg.Message, addr, scheme string) bool {
	u.pctx.Request = req
	u.pctx.Response = nil
	u.pctx.RequestBody = nil

	// PLUGIN_REQUEST happens with the buffered body in view; oversized
	// bodies stream and are not observable
	buffered, rawBody, dataBody, err := u.readRequestBody(ctx, p)
	if err != nil {
		u.failHead(err)
		return false
	}
	if buffered {
		u.pctx.RequestBody = dataBody
	}

	if res := u.chain.BeforeUpstreamConnection(u.pctx); res.Action != plugin.ActionContinue {
		return u.finishPluginResult(req, res, buffered)
	}
	if res := u.chain.OnClientRequest(u.pctx); res.Action != plugin.ActionContinue {
		return u.finishPluginResult(req, res, buffered)
	}

	// UPSTREAM_CONNECT
	if !u.ensureUpstream(ctx, addr, scheme) {
		return false
	}

	// forward-proxy rewrites
	stripHopByHop(req, u.cfg.DisableHeaders)
	if u.cfg.Via != "" {
		req.Header.Add("Via", "1.1 "+u.cfg.Via)
	}

	// honor a plugin-rewritten buffered body, re-framing as needed
	body := rawBody
	if buffered && !bytes.Equal(u.pctx.RequestBody, dataBody) {
		body = reframeBody(req, u.pctx.RequestBody)
	}

	head := req.AppendHead(nil)
	if _, err := u.upstream.Write(append(head, body...)); err != nil {
		u.lastFailure = FailUpstreamUnreachable
		u.respondError(502, "upstream write failed")
		return false
	}
	if !buffered {
		if err := u.streamRequestBody(ctx, p); err != nil {
			u.failHead(err)
			return false
		}
	}
	u.pending = p.Rest()

	// RELAY: response direction
	return u.forwardResponse(ctx, req)
}

// finishPluginResult answers a plugin short-circuit: a synthesized response
// or a rejected connection.
func (u *unit) finishPluginResult(req *httpmsg.Message, res plugin.Result, bodyDrained bool) bool {
	if res.Action == plugin.ActionReject {
		u.lastFailure = FailPluginRejected
		u.respondError(403, "request rejected")
		return false
	}
	u.respondPlugin(res.Response)
	return bodyDrained && req.PersistentConnection()
}

// reframeBody rebuilds the wire body for a rewritten payload, adjusting the
// head so framing stays coherent.
func reframeBody(req *httpmsg.Message, data []byte) []byte {
	switch req.Body {
	case httpmsg.BodyChunked:
		var out []byte
		if len(data) > 0 {
			out = append(out, fmt.Sprintf("%x\r\n", len(data))...)
			out = append(out, data...)
			out = append(out, '\r', '\n')
		}
		return append(out, '0', '\r', '\n', '\r', '\n')
	default:
		req.Header.Set("Content-Length", strconv.Itoa(len(data)))
		if req.Body == httpmsg.BodyNone && len(data) == 0 {
			req.Header.Del("Content-Length")
		}
		return data
	}
}

// forwardResponse streams the upstream response back to the client, feeding
// each decoded chunk to the plugin chain in arrival order.
func (u *unit) forwardResponse(ctx context.Context, req *httpmsg.Message) bool {
	rp := httpmsg.NewParser(httpmsg.ResponseKind, u.cfg.Limits)
	rp.SetHeadMethod(req.Method)

	buf := make([]byte, 16*1024)
	upstreamEOF := false
	for !rp.HeadComplete() {
		if err := ctx.Err(); err != nil {
			return false
		}
		_ = u.upstream.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
		n, err := u.upstream.Read(buf)
		if n > 0 {
			if perr := rp.Feed(buf[:n]); perr != nil {
				u.lastFailure = FailMalformedProtocol
				u.respondError(502, "malformed upstream response")
				return false
			}
			continue
		}
		if err != nil {
			if netx.IsRetryable(err) {
				u.lastFailure = FailUpstreamTimeout
				u.respondError(504, "upstream timeout")
			} else {
				u.lastFailure = FailUpstreamUnreachable
				u.respondError(502, "upstream closed connection")
			}
			return false
		}
	}

	resp := rp.Message()
	u.pctx.Response = resp
	u.lastStatus = resp.StatusCode

	head := resp.AppendHead(nil)
	if _, err := u.client.Write(head); err != nil {
		return false
	}
	u.respStarted = true
	u.bytesOut.Add(int64(len(head)))

	// body already buffered during head reads
	reframing := false
	if !u.flushResponseBody(rp, resp, &reframing) {
		return false
	}

	for rp.State() != httpmsg.StateDone {
		if err := ctx.Err(); err != nil {
			return false
		}
		_ = u.upstream.SetReadDeadline(time.Now().Add(u.cfg.IdleTimeout))
		n, err := u.upstream.Read(buf)
		if n > 0 {
			if perr := rp.Feed(buf[:n]); perr != nil {
				u.log.Debug("malformed upstream body", "error", perr)
				return false
			}
			if !u.flushResponseBody(rp, resp, &reframing) {
				return false
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				upstreamEOF = true
				if ferr := rp.Finish(); ferr != nil {
					u.log.Debug("truncated upstream body", "error", ferr)
					return false
				}
				if !u.flushResponseBody(rp, resp, &reframing) {
					return false
				}
				break
			}
			// any error after response bytes started is a silent close
			u.log.Debug("upstream read failed", "error", err)
			return false
		}
	}
	if reframing && resp.Body == httpmsg.BodyChunked {
		if _, err := u.client.Write([]byte("0\r\n\r\n")); err != nil {
			return false
		}
	}

	// KEEP_ALIVE
	return req.PersistentConnection() &&
		resp.PersistentConnection() &&
		resp.Body != httpmsg.BodyUntilClose &&
		!upstreamEOF
}

// flushResponseBody forwards accumulated response body bytes, letting
// OnResponseChunk observers rewrite the decoded payload. Unmodified bodies
// are forwarded byte-identical from the raw capture.
func (u *unit) flushResponseBody(rp *httpmsg.Parser, resp *httpmsg.Message, reframing *bool) bool {
	raw, data := rp.TakeBody()
	if len(raw) == 0 && len(data) == 0 {
		return true
	}

	out := raw
	newData := u.chain.OnResponseChunk(u.pctx, data)
	if !bytes.Equal(newData, data) {
		switch resp.Body {
		case httpmsg.BodyChunked:
			*reframing = true
		case httpmsg.BodyFixed:
			if len(newData) != len(data) {
				// the Content-Length header is already on the wire; a
				// resizing rewrite at this point is ignored and logged
				u.log.Warn("response chunk rewrite ignored: fixed-length body already serialized")
				newData = data
			}
			out = newData
		case httpmsg.BodyUntilClose:
			out = newData
		}
	}
	if *reframing && resp.Body == httpmsg.BodyChunked {
		out = nil
		if len(newData) > 0 {
			out = append(out, fmt.Sprintf("%x\r\n", len(newData))...)
			out = append(out, newData...)
			out = append(out, '\r', '\n')
		}
	}

	if len(out) == 0 {
		return true
	}
	if _, err := u.client.Write(out); err != nil {
		return false
	}
	u.bytesOut.Add(int64(len(out)))
	return true
}
