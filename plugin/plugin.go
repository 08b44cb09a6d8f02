// Package plugin defines the lifecycle hooks user code can attach to a
// proxied connection and the ordered dispatch chain that invokes them.
package plugin

import (
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/interceptd/interceptd/internal/httpmsg"
)

// Context is the per-connection view handed to every hook: read-only
// connection bindings plus mutable request/response views.
type Context struct {
	ID         uuid.UUID
	ClientAddr string

	// Request is the message currently being proxied. Hooks may rewrite it
	// in place; rewrites after the head has been flushed upstream have no
	// effect on the forwarded request.
	Request *httpmsg.Message

	// RequestBody is the decoded request payload when the body was small
	// enough to buffer; nil in streaming mode. Hooks may replace it to
	// rewrite the forwarded body.
	RequestBody []byte

	// Response is the upstream response head, nil until observed.
	Response *httpmsg.Message

	// Intercepted reports whether the messages arrived over a decrypted
	// MITM tunnel.
	Intercepted bool
}

// Action is a hook's verdict on the current request.
type Action int

const (
	// ActionContinue proceeds with the (possibly rewritten) request.
	ActionContinue Action = iota
	// ActionRespond short-circuits with a synthesized response.
	ActionRespond
	// ActionReject answers 403 Forbidden and closes the connection.
	ActionReject
)

// Response is a synthesized response a hook may answer with.
type Response struct {
	StatusCode int
	Reason     string
	Header     httpmsg.Header
	Body       []byte
}

// Result pairs an Action with its synthesized response, if any.
type Result struct {
	Action   Action
	Response *Response
}

// Continue is the zero Result.
var Continue = Result{}

// Respond builds an ActionRespond result.
func Respond(res *Response) Result {
	return Result{Action: ActionRespond, Response: res}
}

// Reject builds an ActionReject result.
var Reject = Result{Action: ActionReject}

// AccessRecord is the access-log entry handed to OnAccessLog hooks.
type AccessRecord struct {
	ClientAddr   string
	Method       string
	Target       string
	Host         string
	StatusCode   int
	BytesOut     int64
	Duration     time.Duration
	Intercepted  bool
	FailureKind  string
	UpstreamHost string
}

// Hooks is the capability set of a plugin instance. Every field is
// optional; nil hooks cost nothing at dispatch.
type Hooks struct {
	// Name identifies the plugin in logs.
	Name string

	// BeforeUpstreamConnection runs after classification, before the
	// upstream dial. A panic here fails closed (reject).
	BeforeUpstreamConnection func(*Context) Result

	// OnClientRequest runs once the request head and buffered body are
	// available. It may rewrite the request, synthesize a response, or
	// reject. A panic fails open (continue).
	OnClientRequest func(*Context) Result

	// OnResponseChunk observes (and may rewrite) each response body chunk
	// in arrival order.
	OnResponseChunk func(*Context, []byte) []byte

	// OnClientConnectionClose runs when the client connection terminates.
	OnClientConnectionClose func(*Context)

	// OnAccessLog may consume the access record; returning true marks it
	// handled and suppresses later sinks including the default logger.
	OnAccessLog func(*Context, *AccessRecord) bool
}

// Constructor builds a fresh Hooks instance for one work unit.
type Constructor func() Hooks

type capability uint8

const (
	capBeforeUpstream capability = 1 << iota
	capClientRequest
	capResponseChunk
	capConnClose
	capAccessLog
)

func (h *Hooks) capabilities() capability {
	var m capability
	if h.BeforeUpstreamConnection != nil {
		m |= capBeforeUpstream
	}
	if h.OnClientRequest != nil {
		m |= capClientRequest
	}
	if h.OnResponseChunk != nil {
		m |= capResponseChunk
	}
	if h.OnClientConnectionClose != nil {
		m |= capConnClose
	}
	if h.OnAccessLog != nil {
		m |= capAccessLog
	}
	return m
}
