package handler

// FailureKind classifies why an exchange or connection failed; it feeds the
// access log and selects the synthesized error response.
type FailureKind string

const (
	FailNone                FailureKind = ""
	FailMalformedProtocol   FailureKind = "malformed_protocol"
	FailUpstreamUnreachable FailureKind = "upstream_unreachable"
	FailUpstreamTimeout     FailureKind = "upstream_timeout"
	FailClientTimeout       FailureKind = "client_timeout"
	FailTLSHandshake        FailureKind = "tls_handshake_failed"
	FailAuthRequired        FailureKind = "auth_required"
	FailPluginRejected      FailureKind = "plugin_rejected"
	FailResourceExhausted   FailureKind = "resource_exhausted"
)

// statusText carries the minimal reason phrases used on synthesized
// responses.
var statusText = map[int]string{
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	502: "Bad Gateway",
	504: "Gateway Timeout",
}
