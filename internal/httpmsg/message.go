package httpmsg

import (
	"strconv"
	"strings"
)

// BodyKind describes how a message body is framed on the wire.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyFixed
	BodyChunked
	BodyUntilClose
)

// Message is a parsed HTTP/1.x request or response head plus body framing.
type Message struct {
	// Request fields.
	Method string
	Target string

	// Response fields.
	StatusCode int
	Reason     string

	Proto  string
	Header Header

	Body          BodyKind
	ContentLength int64
}

// IsRequest reports whether the message carries a request line.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// PersistentConnection reports whether the connection may carry another
// message after this one. HTTP/1.1 defaults to keep-alive, HTTP/1.0 requires
// an explicit token.
func (m *Message) PersistentConnection() bool {
	if m.Header.TokenListContains("Connection", "close") {
		return false
	}
	if m.Proto == "HTTP/1.0" {
		return m.Header.TokenListContains("Connection", "keep-alive") ||
			m.Header.TokenListContains("Proxy-Connection", "keep-alive")
	}
	return true
}

// AppendHead serializes the start line and header block to dst, CRLF
// terminated, and returns the extended slice.
func (m *Message) AppendHead(dst []byte) []byte {
	if m.IsRequest() {
		dst = append(dst, m.Method...)
		dst = append(dst, ' ')
		dst = append(dst, m.Target...)
		dst = append(dst, ' ')
		dst = append(dst, m.Proto...)
	} else {
		dst = append(dst, m.Proto...)
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(m.StatusCode), 10)
		if m.Reason != "" {
			dst = append(dst, ' ')
			dst = append(dst, m.Reason...)
		}
	}
	dst = append(dst, '\r', '\n')
	for _, f := range m.Header.Fields() {
		dst = append(dst, f.Name...)
		dst = append(dst, ':', ' ')
		dst = append(dst, f.Value...)
		dst = append(dst, '\r', '\n')
	}
	return append(dst, '\r', '\n')
}

// deriveFraming applies the body framing precedence rules and validates that
// Content-Length and chunked Transfer-Encoding are mutually exclusive.
func (m *Message) deriveFraming(isResponse bool, headMethod string) error {
	chunked := m.Header.TokenListContains("Transfer-Encoding", "chunked")
	clValues := m.Header.Values("Content-Length")

	if chunked && len(clValues) > 0 {
		return &ProtocolError{Reason: "both Content-Length and chunked Transfer-Encoding"}
	}

	if isResponse {
		// These responses never carry a body regardless of headers.
		if m.StatusCode/100 == 1 || m.StatusCode == 204 || m.StatusCode == 304 || headMethod == "HEAD" {
			m.Body = BodyNone
			return nil
		}
	}

	if chunked {
		m.Body = BodyChunked
		return nil
	}
	if len(clValues) > 0 {
		var length int64 = -1
		for _, v := range clValues {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || n < 0 {
				return &ProtocolError{Reason: "invalid Content-Length"}
			}
			if length >= 0 && n != length {
				return &ProtocolError{Reason: "conflicting Content-Length values"}
			}
			length = n
		}
		if length == 0 {
			m.Body = BodyNone
			return nil
		}
		m.Body = BodyFixed
		m.ContentLength = length
		return nil
	}
	if isResponse {
		m.Body = BodyUntilClose
		return nil
	}
	m.Body = BodyNone
	return nil
}
