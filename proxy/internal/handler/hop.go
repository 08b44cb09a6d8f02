package handler

import (
	"strings"

	"github.com/samber/lo"

	"github.com/interceptd/interceptd/internal/httpmsg"
)

// hop-by-hop headers are scoped to one transport connection and must not be
// forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	// not in RFC 7230 but emitted by real clients; never forward either
	"Proxy-Connection",
}

// stripHopByHop removes the hop-by-hop set, any header named in Connection
// fields, and the configured disable-headers list. Chunked framing survives:
// Transfer-Encoding: chunked is restored when the message body is chunked.
func stripHopByHop(m *httpmsg.Message, disable []string) {
	// headers named by the Connection field are connection-scoped too
	connectionNamed := make([]string, 0, 4)
	for _, v := range m.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				connectionNamed = append(connectionNamed, tok)
			}
		}
	}

	for _, name := range lo.Uniq(lo.Flatten([][]string{hopByHopHeaders, connectionNamed, disable})) {
		m.Header.Del(name)
	}

	if m.Body == httpmsg.BodyChunked {
		m.Header.Add("Transfer-Encoding", "chunked")
	}
}
