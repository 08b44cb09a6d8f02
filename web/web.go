// Package web is the embedded web server collaborator. The proxy core hands
// it origin-form requests (clients addressing the proxy directly) together
// with their connections; it serves a small status UI, the CA certificate
// for download, and a websocket feed of access-log records.
package web

import (
	"bytes"
	"encoding/pem"
	"io"
	"net"
	"net/http"

	"github.com/interceptd/interceptd/internal/httpmsg"
	"github.com/interceptd/interceptd/version"
)

// chanListener adapts hand-delivered connections to net.Listener so a
// standard http.Server can serve them.
type chanListener struct {
	connChan chan net.Conn
}

func (l *chanListener) accept(c net.Conn) {
	l.connChan <- c
}

func (l *chanListener) Accept() (net.Conn, error) {
	c, ok := <-l.connChan
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (*chanListener) Close() error   { return nil }
func (*chanListener) Addr() net.Addr { return &net.TCPAddr{} }

// replayConn replays the already-parsed request head before the remaining
// connection bytes.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Server is the web collaborator.
type Server struct {
	ln     *chanListener
	server *http.Server
	feed   *feed
	caPEM  []byte
}

// NewServer creates the collaborator. caDER may be nil when MITM is off; the
// /ca.pem download then answers 404.
func NewServer(caDER []byte) *Server {
	s := &Server{
		ln:   &chanListener{connChan: make(chan net.Conn, 8)},
		feed: newFeed(),
	}
	if caDER != nil {
		s.caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ca.pem", s.handleCA)
	mux.HandleFunc("/ws", s.feed.handleWS)
	s.server = &http.Server{Handler: mux}
	return s
}

// Start serves hand-delivered connections until Close.
func (s *Server) Start() {
	go func() {
		_ = s.server.Serve(s.ln)
	}()
}

// Close shuts the collaborator down.
func (s *Server) Close() error {
	close(s.ln.connChan)
	return s.server.Close()
}

// ServeConn implements the core's WebCollaborator interface: it takes
// ownership of the connection, replaying the parsed head for the inner HTTP
// server.
func (s *Server) ServeConn(req *httpmsg.Message, conn net.Conn) {
	head := req.AppendHead(nil)
	s.ln.accept(&replayConn{
		Conn: conn,
		r:    io.MultiReader(bytes.NewReader(head), conn),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, `<!doctype html>
<html>
<head><title>interceptd</title></head>
<body>
<h1>interceptd `+version.Version+`</h1>
<p>This is a forwarding proxy. Configure it as your HTTP(S) proxy.</p>
<ul>
<li><a href="/ca.pem">Download the interception CA certificate</a></li>
<li><code>/ws</code> streams access-log records over websocket</li>
</ul>
</body>
</html>
`)
}

func (s *Server) handleCA(w http.ResponseWriter, r *http.Request) {
	if s.caPEM == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="interceptd-ca.pem"`)
	_, _ = w.Write(s.caPEM)
}
