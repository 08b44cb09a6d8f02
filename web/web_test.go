package web_test

import (
	"bufio"
	"net"
	"net/http"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/internal/httpmsg"
	"github.com/interceptd/interceptd/web"
)

func serveRequest(t *testing.T, s *web.Server, target string) *http.Response {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	req := &httpmsg.Message{Method: "GET", Target: target, Proto: "HTTP/1.1"}
	req.Header.Add("Host", "proxy.local")
	go s.ServeConn(req, serverSide)

	_ = clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	res, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return res
}

func TestIndexPage(t *testing.T) {
	c := qt.New(t)

	s := web.NewServer(nil)
	s.Start()
	defer s.Close()

	res := serveRequest(t, s, "/")
	defer res.Body.Close()
	c.Assert(res.StatusCode, qt.Equals, 200)
	c.Assert(res.Header.Get("Content-Type"), qt.Contains, "text/html")
}

func TestCADownloadWithoutMITM(t *testing.T) {
	c := qt.New(t)

	s := web.NewServer(nil)
	s.Start()
	defer s.Close()

	res := serveRequest(t, s, "/ca.pem")
	defer res.Body.Close()
	c.Assert(res.StatusCode, qt.Equals, 404)
}

func TestCADownload(t *testing.T) {
	c := qt.New(t)

	s := web.NewServer([]byte{0x30, 0x03, 0x02, 0x01, 0x01})
	s.Start()
	defer s.Close()

	res := serveRequest(t, s, "/ca.pem")
	defer res.Body.Close()
	c.Assert(res.StatusCode, qt.Equals, 200)
	c.Assert(res.Header.Get("Content-Type"), qt.Equals, "application/x-pem-file")
}
