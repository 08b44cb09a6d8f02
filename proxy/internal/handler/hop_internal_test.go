package handler

import (
	"context"
	"net/url"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/internal/httpmsg"
)

func TestStripHopByHop(t *testing.T) {
	c := qt.New(t)

	m := &httpmsg.Message{Method: "GET", Target: "/", Proto: "HTTP/1.1"}
	m.Header.Add("Host", "a.test")
	m.Header.Add("Connection", "keep-alive, X-Custom")
	m.Header.Add("Keep-Alive", "timeout=5")
	m.Header.Add("Proxy-Connection", "keep-alive")
	m.Header.Add("Proxy-Authorization", "Basic xxx")
	m.Header.Add("X-Custom", "gone")
	m.Header.Add("TE", "trailers")
	m.Header.Add("Upgrade", "h2c")
	m.Header.Add("Accept", "*/*")

	stripHopByHop(m, nil)

	c.Assert(m.Header.Has("Host"), qt.IsTrue)
	c.Assert(m.Header.Has("Accept"), qt.IsTrue)
	c.Assert(m.Header.Has("Connection"), qt.IsFalse)
	c.Assert(m.Header.Has("Keep-Alive"), qt.IsFalse)
	c.Assert(m.Header.Has("Proxy-Connection"), qt.IsFalse)
	c.Assert(m.Header.Has("Proxy-Authorization"), qt.IsFalse)
	c.Assert(m.Header.Has("X-Custom"), qt.IsFalse, qt.Commentf("Connection-named header must go"))
	c.Assert(m.Header.Has("TE"), qt.IsFalse)
	c.Assert(m.Header.Has("Upgrade"), qt.IsFalse)
}

func TestStripHopByHopKeepsChunkedFraming(t *testing.T) {
	c := qt.New(t)

	m := &httpmsg.Message{Method: "POST", Target: "/", Proto: "HTTP/1.1", Body: httpmsg.BodyChunked}
	m.Header.Add("Transfer-Encoding", "chunked")

	stripHopByHop(m, nil)
	c.Assert(m.Header.Get("Transfer-Encoding"), qt.Equals, "chunked")
}

func TestStripDisableHeaders(t *testing.T) {
	c := qt.New(t)

	m := &httpmsg.Message{Method: "GET", Target: "/", Proto: "HTTP/1.1"}
	m.Header.Add("X-Internal-Token", "secret")
	m.Header.Add("Accept", "*/*")

	stripHopByHop(m, []string{"X-Internal-Token"})
	c.Assert(m.Header.Has("X-Internal-Token"), qt.IsFalse)
	c.Assert(m.Header.Has("Accept"), qt.IsTrue)
}

func TestOriginForm(t *testing.T) {
	c := qt.New(t)

	cases := []struct{ in, want string }{
		{"http://h.test/hello", "/hello"},
		{"http://h.test", "/"},
		{"http://h.test/p?q=1", "/p?q=1"},
	}
	for _, tc := range cases {
		u := mustParse(t, tc.in)
		c.Assert(originForm(u), qt.Equals, tc.want)
	}
}

func TestReframeBody(t *testing.T) {
	c := qt.New(t)

	chunked := &httpmsg.Message{Method: "POST", Proto: "HTTP/1.1", Body: httpmsg.BodyChunked}
	out := reframeBody(chunked, []byte("rewritten"))
	c.Assert(string(out), qt.Equals, "9\r\nrewritten\r\n0\r\n\r\n")

	out = reframeBody(chunked, nil)
	c.Assert(string(out), qt.Equals, "0\r\n\r\n")

	fixed := &httpmsg.Message{Method: "POST", Proto: "HTTP/1.1", Body: httpmsg.BodyFixed, ContentLength: 2}
	fixed.Header.Add("Content-Length", "2")
	out = reframeBody(fixed, []byte("longer body"))
	c.Assert(string(out), qt.Equals, "longer body")
	c.Assert(fixed.Header.Get("Content-Length"), qt.Equals, "11")
}

func TestDNSCache(t *testing.T) {
	c := qt.New(t)

	d := NewDNSCache(time.Minute)
	addrs, err := d.Lookup(context.Background(), "127.0.0.1")
	c.Assert(err, qt.IsNil)
	c.Assert(addrs, qt.DeepEquals, []string{"127.0.0.1"})

	addrs, err = d.Lookup(context.Background(), "localhost")
	c.Assert(err, qt.IsNil)
	c.Assert(len(addrs) > 0, qt.IsTrue)

	// second lookup is served from cache
	again, err := d.Lookup(context.Background(), "localhost")
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.DeepEquals, addrs)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}
