package proxy_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/proxy"
)

func TestNewProxyValidation(t *testing.T) {
	c := qt.New(t)

	_, err := proxy.NewProxy(&proxy.Options{Port: 70000})
	c.Assert(err, qt.ErrorIs, proxy.ErrConfig)

	_, err = proxy.NewProxy(&proxy.Options{BasicAuth: "nopassword"})
	c.Assert(err, qt.ErrorIs, proxy.ErrConfig)

	_, err = proxy.NewProxy(&proxy.Options{CACertFile: "/x.pem"})
	c.Assert(err, qt.ErrorIs, proxy.ErrConfig)

	_, err = proxy.NewProxy(&proxy.Options{Upstream: "::not a url::"})
	c.Assert(err, qt.ErrorIs, proxy.ErrConfig)
}

func TestNewProxyMissingCAMaterial(t *testing.T) {
	c := qt.New(t)

	_, err := proxy.NewProxy(&proxy.Options{
		MITM:       true,
		CACertFile: "/does/not/exist.pem",
		CAKeyFile:  "/does/not/exist.key",
	})
	c.Assert(err, qt.ErrorIs, proxy.ErrCAMaterial)
}

func TestNewProxySelfSignCA(t *testing.T) {
	c := qt.New(t)

	p, err := proxy.NewProxy(&proxy.Options{
		MITM:      true,
		CACertDir: t.TempDir(),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(p.GetCertificate(), qt.IsNotNil)

	leaf, err := p.GetCertificateByCN("host.test")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Leaf.Subject.CommonName, qt.Equals, "host.test")
}

func TestProxyEndToEnd(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		_, _ = io.WriteString(w, "origin body")
	}))
	defer origin.Close()

	p, err := proxy.NewProxy(&proxy.Options{
		ListenAddr: "127.0.0.1:0",
		NumWorkers: 2,
		Timeout:    5 * time.Second,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(p.Listen(), qt.IsNil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- p.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		<-serveDone
	}()

	// wait for the pool to accept
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", p.Addr())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	originURL, _ := url.Parse(origin.URL)
	_, err = conn.Write([]byte("GET " + origin.URL + "/ HTTP/1.1\r\nHost: " + originURL.Host + "\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	c.Assert(err, qt.IsNil)
	defer res.Body.Close()
	c.Assert(res.StatusCode, qt.Equals, 200)
	c.Assert(res.Header.Get("X-Origin"), qt.Equals, "yes")
	body, err := io.ReadAll(res.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "origin body")
}

func TestOptionsAddr(t *testing.T) {
	c := qt.New(t)

	c.Assert((&proxy.Options{}).Addr(), qt.Equals, "127.0.0.1:8899")
	c.Assert((&proxy.Options{Hostname: "0.0.0.0", Port: 8080}).Addr(), qt.Equals, "0.0.0.0:8080")
	c.Assert((&proxy.Options{ListenAddr: "127.0.0.1:0"}).Addr(), qt.Equals, "127.0.0.1:0")
}
