package plugins_test

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/klauspost/compress/gzip"

	"github.com/interceptd/interceptd/plugin"
	"github.com/interceptd/interceptd/plugins"
	"github.com/interceptd/interceptd/internal/httpmsg"
)

func TestDecoderLeavesWireBytesUntouched(t *testing.T) {
	c := qt.New(t)

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	_, err := gw.Write([]byte("hello decoded world"))
	c.Assert(err, qt.IsNil)
	c.Assert(gw.Close(), qt.IsNil)

	chain := plugin.NewChain([]plugin.Constructor{plugins.Decoder()})

	resp := &httpmsg.Message{Proto: "HTTP/1.1", StatusCode: 200}
	resp.Header.Add("Content-Encoding", "gzip")
	ctx := &plugin.Context{
		Request:  &httpmsg.Message{Method: "GET", Target: "/", Proto: "HTTP/1.1"},
		Response: resp,
	}

	in := compressed.Bytes()
	out := chain.OnResponseChunk(ctx, in)
	c.Assert(out, qt.DeepEquals, in, qt.Commentf("decoder must not alter the wire bytes"))

	// close hook decodes without panicking
	chain.OnClientConnectionClose(ctx)
}

func TestDecoderIgnoresIdentityEncoding(t *testing.T) {
	c := qt.New(t)

	chain := plugin.NewChain([]plugin.Constructor{plugins.Decoder()})
	resp := &httpmsg.Message{Proto: "HTTP/1.1", StatusCode: 200}
	ctx := &plugin.Context{
		Request:  &httpmsg.Message{Method: "GET", Target: "/", Proto: "HTTP/1.1"},
		Response: resp,
	}

	out := chain.OnResponseChunk(ctx, []byte("plain"))
	c.Assert(string(out), qt.Equals, "plain")
	chain.OnClientConnectionClose(ctx)
}
