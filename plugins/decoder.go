package plugins

import (
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/interceptd/interceptd/plugin"
)

// decoderCap bounds how much compressed body one connection may buffer for
// observation.
const decoderCap = 1 << 20

// Decoder observes compressed response bodies, decodes them when the client
// connection closes, and logs the encoding with the compressed and decoded
// sizes at debug level. The wire bytes are never altered.
func Decoder() plugin.Constructor {
	return func() plugin.Hooks {
		var buf bytes.Buffer
		return plugin.Hooks{
			Name: "decoder",
			OnResponseChunk: func(ctx *plugin.Context, chunk []byte) []byte {
				if ctx.Response == nil || buf.Len() >= decoderCap {
					return chunk
				}
				if encodingOf(ctx) == "" {
					return chunk
				}
				n := decoderCap - buf.Len()
				if n > len(chunk) {
					n = len(chunk)
				}
				buf.Write(chunk[:n])
				return chunk
			},
			OnClientConnectionClose: func(ctx *plugin.Context) {
				if buf.Len() == 0 || ctx.Response == nil {
					return
				}
				enc := encodingOf(ctx)
				decoded, err := decodeBody(enc, buf.Bytes())
				if err != nil {
					slog.Debug("response body decode failed", "encoding", enc, "error", err)
					return
				}
				slog.Debug("decoded response body",
					"encoding", enc,
					"compressed", buf.Len(),
					"decoded", len(decoded),
				)
			},
		}
	}
}

func encodingOf(ctx *plugin.Context) string {
	enc := strings.ToLower(strings.TrimSpace(ctx.Response.Header.Get("Content-Encoding")))
	switch enc {
	case "gzip", "deflate", "br", "zstd":
		return enc
	}
	return ""
}

// decodeBody decompresses body according to the Content-Encoding token.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	var r io.Reader = bytes.NewReader(body)
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case "deflate":
		fr := flate.NewReader(r)
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(r)
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr.IOReadCloser()
	}
	return io.ReadAll(r)
}
